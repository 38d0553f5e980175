package version

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()
	require.NotNil(t, info)
	assert.NotEmpty(t, info.GoVersion)

	// Dependencies are sorted for stable output.
	assert.True(t, sort.SliceIsSorted(info.Dependencies, func(i, j int) bool {
		return info.Dependencies[i].Path < info.Dependencies[j].Path
	}))
}

func TestGetDependencyUnknown(t *testing.T) {
	assert.Nil(t, GetDependency("example.invalid/no/such/module"))
}

func TestCurrent(t *testing.T) {
	// Under `go test` the main module is the test binary's module, so the
	// result depends on build context; it must still be a known shape.
	v := Current()
	assert.NotEmpty(t, v)
}
