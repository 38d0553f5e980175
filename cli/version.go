package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spectralhq/spectralnotify/version"
)

var (
	versionJSON bool
	versionDep  string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print broker version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionDep != "" {
			dep := version.GetDependency(versionDep)
			if dep == nil {
				return fmt.Errorf("dependency %s not found in build info", versionDep)
			}
			out, err := json.MarshalIndent(dep, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}

		if versionJSON {
			out, err := json.MarshalIndent(version.GetBuildInfo(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}

		info := version.GetBuildInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "spectralnotify %s (%s)\n", version.Current(), info.GoVersion)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print full build info as JSON")
	versionCmd.Flags().StringVar(&versionDep, "dep", "", "print version info for a single dependency")
	RootCmd.AddCommand(versionCmd)
}
