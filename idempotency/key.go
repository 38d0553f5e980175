// Package idempotency makes the broker's write endpoints safe to retry: the
// serialized response of a completed write is stored under a key and
// replayed for the lifetime of the TTL.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// MaxKeyLength bounds client-provided Idempotency-Key values.
const MaxKeyLength = 128

// DeriveKey computes the fallback key for requests without an
// Idempotency-Key header: the SHA-256 of the canonical JSON of
// {path, body}, lowercase hex. Object keys are sorted recursively; array
// order is preserved, so two requests with identical semantics but
// different field order hash the same.
func DeriveKey(path string, body []byte) string {
	envelope := map[string]interface{}{
		"path": path,
		"body": decodeBody(body),
	}
	// Marshal of a map emits keys in sorted order at every nesting level,
	// which is exactly the canonical form required here.
	canonical, err := json.Marshal(envelope)
	if err != nil {
		canonical = append([]byte(path), body...)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// decodeBody parses the request body preserving numeric text via
// json.Number. Non-JSON bodies fall back to the raw string so they still
// hash deterministically.
func decodeBody(body []byte) interface{} {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return string(body)
	}
	return v
}
