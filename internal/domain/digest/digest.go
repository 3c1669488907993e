// Package digest derives the short content-addressed identifiers used across
// the run engine (scope IDs, rules hashes, work keys, fingerprints).
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Length is the number of hex characters in every derived identifier.
const Length = 16

// Hash returns the truncated SHA-256 of the given parts. Parts are separated
// by a NUL byte so that ("ab","c") and ("a","bc") never collide.
func Hash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:Length]
}

// HashBytes returns the truncated SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:Length]
}

// Canonical encodes v as JSON with object keys sorted at every depth and
// without HTML escaping. Two values that marshal to the same JSON tree yield
// byte-identical output regardless of struct field order.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	// encoding/json writes map keys in sorted order, so re-encoding the
	// generic tree sorts every nested object.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
