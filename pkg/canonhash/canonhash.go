// Package canonhash renders JSON documents in a canonical form: sorted object
// keys and a two space indent.
package canonhash

import (
	"bytes"
	"encoding/json"
)

// Canonical re-encodes raw JSON with sorted keys and an indent of two spaces.
// Numbers are preserved verbatim.
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
