package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeJSON parses JSON preserving number literals as json.Number, so that
// re-encoding a loaded artifact reproduces the original bytes. Any artifact
// that is read, amended and re-stamped must come through here; plain
// json.Unmarshal would turn integers into floats and shift the hash.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}
	return v, nil
}

// DecodeJSONObject is DecodeJSON for payloads known to be objects.
func DecodeJSONObject(data []byte) (map[string]any, error) {
	v, err := DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decoding JSON: expected object, got %T", v)
	}
	return m, nil
}
