package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256Hex canonically encodes v and returns the hex SHA-256 of the bytes.
func SHA256Hex(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// SelfHashSuffix is the naming convention for manifest self-hash fields.
const SelfHashSuffix = "_sha256"

// StampSelfHash computes the hash of m with field omitted, then returns a
// copy of m carrying the hash under field. The input map is not mutated.
// field must end in "_sha256".
func StampSelfHash(m map[string]any, field string) (map[string]any, error) {
	if !strings.HasSuffix(field, SelfHashSuffix) {
		return nil, fmt.Errorf("self-hash field %q must end in %q", field, SelfHashSuffix)
	}
	body := make(map[string]any, len(m)+1)
	for k, v := range m {
		if k == field {
			continue
		}
		body[k] = v
	}
	sum, err := SHA256Hex(body)
	if err != nil {
		return nil, err
	}
	body[field] = sum
	return body, nil
}

// VerifySelfHash recomputes the self-hash of m with field omitted and
// reports whether it matches the stored value. A missing or non-string
// field fails verification.
func VerifySelfHash(m map[string]any, field string) (bool, error) {
	stored, ok := m[field].(string)
	if !ok || stored == "" {
		return false, nil
	}
	body := make(map[string]any, len(m))
	for k, v := range m {
		if k == field {
			continue
		}
		body[k] = v
	}
	sum, err := SHA256Hex(body)
	if err != nil {
		return false, err
	}
	return sum == stored, nil
}
