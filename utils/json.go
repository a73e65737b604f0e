package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalJSON re-encodes raw JSON with object keys sorted so that two
// semantically equal payloads always produce identical bytes.
func CanonicalJSON(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// ContentHash returns the hex sha256 of the canonical form of a JSON payload.
// Used by the mapping store to skip provider calls for unchanged entities.
func ContentHash(raw []byte) (string, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
