package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalizeJSON returns the RFC 8785 (JCS) canonical form of JSON input.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// DigestJCS canonicalizes JSON (RFC 8785) and returns a sha256 hex digest.
func DigestJCS(input []byte) (string, error) {
	canonical, err := CanonicalizeJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Marshal encodes value with encoding/json and canonicalizes the result.
func Marshal(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeWithout canonicalizes a JSON object after dropping the named
// top-level members.
func CanonicalizeWithout(input []byte, drop ...string) ([]byte, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(input, &object); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	if object == nil {
		return nil, fmt.Errorf("json document is not an object")
	}
	for _, key := range drop {
		delete(object, key)
	}
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}
