package cid

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
)

// CIDv1 layout: multibase prefix 'b', then base32(cid version, raw codec,
// sha2-256 multihash header, 32-byte digest). Fixed-size input makes every
// identifier exactly encodedLength characters.
const (
	versionByte   = 0x01
	rawCodecByte  = 0x55
	sha256Code    = 0x12
	digestSize    = 0x20
	multibaseChar = "b"
	encodedLength = 59
)

var b32Lower = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// CanonicalBytes produces the canonical JSON serialization of v: object keys
// sorted at every nesting level, arrays in given order, compact separators,
// numbers kept in their decoded textual form. Equal content yields equal
// bytes regardless of field order in the source.
func CanonicalBytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode intermediate: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: re-encode: %w", err)
	}
	return out, nil
}

// FromBytes derives the content identifier for an already-canonical payload.
func FromBytes(canonical []byte) string {
	digest := sha256.Sum256(canonical)

	payload := make([]byte, 0, 4+len(digest))
	payload = append(payload, versionByte, rawCodecByte, sha256Code, digestSize)
	payload = append(payload, digest[:]...)

	return multibaseChar + b32Lower.EncodeToString(payload)
}

// FromObject canonicalizes v and derives its content identifier. Two objects
// with equal content produce the same identifier; any difference in content
// produces a different one.
func FromObject(v any) (string, error) {
	canonical, err := CanonicalBytes(v)
	if err != nil {
		return "", fmt.Errorf("cid from object: %w", err)
	}
	return FromBytes(canonical), nil
}

// IsValid reports whether s is structurally a well-formed identifier: right
// length, right multibase prefix, decodable payload with the expected header
// bytes. It does not recompute any digest.
func IsValid(s string) bool {
	if len(s) != encodedLength {
		return false
	}
	if !strings.HasPrefix(s, multibaseChar) {
		return false
	}

	payload, err := b32Lower.DecodeString(s[1:])
	if err != nil {
		return false
	}
	if len(payload) != 4+digestSize {
		return false
	}

	return payload[0] == versionByte &&
		payload[1] == rawCodecByte &&
		payload[2] == sha256Code &&
		payload[3] == digestSize
}
