package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Domain prefixes keep identity hashes and token hashes disjoint even when
// the raw strings collide.
const (
	identityDomain = "author:"
	tokenDomain    = "token:"
)

// IdentityHasher maps raw author identifiers to salted one-way digests.
// The mapping is deterministic for a fixed salt and not reversible; the raw
// identifier never leaves this function's stack.
type IdentityHasher struct {
	salt []byte
}

func NewIdentityHasher(salt string) (*IdentityHasher, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, fmt.Errorf("new identity hasher: empty salt")
	}
	return &IdentityHasher{salt: []byte(salt)}, nil
}

func (h *IdentityHasher) Hash(rawID string) string {
	return hmacHex(h.salt, identityDomain, rawID)
}

// TokenHasher normalizes free text into tokens and maps each token to a
// salted one-way digest. Stored and query-side tokens must go through the
// same pipeline for the exact-match index to line up.
type TokenHasher struct {
	salt []byte
}

func NewTokenHasher(salt string) (*TokenHasher, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, fmt.Errorf("new token hasher: empty salt")
	}
	return &TokenHasher{salt: []byte(salt)}, nil
}

func (h *TokenHasher) HashToken(token string) string {
	return hmacHex(h.salt, tokenDomain, token)
}

// HashTokens normalizes text and hashes every distinct token, preserving
// first-seen order.
func (h *TokenHasher) HashTokens(text string) []string {
	tokens := NormalizeTokens(text)
	if len(tokens) == 0 {
		return nil
	}
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, h.HashToken(token))
	}
	return out
}

// NormalizeTokens lowercases text, keeps letters, digits, and underscores,
// treats every other rune as a separator, and deduplicates the resulting
// tokens preserving first-seen order.
func NormalizeTokens(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteByte(' ')
	}

	fields := strings.Fields(b.String())
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, token := range fields {
		if _, exists := seen[token]; exists {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}

	return out
}

func hmacHex(salt []byte, domain, value string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(domain))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
