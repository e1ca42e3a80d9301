package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nightjarhq/nightjar/internal/privacy"
)

// liteProvider produces embeddings without any external service: every
// normalized token is feature-hashed into a signed bucket and the result is
// L2-normalized. Equal text always yields the same vector, so offline
// ingestion and replays stay reproducible.
type liteProvider struct {
	dim int
}

func NewLite(dim int) (Provider, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("new lite provider: invalid dimension: %d", dim)
	}
	return &liteProvider{dim: dim}, nil
}

func (p *liteProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
	}

	tokens := privacy.NormalizeTokens(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("embed: no indexable tokens")
	}

	vec := make([]float32, p.dim)
	for _, token := range tokens {
		bucket, negative := p.feature(token)
		if negative {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Opposite-signed tokens can cancel out; pin one deterministic
		// component so the vector stays usable.
		bucket, _ := p.feature(tokens[0])
		vec[bucket] = 1
		norm = 1
	}

	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}

	return vec, nil
}

func (p *liteProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: empty texts")
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch: index %d: %w", i, err)
		}
		vectors[i] = vec
	}

	return vectors, nil
}

func (p *liteProvider) feature(token string) (bucket int, negative bool) {
	digest := sha256.Sum256([]byte(token))
	bucket = int(binary.LittleEndian.Uint32(digest[0:4]) % uint32(p.dim))
	negative = digest[4]&1 == 1
	return bucket, negative
}
