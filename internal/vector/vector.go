package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	blobHeaderSize = 4
	valueByteSize  = 4
)

// Encode packs a float32 vector into a binary blob.
// Format: [4-byte little-endian dimension][N x 4-byte little-endian float32 values].
func Encode(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}

	maxDim := (math.MaxInt - blobHeaderSize) / valueByteSize
	if len(vec) > maxDim {
		return nil, fmt.Errorf("encode vector: dimension too large: %d", len(vec))
	}

	blob := make([]byte, blobHeaderSize+len(vec)*valueByteSize)
	binary.LittleEndian.PutUint32(blob[:blobHeaderSize], uint32(len(vec)))

	offset := blobHeaderSize
	for i, value := range vec {
		if !isFinite(float64(value)) {
			return nil, fmt.Errorf("encode vector: invalid value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[offset:offset+valueByteSize], math.Float32bits(value))
		offset += valueByteSize
	}

	return blob, nil
}

// Decode unpacks a vector blob created by Encode.
func Decode(blob []byte) ([]float32, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("decode vector: invalid blob length: %d", len(blob))
	}

	dim := int(binary.LittleEndian.Uint32(blob[:blobHeaderSize]))
	maxDim := (math.MaxInt - blobHeaderSize) / valueByteSize
	if dim <= 0 || dim > maxDim {
		return nil, fmt.Errorf("decode vector: invalid dimension: %d", dim)
	}

	if len(blob) != blobHeaderSize+dim*valueByteSize {
		return nil, fmt.Errorf("decode vector: blob dimension mismatch: dim=%d payload=%d", dim, len(blob)-blobHeaderSize)
	}

	vec := make([]float32, dim)
	offset := blobHeaderSize
	for i := range vec {
		value := math.Float32frombits(binary.LittleEndian.Uint32(blob[offset : offset+valueByteSize]))
		if !isFinite(float64(value)) {
			return nil, fmt.Errorf("decode vector: invalid value at index %d", i)
		}
		vec[i] = value
		offset += valueByteSize
	}

	return vec, nil
}

// Cosine computes cosine similarity for two vectors, clamped to [-1, 1].
func Cosine(a, b []float32) (float64, error) {
	dot, normA, normB, err := accumulate(a, b)
	if err != nil {
		return 0, fmt.Errorf("cosine similarity: %w", err)
	}
	if normA == 0 {
		return 0, fmt.Errorf("cosine similarity: zero vector norm for a")
	}
	if normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero vector norm for b")
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}

	return score, nil
}

// Dot computes the inner product of two vectors with the same validation as
// Cosine but no normalization. Useful when vectors are already unit length.
func Dot(a, b []float32) (float64, error) {
	dot, _, _, err := accumulate(a, b)
	if err != nil {
		return 0, fmt.Errorf("dot product: %w", err)
	}
	return dot, nil
}

func accumulate(a, b []float32) (dot, normA, normB float64, err error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0, fmt.Errorf("empty vector")
	}
	if len(a) != len(b) {
		return 0, 0, 0, fmt.Errorf("vector dimension mismatch: %d vs %d", len(a), len(b))
	}

	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		if !isFinite(ai) {
			return 0, 0, 0, fmt.Errorf("invalid value in vector a at index %d", i)
		}
		if !isFinite(bi) {
			return 0, 0, 0, fmt.Errorf("invalid value in vector b at index %d", i)
		}

		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	return dot, normA, normB, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
