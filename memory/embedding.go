package memory

import (
	"encoding/binary"
	"errors"
	"math"
)

// EncodeEmbedding encodes a []float32 into a little-endian []byte blob for
// storage in the embedding column.
func EncodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// DecodeEmbedding decodes a stored blob back into a []float32.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, errors.New("invalid embedding blob length")
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// CosineSimilarity between two equal-length vectors. Returns 0 for empty or
// mismatched inputs so a missing embedding degrades instead of failing.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
