// Package biometric holds the embedding math shared by enrollment,
// verification and identification: the storage codec, cosine similarity,
// multi-frame aggregation and the approximate nearest neighbour index.
package biometric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// CodecVersion is the current embedding encoding version.
const CodecVersion byte = 1

const headerSize = 1 + 4

// Codec errors.
var (
	ErrUnknownVersion = errors.New("biometric: unknown embedding encoding version")
	ErrCorrupt        = errors.New("biometric: corrupt embedding encoding")
	ErrNonFinite      = errors.New("biometric: embedding contains NaN or Inf")
)

// Encode serialises vec as [version u8][dim u32 LE][dim x float32 LE].
func Encode(vec []float32) []byte {
	buf := make([]byte, headerSize+4*len(vec))
	buf[0] = CodecVersion
	binary.LittleEndian.PutUint32(buf[1:headerSize], uint32(len(vec)))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[headerSize+4*i:], math.Float32bits(v))
	}
	return buf
}

// Decode parses an encoded embedding, rejecting unknown versions, truncated
// or trailing bytes and non-finite values.
func Decode(data []byte) ([]float32, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	if data[0] != CodecVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, data[0])
	}
	dim := binary.LittleEndian.Uint32(data[1:headerSize])
	if uint64(len(data)-headerSize) != uint64(dim)*4 {
		return nil, fmt.Errorf("%w: dimension %d with %d payload bytes", ErrCorrupt, dim, len(data)-headerSize)
	}

	vec := make([]float32, dim)
	for i := range vec {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[headerSize+4*i:]))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w at index %d", ErrNonFinite, i)
		}
		vec[i] = v
	}
	return vec, nil
}
