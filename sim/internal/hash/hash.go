// Package hash computes prefix block hashes for KV-cache reuse and
// cache-aware routing.
//
// Hashes are cumulative: the hash of block i covers every token in blocks
// 0..i, so two requests share block hash i only if their first (i+1)*blockSize
// tokens are identical. The router and the instance KV managers hash in the
// same space, which lets the router's shadow view be checked against the
// instance's actual cache.
package hash

import (
	"encoding/binary"
	"hash"

	"github.com/twmb/murmur3"
)

// Hasher produces cumulative block hashes over token sequences.
type Hasher struct {
	blockSize int
	newHash   func() hash.Hash64
}

// New creates a Hasher for the given block size (tokens per block).
// Panics if blockSize <= 0.
func New(blockSize int) *Hasher {
	if blockSize <= 0 {
		panic("hash.New: blockSize must be > 0")
	}
	return &Hasher{
		blockSize: blockSize,
		newHash:   murmur3.New64,
	}
}

// BlockSize returns the number of tokens per block.
func (h *Hasher) BlockSize() int {
	return h.blockSize
}

// BlockHashes returns one cumulative hash per full block of tokens.
// A trailing partial block is not hashed: it cannot be shared.
func (h *Hasher) BlockHashes(tokens []int) []uint64 {
	numBlocks := len(tokens) / h.blockSize
	if numBlocks == 0 {
		return []uint64{}
	}
	out := make([]uint64, 0, numBlocks)
	hasher := h.newHash()
	var buf [4]byte
	for b := 0; b < numBlocks; b++ {
		for _, tok := range tokens[b*h.blockSize : (b+1)*h.blockSize] {
			binary.LittleEndian.PutUint32(buf[:], uint32(tok))
			_, _ = hasher.Write(buf[:])
		}
		out = append(out, hasher.Sum64())
	}
	return out
}

// PrefixHash returns the hash of the first full block, or 0 if the sequence is
// shorter than one block.
func (h *Hasher) PrefixHash(tokens []int) uint64 {
	if len(tokens) < h.blockSize {
		return 0
	}
	return h.BlockHashes(tokens[:h.blockSize])[0]
}
