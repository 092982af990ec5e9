// Package pow implements the hash puzzle shared by the coordinator and all
// workers: a fixed binary header, a SHA-256 digest, and a leading-zero-bit
// difficulty check.
package pow

import (
	"encoding/binary"
	"math/bits"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// PrefixSize is the length of the searchable header prefix:
	// generation uint64 LE (8 bytes) followed by the 32-byte seed.
	PrefixSize = 40

	// MessageSize is the full hashed message: prefix plus nonce uint64 LE.
	MessageSize = PrefixSize + 8

	// MinDifficultyBits and MaxDifficultyBits bound the run-wide difficulty.
	MinDifficultyBits = 1
	MaxDifficultyBits = 64
)

// HeaderPrefix packs a generation and seed into the 40-byte header prefix.
func HeaderPrefix(generation uint64, seed chainhash.Hash) [PrefixSize]byte {
	var prefix [PrefixSize]byte
	binary.LittleEndian.PutUint64(prefix[:8], generation)
	copy(prefix[8:], seed[:])
	return prefix
}

// SolutionDigest hashes a header prefix with a candidate nonce.
func SolutionDigest(prefix [PrefixSize]byte, nonce uint64) chainhash.Hash {
	var msg [MessageSize]byte
	copy(msg[:PrefixSize], prefix[:])
	binary.LittleEndian.PutUint64(msg[PrefixSize:], nonce)
	return chainhash.HashH(msg[:])
}

// LeadingZeroBits counts the leading zero bits of a digest.
func LeadingZeroBits(h chainhash.Hash) int {
	n := 0
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

// CheckDigest reports whether a digest meets the difficulty threshold.
func CheckDigest(h chainhash.Hash, difficultyBits int) bool {
	return LeadingZeroBits(h) >= difficultyBits
}

// ValidDifficulty reports whether difficultyBits is inside the supported range.
func ValidDifficulty(difficultyBits int) bool {
	return difficultyBits >= MinDifficultyBits && difficultyBits <= MaxDifficultyBits
}
