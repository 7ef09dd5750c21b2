// Package primitives implements the fixed-width symmetric building blocks
// that the path and tree traceback schemes are built from: a
// collision-resistant hash, a PRF, a collision-resistant PRF, and single-block
// AES-128 encipher/decipher. Every function here is a deterministic pure
// function over fixed-width byte strings; none of the parameter choices below
// may be varied without breaking wire compatibility with already-stored
// records (spec §6).
package primitives

import (
	"crypto/aes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// BlockSize is the width, in bytes, of every ptr/bptr/gk/fgk value and of a
// single AES-128 block.
const BlockSize = 16

// Hash returns the collision-resistant compression of x to 16 bytes: the
// leading 16 bytes of SHA3-256(x).
func Hash(x []byte) [BlockSize]byte {
	sum := sha3.Sum256(x)
	var out [BlockSize]byte
	copy(out[:], sum[:BlockSize])
	return out
}

// PRF is the 128-to-128 pseudo-random function used to derive ptr values from
// a generator key and a counter, and addr values from a ptr and a message:
// the leading 16 bytes of SHA3-256(k || x).
func PRF(k [BlockSize]byte, x []byte) [BlockSize]byte {
	buf := make([]byte, 0, BlockSize+len(x))
	buf = append(buf, k[:]...)
	buf = append(buf, x...)
	return Hash(buf)
}

// CRPRF is the collision-resistant PRF used only by the path scheme to derive
// the 256-bit store address from a key and a message: full HMAC-SHA3-256.
func CRPRF(k [BlockSize]byte, x []byte) [32]byte {
	mac := hmac.New(sha3.New256, k[:])
	mac.Write(x)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Encipher performs single-block AES-128 encryption of a 16-byte plaintext
// under a 16-byte key, with no padding or chaining mode.
func Encipher(k, plaintext [BlockSize]byte) [BlockSize]byte {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		// A 16-byte key is always valid for AES-128; this is a programming
		// error, not a runtime condition (spec §4.1).
		panic(fmt.Sprintf("primitives: invalid AES-128 key: %v", err))
	}
	var out [BlockSize]byte
	block.Encrypt(out[:], plaintext[:])
	return out
}

// Decipher performs single-block AES-128 decryption of a 16-byte ciphertext
// under a 16-byte key, with no padding or chaining mode.
func Decipher(k, ciphertext [BlockSize]byte) [BlockSize]byte {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		panic(fmt.Sprintf("primitives: invalid AES-128 key: %v", err))
	}
	var out [BlockSize]byte
	block.Decrypt(out[:], ciphertext[:])
	return out
}

// CounterBE encodes a forward counter as a big-endian 32-bit byte string, the
// exact encoding the wire contract in spec §6 requires for ctr_be32.
func CounterBE(ctr uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, ctr)
	return buf
}
