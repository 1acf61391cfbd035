// Package frame implements ward's message envelope: optional
// zlib compression, zero-padding to a 4-byte boundary, and BTEA encryption
// under a key derived from a pre-shared password and a per-message nonce.
package frame

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"

	"github.com/klauspost/compress/zlib"
)

const (
	// MaxWireMessage is the hard cap on one encoded, encrypted envelope.
	MaxWireMessage = 8000

	// compressThreshold is the payload size above which compression is
	// attempted.
	compressThreshold = 500

	nonceBytes = 4
)

// compressedMarker prefixes a payload that was zlib-compressed before
// encryption, so the decoder knows to inflate after decrypting.
var compressedMarker = [4]byte{0x80, 0x00, 0x00, 0x00}

var (
	ErrTooLarge      = errors.New("frame: encoded message exceeds the wire size cap")
	ErrTooShort      = errors.New("frame: ciphertext shorter than the minimum envelope")
	ErrBadLength     = errors.New("frame: ciphertext length is not a multiple of 4 bytes")
	ErrAuthFailed    = errors.New("frame: decrypted payload failed to inflate or is malformed")
)

// Encode wraps payload (already codec-encoded message bytes) in the full
// envelope: optional compression, zero-padding, BTEA encryption, and a
// clear-text trailing nonce.
func Encode(payload []byte, password string) ([]byte, error) {
	body := payload
	if len(payload) > compressThreshold {
		if compressed, ok := tryCompress(payload); ok {
			body = append(append([]byte{}, compressedMarker[:]...), compressed...)
		}
	}

	padded := padTo4(body)

	nonce := uint32(rand.Int31()) // 31-bit: top bit always clear
	key := deriveKey(password, nonce)

	out := make([]byte, len(padded)+nonceBytes)
	copy(out, padded)
	encryptInPlace(out[:len(padded)], key)
	binary.LittleEndian.PutUint32(out[len(padded):], nonce)

	if len(out) > MaxWireMessage {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Decode reverses Encode: splits off the trailing nonce, derives the key,
// decrypts, and inflates if the compression marker is present. Zero
// padding is not stripped: an uncompressed payload comes back with up to 3
// trailing zero bytes.
func Decode(wire []byte, password string) ([]byte, error) {
	if len(wire) > MaxWireMessage {
		return nil, ErrTooLarge
	}
	if len(wire) <= nonceBytes {
		return nil, ErrTooShort
	}
	cipherLen := len(wire) - nonceBytes
	if cipherLen%4 != 0 {
		return nil, ErrBadLength
	}

	nonce := binary.LittleEndian.Uint32(wire[cipherLen:])
	key := deriveKey(password, nonce)

	plain := make([]byte, cipherLen)
	copy(plain, wire[:cipherLen])
	decryptInPlace(plain, key)

	if len(plain) >= 4 && bytes.Equal(plain[:4], compressedMarker[:]) {
		inflated, err := tryInflate(plain[4:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return inflated, nil
	}

	// plain may carry up to 3 trailing zero-padding bytes; the codec's
	// outer BigList chunk is self-describing and never reads past its own
	// declared length, so the padding is simply ignored downstream.
	return plain, nil
}

func deriveKey(password string, nonce uint32) [4]uint32 {
	h := sha1.New()
	h.Write([]byte(password))
	h.Write([]byte(fmt.Sprintf("%d", nonce)))
	sum := h.Sum(nil)

	var key [4]uint32
	for i := 0; i < 4; i++ {
		key[i] = binary.LittleEndian.Uint32(sum[i*4 : i*4+4])
	}
	return key
}

func padTo4(b []byte) []byte {
	rem := len(b) % 4
	if rem == 0 {
		return b
	}
	return append(b, make([]byte, 4-rem)...)
}

func tryCompress(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(payload) {
		return nil, false
	}
	return buf.Bytes(), true
}

func tryInflate(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
