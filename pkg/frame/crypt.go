package frame

import "encoding/binary"

// btea implements the Corrected Block TEA (XXTEA) cipher used to encrypt
// frame bodies: a variable-length extension of TEA operating on whole
// 32-bit words, keyed by a 128-bit (4-word) key.
const teaDelta = 0x9e3779b9

func mx(sum, y, z uint32, p int, e uint32, key [4]uint32) uint32 {
	return ((z>>5 ^ y<<2) + (y>>3 ^ z<<4)) ^ ((sum ^ y) + (key[(uint32(p)&3)^e] ^ z))
}

func bteaEncrypt(v []uint32, key [4]uint32) {
	n := len(v)
	if n < 1 {
		return
	}
	var sum uint32
	q := 6 + 52/n
	z := v[n-1]
	for ; q > 0; q-- {
		sum += teaDelta
		e := (sum >> 2) & 3
		var y uint32
		for p := 0; p < n-1; p++ {
			y = v[p+1]
			v[p] += mx(sum, y, z, p, e, key)
			z = v[p]
		}
		y = v[0]
		v[n-1] += mx(sum, y, z, n-1, e, key)
		z = v[n-1]
	}
}

func bteaDecrypt(v []uint32, key [4]uint32) {
	n := len(v)
	if n < 1 {
		return
	}
	q := 6 + 52/n
	sum := uint32(q) * teaDelta
	y := v[0]
	for sum != 0 {
		e := (sum >> 2) & 3
		var z uint32
		for p := n - 1; p > 0; p-- {
			z = v[p-1]
			v[p] -= mx(sum, y, z, p, e, key)
			y = v[p]
		}
		z = v[n-1]
		v[0] -= mx(sum, y, z, 0, e, key)
		y = v[0]
		sum -= teaDelta
	}
}

// bytesToWords/wordsToBytes convert a little-endian byte buffer (length a
// multiple of 4) to/from the uint32 words btea operates on.
func bytesToWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}
	return words
}

func wordsToBytes(words []uint32, out []byte) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], w)
	}
}

// encryptInPlace BTEA-encrypts b (len(b) must be a multiple of 4) using
// key, in place.
func encryptInPlace(b []byte, key [4]uint32) {
	words := bytesToWords(b)
	bteaEncrypt(words, key)
	wordsToBytes(words, b)
}

func decryptInPlace(b []byte, key [4]uint32) {
	words := bytesToWords(b)
	bteaDecrypt(words, key)
	wordsToBytes(words, b)
}
