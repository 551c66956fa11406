package cenc

import (
	"crypto/cipher"
)

const aesBlockSize = 16

// SubSample is one clear/encrypted byte-length pair from a senc entry.
type SubSample struct {
	Clear     uint16
	Encrypted uint32
}

func padIV(iv []byte) []byte {
	out := make([]byte, aesBlockSize)
	copy(out, iv)
	return out
}

// forEachEncryptedRun walks the sample's encrypted runs in order. With
// no sub-samples the whole sample is one encrypted run; a remainder
// after the last sub-sample is treated as encrypted.
func forEachEncryptedRun(sample []byte, subs []SubSample, fn func(run []byte)) {
	if len(subs) == 0 {
		fn(sample)
		return
	}
	offset := 0
	for _, sub := range subs {
		offset = min(offset+int(sub.Clear), len(sample))
		end := min(offset+int(sub.Encrypted), len(sample))
		if end > offset {
			fn(sample[offset:end])
		}
		offset = end
	}
	if offset < len(sample) {
		fn(sample[offset:])
	}
}

// decryptCTR decrypts in place. The keystream continues across the
// sample's encrypted runs.
func decryptCTR(block cipher.Block, iv []byte, sample []byte, subs []SubSample) {
	stream := cipher.NewCTR(block, padIV(iv))
	forEachEncryptedRun(sample, subs, func(run []byte) {
		stream.XORKeyStream(run, run)
	})
}

// decryptCBC1 decrypts in place. Only complete leading blocks of a run
// are decrypted; a non-block-aligned tail passes through as-is. The
// chain continues across runs via the last ciphertext block.
func decryptCBC1(block cipher.Block, iv []byte, sample []byte, subs []SubSample) {
	chain := padIV(iv)
	forEachEncryptedRun(sample, subs, func(run []byte) {
		n := len(run) / aesBlockSize * aesBlockSize
		if n == 0 {
			return
		}
		next := make([]byte, aesBlockSize)
		copy(next, run[n-aesBlockSize:n])
		cipher.NewCBCDecrypter(block, chain).CryptBlocks(run[:n], run[:n])
		chain = next
	})
}

// decryptCBCS decrypts in place using the crypt/skip block pattern.
// Within each encrypted run the pattern's encrypted spans form one
// continuous CBC ciphertext decrypted with the sample IV; decrypted
// bytes are scattered back to their original positions. A trailing
// partial block stays clear.
func decryptCBCS(block cipher.Block, iv []byte, sample []byte, subs []SubSample, cryptBlocks, skipBlocks int) {
	if cryptBlocks == 0 {
		if skipBlocks > 0 {
			return // zero encrypted blocks per period: nothing to do
		}
		cryptBlocks, skipBlocks = 1, 0 // unpatterned: full CBC
	}
	forEachEncryptedRun(sample, subs, func(run []byte) {
		var spans [][]byte
		total := 0
		pos := 0
		for pos+aesBlockSize <= len(run) {
			n := min(cryptBlocks*aesBlockSize, (len(run)-pos)/aesBlockSize*aesBlockSize)
			spans = append(spans, run[pos:pos+n])
			total += n
			pos += n + skipBlocks*aesBlockSize
		}
		if total == 0 {
			return
		}
		gathered := make([]byte, 0, total)
		for _, span := range spans {
			gathered = append(gathered, span...)
		}
		cipher.NewCBCDecrypter(block, padIV(iv)).CryptBlocks(gathered, gathered)
		for _, span := range spans {
			copy(span, gathered[:len(span)])
			gathered = gathered[len(span):]
		}
	})
}
