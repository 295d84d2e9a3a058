package util

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	AESKeySize   = 32
	AESBlockSize = aes.BlockSize
)

// ErrBadPadding is returned by PKCS7Unpad on malformed padding.
var ErrBadPadding = errors.New("bad PKCS#7 padding")

func NewCBCEncrypter(rawKey, iv []byte) (cipher.BlockMode, error) {
	block, err := newAESBlock(rawKey, iv)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCEncrypter(block, iv), nil
}

func NewCBCDecrypter(rawKey, iv []byte) (cipher.BlockMode, error) {
	block, err := newAESBlock(rawKey, iv)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

func newAESBlock(rawKey, iv []byte) (cipher.Block, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	if len(iv) != AESBlockSize {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), AESBlockSize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return block, nil
}

// PKCS7Pad returns data followed by 1 to AESBlockSize bytes of padding.
func PKCS7Pad(data []byte) []byte {
	n := AESBlockSize - len(data)%AESBlockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

func PKCS7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%AESBlockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > AESBlockSize {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
