package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var (
	maxUint63 = new(big.Int).Lsh(big.NewInt(1), 63)
	maxSerial = new(big.Int).Lsh(big.NewInt(1), 159)
	bigOne    = big.NewInt(1)
)

// RandomUint63 returns a random non-zero 63-bit identifier.
func RandomUint63() (uint64, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Sub(maxUint63, bigOne))
	if err != nil {
		return 0, fmt.Errorf("generating random id: %w", err)
	}
	return n.Uint64() + 1, nil
}

// RandomSerial returns a positive certificate serial number of at most 159
// bits, so its DER encoding fits the 20 octets allowed by RFC 5280.
func RandomSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Sub(maxSerial, bigOne))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return n.Add(n, bigOne), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
