package util

import (
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// NormalizePassphrase applies NFKD so that a passphrase typed on different
// keyboards or platforms derives the same bytes.
func NormalizePassphrase(s string) []byte {
	return []byte(norm.NFKD.String(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
