package backup

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caucase/internal/util"
)

func testKeys(t *testing.T) (signing, symmetric, iv []byte) {
	t.Helper()
	var err error
	signing, err = util.RandomBytes(sessionKeySize)
	require.NoError(t, err)
	symmetric, err = util.RandomBytes(sessionKeySize)
	require.NoError(t, err)
	iv, err = util.RandomBytes(ivSize)
	require.NoError(t, err)
	return signing, symmetric, iv
}

func seal(t *testing.T, plain []byte, writes int, signing, symmetric, iv []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	s, err := newSealer(&buf, signing, symmetric, iv, 32)
	require.NoError(t, err)
	// Split the input in uneven writes.
	step := max(len(plain)/max(writes, 1), 1)
	for rest := plain; len(rest) > 0; {
		n := min(step, len(rest))
		_, err := s.Write(rest[:n])
		require.NoError(t, err)
		rest = rest[n:]
	}
	require.NoError(t, s.Close())
	return buf.Bytes()
}

func TestSealOpenRoundTrip(t *testing.T) {
	signing, symmetric, iv := testKeys(t)
	for _, size := range []int{0, 1, 15, 16, 31, 32, 33, 64, 100, 1000} {
		plain, err := util.RandomBytes(size)
		require.NoError(t, err)
		sealed := seal(t, plain, 3, signing, symmetric, iv)
		assert.Zero(t, len(sealed)%16)

		o, err := newOpener(bytes.NewReader(sealed), signing, symmetric, iv, 32)
		require.NoError(t, err)
		got, err := io.ReadAll(o)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, len(plain), len(got), "size %d", size)
		assert.True(t, bytes.Equal(plain, got), "size %d", size)
	}
}

// The body is [chunk][HMAC over every chunk so far], padded, encrypted.
func TestSealLayout(t *testing.T) {
	signing, symmetric, iv := testKeys(t)
	plain := []byte("0123456789abcdef0123456789abcdefXYZ")
	sealed := seal(t, plain, 1, signing, symmetric, iv)

	mode, err := util.NewCBCDecrypter(symmetric, iv)
	require.NoError(t, err)
	body := make([]byte, len(sealed))
	mode.CryptBlocks(body, sealed)
	body, err = util.PKCS7Unpad(body)
	require.NoError(t, err)
	require.Len(t, body, 32+tagSize+3+tagSize)

	mac := hmac.New(sha256.New, signing)
	mac.Write(plain[:32])
	assert.Equal(t, plain[:32], body[:32])
	assert.Equal(t, mac.Sum(nil), body[32:64])

	mac.Write(plain[32:])
	assert.Equal(t, plain[32:], body[64:67])
	assert.Equal(t, mac.Sum(nil), body[67:])
}

func TestOpenRejectsTampering(t *testing.T) {
	signing, symmetric, iv := testKeys(t)
	plain, err := util.RandomBytes(200)
	require.NoError(t, err)
	sealed := seal(t, plain, 1, signing, symmetric, iv)

	for i := range sealed {
		tampered := bytes.Clone(sealed)
		tampered[i] ^= 0x01
		o, err := newOpener(bytes.NewReader(tampered), signing, symmetric, iv, 32)
		require.NoError(t, err)
		_, err = io.ReadAll(o)
		assert.Error(t, err, "byte %d", i)
	}

	o, err := newOpener(bytes.NewReader(sealed[:len(sealed)-3]), signing, symmetric, iv, 32)
	require.NoError(t, err)
	_, err = io.ReadAll(o)
	assert.ErrorIs(t, err, util.ErrBadPadding)

	otherSigning, _, _ := testKeys(t)
	o, err = newOpener(bytes.NewReader(sealed), otherSigning, symmetric, iv, 32)
	require.NoError(t, err)
	_, err = io.ReadAll(o)
	assert.ErrorIs(t, err, ErrHMACMismatch)
}
