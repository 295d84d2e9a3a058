package backup

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/internal/util"
	"github.com/jmcleod/caucase/pki"
)

// ReplayFunc rebuilds a database from a verified dump stream. It must fail
// without leaving a database behind when dump returns an error.
type ReplayFunc func(dump io.Reader) error

// OpenFunc opens the authority whose certificates hold the backup keys,
// over the database rebuilt by a ReplayFunc.
type OpenFunc func(ctx context.Context) (*ca.Authority, error)

// Restore decrypts the backup read from r with keyPEM and replays it.
// It then renews the certificate of keyPEM using csrPEM on the restored
// authority and revokes the old one, so a stolen backup key stops being
// useful. The renewed certificate is returned.
func Restore(ctx context.Context, r io.Reader, keyPEM, csrPEM []byte, replay ReplayFunc, open OpenFunc) ([]byte, error) {
	br := bufio.NewReader(r)
	hdr, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	chunkSize, ok := chunkSizes[hdr.Cipher.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCipher, hdr.Cipher.Name)
	}

	key, err := pki.LoadPrivateKey(keyPEM, nil)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrNoMatchingKey)
	}
	keyID, err := pki.KeyIdentifierHex(rsaKey.Public())
	if err != nil {
		return nil, err
	}
	var entry *keyEntry
	for i := range hdr.KeyList {
		if hdr.KeyList[i].ID == keyID {
			entry = &hdr.KeyList[i]
			break
		}
	}
	if entry == nil {
		return nil, ErrNoMatchingKey
	}
	if entry.Cipher.Name != KeyCipherRSAOAEP {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyCipher, entry.Cipher.Name)
	}
	encrypted, err := util.HexDecode(entry.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding backup key: %w", err)
	}
	both, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, rsaKey, encrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting backup key: %w", err)
	}
	if len(both) != 2*sessionKeySize {
		util.WipeBytes(both)
		return nil, fmt.Errorf("%w: %d", ErrBadKeyLength, len(both))
	}
	keys := memguard.NewBufferFromBytes(both)
	defer keys.Destroy()

	iv, err := util.HexDecode(hdr.Cipher.Parameter)
	if err != nil {
		return nil, fmt.Errorf("decoding IV: %w", err)
	}
	o, err := newOpener(br, keys.Bytes()[:sessionKeySize], keys.Bytes()[sessionKeySize:], iv, chunkSize)
	if err != nil {
		return nil, err
	}
	if err := replay(o); err != nil {
		return nil, fmt.Errorf("restoring database: %w", err)
	}

	a, err := open(ctx)
	if err != nil {
		return nil, err
	}
	crtPEM, err := a.Storage().CertificateByKeyIdentifier(ctx, keyID)
	if err != nil {
		return nil, err
	}
	newPEM, err := a.Renew(ctx, crtPEM, csrPEM)
	if err != nil {
		return nil, fmt.Errorf("renewing restoring certificate: %w", err)
	}
	if err := a.Revoke(ctx, crtPEM); err != nil {
		return nil, fmt.Errorf("revoking restoring certificate: %w", err)
	}
	return newPEM, nil
}

func readHeader(r io.Reader) (*header, error) {
	prefix := make([]byte, len(Magic)+4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrBadMagic
		}
		return nil, err
	}
	if string(prefix[:len(Magic)]) != Magic {
		return nil, ErrBadMagic
	}
	size := binary.LittleEndian.Uint32(prefix[len(Magic):])
	if size > MaxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading backup header: %w", err)
	}
	var hdr header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("decoding backup header: %w", err)
	}
	return &hdr, nil
}
