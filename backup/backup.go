// Package backup writes and restores encrypted database backups.
//
// A backup is the full storage dump, encrypted with a random AES-256 key
// and authenticated with a random HMAC-SHA256 key. Both keys are encrypted
// with RSA-OAEP for every valid certificate of the backing authority, so
// the holder of any of the matching private keys can restore it.
//
// Layout:
//
//	"caucase\x00"
//	uint32 little-endian header length
//	JSON header
//	AES-256-CBC(PKCS#7) of [chunk][HMAC-SHA256 so far] repeated
package backup

import (
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
	"go.uber.org/zap"

	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/internal/logging"
	"github.com/jmcleod/caucase/internal/util"
	"github.com/jmcleod/caucase/pki"
)

const (
	// Magic starts every backup file.
	Magic = "caucase\x00"

	// CipherAES256HMAC10M is the production profile: an HMAC tag every
	// 10 MiB of dump.
	CipherAES256HMAC10M = "aes256_cbc_pkcs7_hmac_10M_sha256"
	// CipherTesting tags every 32 bytes so tests exercise many chunks.
	CipherTesting = "TESTS_INTERNAL_USE_ONLY"

	// KeyCipherRSAOAEP is the only supported key encryption.
	KeyCipherRSAOAEP = "rsa_oaep_sha1_mgf1_sha1"

	// MaxHeaderSize bounds the JSON header, which grows by one wrapped
	// key per user certificate.
	MaxHeaderSize = 16 << 20

	sessionKeySize = 32
	ivSize         = 16
)

var chunkSizes = map[string]int{
	CipherAES256HMAC10M: 10 * 1024 * 1024,
	CipherTesting:       32,
}

var (
	ErrNoBackup         = errors.New("no certificate can decrypt a backup")
	ErrBadMagic         = errors.New("invalid backup magic string")
	ErrUnknownCipher    = errors.New("unrecognised symmetric cipher")
	ErrNoMatchingKey    = errors.New("private key is not a good candidate for restoring this backup")
	ErrUnknownKeyCipher = errors.New("unrecognised asymmetric cipher")
	ErrBadKeyLength     = errors.New("invalid key length")
	ErrHMACMismatch     = errors.New("backup HMAC mismatch")
	ErrBadPadding       = util.ErrBadPadding
	ErrHeaderTooLarge   = errors.New("backup header too large")
)

type cipherInfo struct {
	Name      string `json:"name"`
	Parameter string `json:"parameter,omitempty"`
}

type keyEntry struct {
	ID     string     `json:"id"`
	Cipher cipherInfo `json:"cipher"`
	Key    string     `json:"key"`
}

type header struct {
	Cipher  cipherInfo `json:"cipher"`
	KeyList []keyEntry `json:"key_list"`
}

// Option tunes Backup.
type Option func(*options)

type options struct {
	cipher string
	log    *zap.Logger
}

// WithCipher selects the symmetric cipher profile.
func WithCipher(name string) Option {
	return func(o *options) {
		o.cipher = name
	}
}

// WithLogger sets the logger used to report skipped certificates.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Backup writes an encrypted dump of the whole database backing a to w.
// The key holders are the subjects of every certificate a still considers
// valid. ErrNoBackup is returned, before anything is written, when there
// is none.
func Backup(ctx context.Context, w io.Writer, a *ca.Authority, opts ...Option) error {
	o := options{cipher: CipherAES256HMAC10M, log: logging.L}
	for _, opt := range opts {
		opt(&o)
	}
	chunkSize, ok := chunkSizes[o.cipher]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCipher, o.cipher)
	}

	// Verification must not touch storage once iteration has started.
	verify, err := a.Verifier(ctx)
	if err != nil {
		return err
	}

	keys := memguard.NewBufferRandom(2 * sessionKeySize)
	defer keys.Destroy()
	iv, err := util.RandomBytes(ivSize)
	if err != nil {
		return err
	}

	var keyList []keyEntry
	for crtPEM, err := range a.Storage().Certificates(ctx) {
		if err != nil {
			return fmt.Errorf("listing certificates: %w", err)
		}
		crt, err := verify(crtPEM)
		if err != nil {
			continue
		}
		pub, ok := crt.PublicKey.(*rsa.PublicKey)
		if !ok {
			o.log.Debug("skipping non-RSA certificate", zap.String("serial", crt.SerialNumber.String()))
			continue
		}
		id, err := pki.KeyIdentifierHex(pub)
		if err != nil {
			return err
		}
		encrypted, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, keys.Bytes(), nil)
		if err != nil {
			return fmt.Errorf("encrypting backup key for %s: %w", id, err)
		}
		keyList = append(keyList, keyEntry{
			ID:     id,
			Cipher: cipherInfo{Name: KeyCipherRSAOAEP},
			Key:    util.HexEncode(encrypted),
		})
	}
	if len(keyList) == 0 {
		return ErrNoBackup
	}

	hdr, err := json.Marshal(header{
		Cipher:  cipherInfo{Name: o.cipher, Parameter: util.HexEncode(iv)},
		KeyList: keyList,
	})
	if err != nil {
		return err
	}
	if len(hdr) > MaxHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(hdr))
	}
	prefix := make([]byte, 0, len(Magic)+4+len(hdr))
	prefix = append(prefix, Magic...)
	prefix = binary.LittleEndian.AppendUint32(prefix, uint32(len(hdr)))
	prefix = append(prefix, hdr...)
	if _, err := w.Write(prefix); err != nil {
		return err
	}

	s, err := newSealer(w, keys.Bytes()[:sessionKeySize], keys.Bytes()[sessionKeySize:], iv, chunkSize)
	if err != nil {
		return err
	}
	for statement, err := range a.Storage().Dump(ctx) {
		if err != nil {
			return fmt.Errorf("dumping database: %w", err)
		}
		if _, err := s.Write(statement); err != nil {
			return err
		}
	}
	if err := s.Close(); err != nil {
		return err
	}
	o.log.Info("wrote backup", zap.Int("key_holders", len(keyList)))
	return nil
}
