package backup_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caucase/backup"
	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/pki"
	"github.com/jmcleod/caucase/storage"
	bboltstore "github.com/jmcleod/caucase/storage/bbolt"
)

const testKeySize = 1024

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func caOptions(clock *testClock) ca.Options {
	return ca.Options{
		Subject:           pkix.Name{CommonName: "Caucase CAU"},
		KeySize:           testKeySize,
		CertLifetime:      24 * time.Hour,
		AutoSignCSRAmount: 1,
		Now:               clock.Now,
	}
}

func openAuthority(t *testing.T, path string, clock *testClock) *ca.Authority {
	t.Helper()
	store, err := bboltstore.Open(path, bboltstore.Options{TablePrefix: "cau", Now: clock.Now}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	a, err := ca.New(t.Context(), store, caOptions(clock))
	require.NoError(t, err)
	return a
}

func newCSR(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := pki.GeneratePrivateKey(testKeySize)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "operator"},
	}, key)
	require.NoError(t, err)
	keyPEM, err := pki.DumpPrivateKey(key)
	require.NoError(t, err)
	return pki.DumpCertificateRequest(der), keyPEM
}

// issueUser submits a request which the authority signs on its own.
func issueUser(t *testing.T, a *ca.Authority) (crtPEM, keyPEM []byte) {
	t.Helper()
	csrPEM, keyPEM := newCSR(t)
	id, err := a.AppendCertificateSigningRequest(t.Context(), csrPEM, false)
	require.NoError(t, err)
	crtPEM, err = a.Certificate(t.Context(), id)
	require.NoError(t, err)
	return crtPEM, keyPEM
}

type restoreTarget struct {
	path      string
	authority *ca.Authority
}

func (r *restoreTarget) funcs(t *testing.T, clock *testClock) (backup.ReplayFunc, backup.OpenFunc) {
	t.Helper()
	replay := func(dump io.Reader) error {
		return bboltstore.Restore(r.path, dump, nil)
	}
	open := func(ctx context.Context) (*ca.Authority, error) {
		r.authority = openAuthority(t, r.path, clock)
		return r.authority, nil
	}
	return replay, open
}

func TestBackupRestore(t *testing.T) {
	clock := newClock()
	dir := t.TempDir()
	a := openAuthority(t, filepath.Join(dir, "source.db"), clock)
	crtPEM, keyPEM := issueUser(t, a)

	var buf bytes.Buffer
	require.NoError(t, backup.Backup(t.Context(), &buf, a, backup.WithCipher(backup.CipherTesting)))
	data := buf.Bytes()
	require.True(t, bytes.HasPrefix(data, []byte("caucase\x00")))
	headerLen := binary.LittleEndian.Uint32(data[8:12])
	assert.Contains(t, string(data[12:12+headerLen]), `"name":"TESTS_INTERNAL_USE_ONLY"`)
	assert.Contains(t, string(data[12:12+headerLen]), `"name":"rsa_oaep_sha1_mgf1_sha1"`)

	clock.Advance(time.Hour)
	target := &restoreTarget{path: filepath.Join(dir, "restored.db")}
	replay, open := target.funcs(t, clock)
	renewCSR, renewKeyPEM := newCSR(t)
	newPEM, err := backup.Restore(t.Context(), bytes.NewReader(data), keyPEM, renewCSR, replay, open)
	require.NoError(t, err)

	renewKey, err := pki.LoadPrivateKey(renewKeyPEM, nil)
	require.NoError(t, err)
	newCert, err := pki.ParseCertificate(newPEM)
	require.NoError(t, err)
	require.NoError(t, pki.ValidateCertAndKey(newCert, renewKey))
	oldCert, err := pki.ParseCertificate(crtPEM)
	require.NoError(t, err)
	assert.Equal(t, oldCert.RawSubject, newCert.RawSubject)

	r := target.authority
	require.NotNil(t, r)
	_, err = r.VerifyCertificate(t.Context(), crtPEM)
	assert.ErrorIs(t, err, pki.ErrCertificateRevoked)
	_, err = r.VerifyCertificate(t.Context(), newPEM)
	assert.NoError(t, err)

	// Same CA key material on both sides.
	srcCAs, err := a.CACertificates(t.Context())
	require.NoError(t, err)
	dstCAs, err := r.CACertificates(t.Context())
	require.NoError(t, err)
	require.Len(t, dstCAs, len(srcCAs))
	assert.Equal(t, srcCAs[0].Raw, dstCAs[0].Raw)

	// The source is untouched.
	_, err = a.VerifyCertificate(t.Context(), crtPEM)
	assert.NoError(t, err)
}

func TestBackupWithoutUsers(t *testing.T) {
	clock := newClock()
	a := openAuthority(t, filepath.Join(t.TempDir(), "empty.db"), clock)

	var buf bytes.Buffer
	err := backup.Backup(t.Context(), &buf, a)
	assert.ErrorIs(t, err, backup.ErrNoBackup)
	assert.Zero(t, buf.Len())

	// Revoked users cannot hold keys either.
	crtPEM, _ := issueUser(t, a)
	require.NoError(t, a.Revoke(t.Context(), crtPEM))
	err = backup.Backup(t.Context(), &buf, a)
	assert.ErrorIs(t, err, backup.ErrNoBackup)

	err = backup.Backup(t.Context(), &buf, a, backup.WithCipher("rot13"))
	assert.ErrorIs(t, err, backup.ErrUnknownCipher)
}

func TestRestoreFailures(t *testing.T) {
	clock := newClock()
	dir := t.TempDir()
	a := openAuthority(t, filepath.Join(dir, "source.db"), clock)
	_, keyPEM := issueUser(t, a)
	var buf bytes.Buffer
	require.NoError(t, backup.Backup(t.Context(), &buf, a, backup.WithCipher(backup.CipherTesting)))
	data := buf.Bytes()
	headerEnd := 12 + int(binary.LittleEndian.Uint32(data[8:12]))
	csrPEM, strangerKeyPEM := newCSR(t)

	restored := filepath.Join(dir, "restored.db")
	replay, open := (&restoreTarget{path: restored}).funcs(t, clock)
	noFile := func(t *testing.T) {
		t.Helper()
		_, err := os.Stat(restored)
		assert.ErrorIs(t, err, os.ErrNotExist)
	}

	t.Run("bad magic", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[0] = 'C'
		_, err := backup.Restore(t.Context(), bytes.NewReader(bad), keyPEM, csrPEM, replay, open)
		assert.ErrorIs(t, err, backup.ErrBadMagic)
		_, err = backup.Restore(t.Context(), bytes.NewReader(nil), keyPEM, csrPEM, replay, open)
		assert.ErrorIs(t, err, backup.ErrBadMagic)
		noFile(t)
	})

	t.Run("unknown cipher", func(t *testing.T) {
		hdr := []byte(`{"cipher":{"name":"rot13","parameter":"00"},"key_list":[]}`)
		bad := append([]byte(backup.Magic), binary.LittleEndian.AppendUint32(nil, uint32(len(hdr)))...)
		bad = append(bad, hdr...)
		_, err := backup.Restore(t.Context(), bytes.NewReader(bad), keyPEM, csrPEM, replay, open)
		assert.ErrorIs(t, err, backup.ErrUnknownCipher)
		noFile(t)
	})

	t.Run("oversized header", func(t *testing.T) {
		// Refused from the length prefix alone, before reading or allocating.
		bad := append([]byte(backup.Magic), 0xff, 0xff, 0xff, 0xff)
		_, err := backup.Restore(t.Context(), bytes.NewReader(bad), keyPEM, csrPEM, replay, open)
		assert.ErrorIs(t, err, backup.ErrHeaderTooLarge)
		noFile(t)

		bad = binary.LittleEndian.AppendUint32([]byte(backup.Magic), backup.MaxHeaderSize+1)
		_, err = backup.Restore(t.Context(), bytes.NewReader(bad), keyPEM, csrPEM, replay, open)
		assert.ErrorIs(t, err, backup.ErrHeaderTooLarge)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := backup.Restore(t.Context(), bytes.NewReader(data), strangerKeyPEM, csrPEM, replay, open)
		assert.ErrorIs(t, err, backup.ErrNoMatchingKey)
		noFile(t)
	})

	t.Run("tampered body", func(t *testing.T) {
		for _, offset := range []int{headerEnd, headerEnd + (len(data)-headerEnd)/2, len(data) - 1} {
			bad := bytes.Clone(data)
			bad[offset] ^= 0x80
			_, err := backup.Restore(t.Context(), bytes.NewReader(bad), keyPEM, csrPEM, replay, open)
			assert.Error(t, err, "offset %d", offset)
			noFile(t)
		}
	})

	t.Run("truncated body", func(t *testing.T) {
		_, err := backup.Restore(t.Context(), bytes.NewReader(data[:len(data)-16]), keyPEM, csrPEM, replay, open)
		assert.Error(t, err)
		noFile(t)
	})

	t.Run("existing database", func(t *testing.T) {
		require.NoError(t, os.WriteFile(restored, []byte("x"), 0o600))
		t.Cleanup(func() { os.Remove(restored) })
		_, err := backup.Restore(t.Context(), bytes.NewReader(data), keyPEM, csrPEM, replay, open)
		assert.ErrorIs(t, err, storage.ErrDatabaseExists)
	})
}

func TestScheduler(t *testing.T) {
	clock := newClock()
	a := openAuthority(t, filepath.Join(t.TempDir(), "source.db"), clock)
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/backups", 0o700))
	s := &backup.Scheduler{
		Fs:        fs,
		Dir:       "/backups",
		Period:    24 * time.Hour,
		Authority: a,
		Options:   []backup.Option{backup.WithCipher(backup.CipherTesting)},
		Now:       clock.Now,
	}

	first, err := s.First()
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), first)

	// Nothing to encrypt for: retried in an hour, no file left behind.
	next, err := s.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), next)
	entries, err := afero.ReadDir(fs, "/backups")
	require.NoError(t, err)
	assert.Empty(t, entries)

	issueUser(t, a)
	next, err = s.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(24*time.Hour), next)

	name := "/backups/" + clock.Now().Format("20060102150405") + backup.FileSuffix
	data, err := afero.ReadFile(fs, name)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(backup.Magic)))
	entries, err = afero.ReadDir(fs, "/backups")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	info, err := fs.Stat(name)
	require.NoError(t, err)
	first, err = s.First()
	require.NoError(t, err)
	assert.Equal(t, info.ModTime().Add(24*time.Hour), first)
}
