package cmd

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/pki"
	"github.com/jmcleod/caucase/storage"
)

// certRetryDelay is how long the renewal loop waits after a failure.
const certRetryDelay = time.Hour

// certManager keeps the daemon's HTTPS certificate, issued by the
// http_cas authority, in a single file holding the private key, the
// certificate and the issuing CA certificate, in that order.
type certManager struct {
	fs        afero.Fs
	path      string
	authority *ca.Authority
	host      string
	keyLen    int
	threshold time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	cert     *tls.Certificate
	notAfter time.Time
}

// serverKeyPair is the parsed content of the server key file.
type serverKeyPair struct {
	key    crypto.Signer
	crtPEM []byte
	crt    *x509.Certificate
}

func (m *certManager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

// load reads the key file. A missing, unparsable or no longer trusted
// file yields a nil pair and no error.
func (m *certManager) load(ctx context.Context) (*serverKeyPair, error) {
	data, err := afero.ReadFile(m.fs, m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", m.path, err)
	}
	key, err := pki.LoadPrivateKey(data, nil)
	if err != nil {
		m.log.Warn("ignoring unreadable server key file", zap.String("path", m.path), zap.Error(err))
		return nil, nil
	}
	crts := pki.SplitCertificates(data)
	if len(crts) == 0 {
		m.log.Warn("server key file holds no certificate", zap.String("path", m.path))
		return nil, nil
	}
	crt, err := m.authority.VerifyCertificate(ctx, crts[0])
	if err != nil {
		m.log.Warn("server certificate no longer valid", zap.String("path", m.path), zap.Error(err))
		return nil, nil
	}
	if err := pki.ValidateCertAndKey(crt, key); err != nil {
		m.log.Warn("server key does not match its certificate", zap.String("path", m.path), zap.Error(err))
		return nil, nil
	}
	return &serverKeyPair{key: key, crtPEM: crts[0], crt: crt}, nil
}

// newCSR builds the request for the server certificate: subject
// OU=host, key usage for TLS servers and the host as subject alternative
// name.
func (m *certManager) newCSR(key crypto.Signer) ([]byte, error) {
	ext, err := pki.Extensions{
		{Critical: true, Value: pki.KeyUsage{Usage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment}},
	}.Marshal()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.CertificateRequest{
		Subject:         pkix.Name{OrganizationalUnit: []string{m.host}},
		ExtraExtensions: ext,
	}
	if ip := net.ParseIP(m.host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{m.host}
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("creating server CSR: %w", err)
	}
	return pki.DumpCertificateRequest(der), nil
}

func (m *certManager) issue(ctx context.Context, key crypto.Signer) ([]byte, error) {
	csrPEM, err := m.newCSR(key)
	if err != nil {
		return nil, err
	}
	id, err := m.authority.AppendCertificateSigningRequest(ctx, csrPEM, true)
	if err != nil {
		return nil, err
	}
	crtPEM, err := m.authority.CreateCertificate(ctx, id, nil)
	if errors.Is(err, storage.ErrNotFound) {
		return m.authority.Certificate(ctx, id)
	}
	return crtPEM, err
}

func (m *certManager) renew(ctx context.Context, old *serverKeyPair, key crypto.Signer) ([]byte, error) {
	csrPEM, err := m.newCSR(key)
	if err != nil {
		return nil, err
	}
	return m.authority.Renew(ctx, old.crtPEM, csrPEM)
}

// Update makes sure the key file holds a valid certificate which is not
// within threshold of its expiration, issuing or renewing it as needed,
// then loads it for TLS. force renews regardless of expiration.
func (m *certManager) Update(ctx context.Context, force bool) error {
	pair, err := m.load(ctx)
	if err != nil {
		return err
	}
	now := m.clock()
	if pair == nil || force || pair.crt.NotAfter.Add(-m.threshold).Before(now) {
		key, err := pki.GeneratePrivateKey(m.keyLen)
		if err != nil {
			return err
		}
		var crtPEM []byte
		if pair == nil {
			m.log.Info("issuing server certificate", zap.String("host", m.host))
			crtPEM, err = m.issue(ctx, key)
		} else {
			m.log.Info("renewing server certificate", zap.String("host", m.host),
				zap.Time("not_after", pair.crt.NotAfter))
			crtPEM, err = m.renew(ctx, pair, key)
		}
		if err != nil {
			return fmt.Errorf("obtaining server certificate: %w", err)
		}
		crt, err := pki.ParseCertificate(crtPEM)
		if err != nil {
			return err
		}
		if err := m.write(ctx, key, crtPEM, crt); err != nil {
			return err
		}
		pair = &serverKeyPair{key: key, crtPEM: crtPEM, crt: crt}
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{pair.crt.Raw},
		PrivateKey:  pair.key,
		Leaf:        pair.crt,
	}
	m.mu.Lock()
	m.cert = cert
	m.notAfter = pair.crt.NotAfter
	m.mu.Unlock()
	return nil
}

func (m *certManager) write(ctx context.Context, key crypto.Signer, crtPEM []byte, crt *x509.Certificate) error {
	keyPEM, err := pki.DumpPrivateKey(key)
	if err != nil {
		return err
	}
	cas, err := m.authority.CACertificates(ctx)
	if err != nil {
		return err
	}
	var caPEM []byte
	for _, c := range cas {
		if crt.CheckSignatureFrom(c) == nil {
			caPEM = pki.DumpCertificate(c.Raw)
			break
		}
	}
	if caPEM == nil {
		return fmt.Errorf("no CA certificate issued %s", crt.SerialNumber)
	}
	data := bytes.Join([][]byte{keyPEM, crtPEM, caPEM}, nil)
	if err := afero.WriteFile(m.fs, m.path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", m.path, err)
	}
	return nil
}

// GetCertificate serves as tls.Config.GetCertificate.
func (m *certManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cert == nil {
		return nil, errors.New("no server certificate loaded")
	}
	return m.cert, nil
}

// NextUpdate returns when the current certificate enters its renewal
// window.
func (m *certManager) NextUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.notAfter.Add(-m.threshold)
}

// Run renews the certificate whenever it enters its renewal window, until
// ctx is done.
func (m *certManager) Run(ctx context.Context) error {
	next := m.NextUpdate()
	for {
		timer := time.NewTimer(max(next.Sub(m.clock()), 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := m.Update(ctx, false); err != nil {
			m.log.Error("server certificate update failed", zap.Error(err))
			next = m.clock().Add(certRetryDelay)
			continue
		}
		next = m.NextUpdate()
		if !next.After(m.clock()) {
			m.log.Warn("server certificate validity is shorter than the renewal threshold",
				zap.Duration("threshold", m.threshold))
			next = m.clock().Add(certRetryDelay)
		}
	}
}
