package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/caucase/envelope"
	"github.com/jmcleod/caucase/internal/util"
	"github.com/jmcleod/caucase/pki"
	"github.com/jmcleod/caucase/storage"
)

type keyPair struct {
	cert    *x509.Certificate
	certPEM []byte
	signer  crypto.Signer
	keyID   string
	// aki is the decimal authority key identifier, keying the CRL of
	// this pair.
	aki string
}

// chainLink is the payload of one CACertificateChain entry.
type chainLink struct {
	OldPEM string `json:"old_pem"`
	NewPEM string `json:"new_pem"`
}

func defaultCAExtensions() pki.Extensions {
	return pki.Extensions{
		{Critical: true, Value: pki.BasicConstraints{CA: true, MaxPathLen: 0}},
		{Critical: true, Value: pki.KeyUsage{Usage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign}},
	}
}

// loadKeyPairs reloads the CA key pairs from storage, dropping expired
// ones, and invalidates the CRL cache.
func (a *Authority) loadKeyPairs(ctx context.Context) error {
	stored, err := a.storage.CAKeyPairs(ctx, true)
	if err != nil {
		return fmt.Errorf("loading CA key pairs: %w", err)
	}
	pairs := make([]keyPair, 0, len(stored))
	chain := make([]*envelope.Wrapped, 0, len(stored))
	for i, sp := range stored {
		cert, err := pki.LoadCACertificate(sp.CertPEM)
		if err != nil {
			return fmt.Errorf("loading CA certificate: %w", err)
		}
		keyID, err := a.opts.KeyStore.ImportPEM(sp.KeyPEM)
		if err != nil {
			return fmt.Errorf("loading CA key: %w", err)
		}
		signer, err := a.opts.KeyStore.Signer(keyID)
		if err != nil {
			return err
		}
		if err := pki.ValidateCertAndKey(cert, signer); err != nil {
			return fmt.Errorf("CA key pair %s: %w", cert.SerialNumber, err)
		}
		aki, err := pki.AuthorityKeyIdentifierOf(cert)
		if err != nil {
			return fmt.Errorf("CA certificate %s: %w", cert.SerialNumber, err)
		}
		if i > 0 {
			prev := pairs[i-1]
			link, err := envelope.Wrap(chainLink{OldPEM: string(prev.certPEM), NewPEM: string(sp.CertPEM)}, prev.signer, a.DefaultDigest())
			if err != nil {
				return fmt.Errorf("signing CA chain: %w", err)
			}
			chain = append(chain, link)
		}
		pairs = append(pairs, keyPair{
			cert:    cert,
			certPEM: sp.CertPEM,
			signer:  signer,
			keyID:   keyID,
			aki:     aki.String(),
		})
	}

	a.mu.Lock()
	previous := a.pairs
	a.pairs = pairs
	a.chain = chain
	a.mu.Unlock()
	a.invalidateCRLs()

	for _, old := range previous {
		if !containsKeyID(pairs, old.keyID) {
			_ = a.opts.KeyStore.Delete(old.keyID)
		}
	}
	return nil
}

func containsKeyID(pairs []keyPair, keyID string) bool {
	for _, p := range pairs {
		if p.keyID == keyID {
			return true
		}
	}
	return false
}

func (a *Authority) keyPairs() []keyPair {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pairs
}

// needsRollover reports whether the newest CA certificate has two
// certificate lifetimes of validity left or less.
func (a *Authority) needsRollover() bool {
	if a.opts.DisableRollover {
		return false
	}
	pairs := a.keyPairs()
	if len(pairs) == 0 {
		return true
	}
	remaining := pairs[len(pairs)-1].cert.NotAfter.Sub(a.now())
	return float64(remaining)/float64(a.opts.CertLifetime) <= 2
}

// renewCAIfNeeded generates the next CA key pair when needed. When another
// caller is already doing so, it returns immediately and the current state
// is used.
func (a *Authority) renewCAIfNeeded(ctx context.Context) error {
	if !a.needsRollover() || !a.rolloverLock.TryLock() {
		return nil
	}
	defer a.rolloverLock.Unlock()
	if !a.needsRollover() {
		return nil
	}
	if err := a.createCAKeyPair(ctx); err != nil {
		return err
	}
	return a.loadKeyPairs(ctx)
}

func (a *Authority) createCAKeyPair(ctx context.Context) error {
	keyID, err := a.opts.KeyStore.GenerateKey()
	if err != nil {
		return err
	}
	signer, err := a.opts.KeyStore.Signer(keyID)
	if err != nil {
		return err
	}

	var (
		rawSubject []byte
		exts       pki.Extensions
	)
	if pairs := a.keyPairs(); len(pairs) > 0 {
		latest := pairs[len(pairs)-1].cert
		rawSubject = latest.RawSubject
		if exts, err = pki.ParseExtensions(latest.Extensions); err != nil {
			return fmt.Errorf("copying CA extensions: %w", err)
		}
	} else {
		if rawSubject, err = asn1.Marshal(a.opts.Subject.ToRDNSequence()); err != nil {
			return fmt.Errorf("encoding CA subject: %w", err)
		}
		exts = append(defaultCAExtensions(), a.opts.Extensions...)
	}

	ski, err := pki.KeyIdentifier(signer.Public())
	if err != nil {
		return err
	}
	exts = append(pki.Extensions{
		{Value: pki.SubjectKeyIdentifier{KeyID: ski}},
		{Value: pki.AuthorityKeyIdentifier{KeyID: ski}},
	}, exts.Without(pki.KindSubjectKeyIdentifier, pki.KindAuthorityKeyIdentifier)...)
	rawExts, err := exts.Marshal()
	if err != nil {
		return err
	}

	serial, err := util.RandomSerial()
	if err != nil {
		return err
	}
	sigAlg, err := pki.SignatureAlgorithm(signer.Public(), a.DefaultDigest())
	if err != nil {
		return err
	}
	now := a.now().UTC().Truncate(time.Second)
	tmpl := &x509.Certificate{
		SerialNumber:       serial,
		RawSubject:         rawSubject,
		NotBefore:          now,
		NotAfter:           now.Add(a.caLifetime),
		ExtraExtensions:    rawExts,
		SignatureAlgorithm: sigAlg,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return fmt.Errorf("signing CA certificate: %w", err)
	}
	keyPEM, err := a.opts.KeyStore.ExportPEM(keyID)
	if err != nil {
		return err
	}
	err = a.storage.AppendCAKeyPair(ctx, storage.CAKeyPair{
		KeyPEM:     keyPEM,
		CertPEM:    pki.DumpCertificate(der),
		Expiration: tmpl.NotAfter,
	})
	if err != nil {
		return fmt.Errorf("storing CA key pair: %w", err)
	}
	a.log.Info("generated CA key pair",
		zap.String("serial", serial.String()),
		zap.Time("not_after", tmpl.NotAfter))
	return nil
}

// signingKeyPair returns the newest CA key pair which has been published
// for more than one certificate lifetime, or the newest one when none has.
func (a *Authority) signingKeyPair(ctx context.Context) (keyPair, error) {
	if err := a.renewCAIfNeeded(ctx); err != nil {
		return keyPair{}, err
	}
	pairs := a.keyPairs()
	if len(pairs) == 0 {
		return keyPair{}, ErrNoCAKeyPair
	}
	now := a.now()
	for i := len(pairs) - 1; i >= 0; i-- {
		if pairs[i].cert.NotBefore.Add(a.opts.CertLifetime).Before(now) {
			return pairs[i], nil
		}
	}
	return pairs[len(pairs)-1], nil
}

// CACertificate returns the oldest CA certificate which is still valid.
func (a *Authority) CACertificate(ctx context.Context) ([]byte, error) {
	if err := a.renewCAIfNeeded(ctx); err != nil {
		return nil, err
	}
	now := a.now()
	for _, p := range a.keyPairs() {
		if p.cert.NotAfter.After(now) {
			return p.certPEM, nil
		}
	}
	return nil, ErrNoCAKeyPair
}

// CACertificates returns every known CA certificate, oldest first.
func (a *Authority) CACertificates(ctx context.Context) ([]*x509.Certificate, error) {
	if err := a.renewCAIfNeeded(ctx); err != nil {
		return nil, err
	}
	pairs := a.keyPairs()
	out := make([]*x509.Certificate, len(pairs))
	for i, p := range pairs {
		out[i] = p.cert
	}
	return out, nil
}

// CACertificateList returns the PEM of every CA certificate which is still
// valid, oldest first.
func (a *Authority) CACertificateList(ctx context.Context) ([][]byte, error) {
	if err := a.renewCAIfNeeded(ctx); err != nil {
		return nil, err
	}
	now := a.now()
	var out [][]byte
	for _, p := range a.keyPairs() {
		if p.cert.NotAfter.After(now) {
			out = append(out, p.certPEM)
		}
	}
	return out, nil
}

// CACertificateChain returns one signed link per CA certificate after the
// oldest one. Each link holds the previous and the next CA certificate,
// signed with the previous CA key, so a client trusting any CA certificate
// can learn the newer ones. Links may involve expired certificates, which
// clients must skip.
func (a *Authority) CACertificateChain(ctx context.Context) ([]*envelope.Wrapped, error) {
	if err := a.renewCAIfNeeded(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chain, nil
}

// ImportCAKeyPair stores an externally generated CA key pair and reloads
// the key pair list. The key must match the certificate, which must be a
// self-signed CA certificate.
func (a *Authority) ImportCAKeyPair(ctx context.Context, certPEM, keyPEM []byte) error {
	cert, err := pki.LoadCACertificate(certPEM)
	if err != nil {
		return err
	}
	key, err := pki.LoadPrivateKey(keyPEM, nil)
	if err != nil {
		return err
	}
	if err := pki.ValidateCertAndKey(cert, key); err != nil {
		return err
	}
	plainKey, err := pki.DumpPrivateKey(key)
	if err != nil {
		return err
	}
	err = a.storage.AppendCAKeyPair(ctx, storage.CAKeyPair{
		KeyPEM:     plainKey,
		CertPEM:    pki.DumpCertificate(cert.Raw),
		Expiration: cert.NotAfter,
	})
	if err != nil {
		return err
	}
	return a.loadKeyPairs(ctx)
}

// ExportCAKeyPairs returns the stored CA key pairs, oldest first.
func (a *Authority) ExportCAKeyPairs(ctx context.Context) ([]storage.CAKeyPair, error) {
	return a.storage.CAKeyPairs(ctx, false)
}
