package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/jmcleod/caucase/pki"
	"github.com/jmcleod/caucase/storage"
)

type crlEntry struct {
	pem        []byte
	validUntil time.Time
}

// invalidateCRLs drops every cached CRL so the next request re-signs them
// against the current revocation state. It waits for a CRL build in
// progress, which may have read the revocations before the caller changed
// them, so that build cannot cache its result after the flush.
func (a *Authority) invalidateCRLs() {
	a.crlLock.Lock()
	defer a.crlLock.Unlock()
	a.crlCache.Flush()
}

// CertificateRevocationLists returns the PEM CRL of every CA key pair,
// keyed by the decimal authority key identifier.
//
// A cached CRL is served until half its lifetime has passed. Past that,
// it is re-signed with the same number and last update while the stored
// last update is recent enough, and a new CRL number is taken otherwise.
func (a *Authority) CertificateRevocationLists(ctx context.Context) (map[string][]byte, error) {
	if err := a.renewCAIfNeeded(ctx); err != nil {
		return nil, err
	}
	a.crlLock.Lock()
	defer a.crlLock.Unlock()

	now := a.now()
	crlNumber, lastUpdate, err := a.storage.CurrentCRLNumberAndLastUpdate(ctx)
	if err != nil {
		return nil, err
	}
	hasRenewed := lastUpdate.IsZero()
	var revoked []x509.RevocationListEntry
	revokedLoaded := false

	result := make(map[string][]byte)
	for _, pair := range a.keyPairs() {
		cached, found := a.crlCache.Get(pair.aki)
		if found {
			entry := cached.(crlEntry)
			if !entry.validUntil.Before(now) {
				result[pair.aki] = entry.pem
				continue
			}
			if !hasRenewed {
				lastUpdate = time.Time{}
				hasRenewed = true
			}
		}
		if lastUpdate.IsZero() || lastUpdate.Add(a.crlRenewTime).Before(now) {
			lastUpdate = now.UTC().Truncate(time.Second)
			if crlNumber, err = a.storage.NextCRLNumber(ctx); err != nil {
				return nil, err
			}
			if err := a.storage.StoreCRLLastUpdate(ctx, lastUpdate); err != nil {
				return nil, err
			}
			a.log.Debug("new CRL number", zap.Uint64("crl_number", crlNumber))
		}
		if !revokedLoaded {
			if revoked, err = a.revokedEntries(ctx); err != nil {
				return nil, err
			}
			revokedLoaded = true
		}
		sigAlg, err := pki.SignatureAlgorithm(pair.signer.Public(), a.DefaultDigest())
		if err != nil {
			return nil, err
		}
		der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
			SignatureAlgorithm:        sigAlg,
			RevokedCertificateEntries: revoked,
			Number:                    new(big.Int).SetUint64(crlNumber),
			ThisUpdate:                lastUpdate,
			NextUpdate:                lastUpdate.Add(a.crlLifetime),
		}, pair.cert, pair.signer)
		if err != nil {
			return nil, fmt.Errorf("signing CRL: %w", err)
		}
		crlPEM := pki.DumpCRL(der)
		a.crlCache.Set(pair.aki, crlEntry{pem: crlPEM, validUntil: lastUpdate.Add(a.crlRenewTime)}, cache.NoExpiration)
		result[pair.aki] = crlPEM
	}
	return result, nil
}

func (a *Authority) revokedEntries(ctx context.Context) ([]x509.RevocationListEntry, error) {
	list, err := a.storage.RevocationList(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]x509.RevocationListEntry, 0, len(list))
	for _, r := range list {
		serial, ok := new(big.Int).SetString(r.Serial, 10)
		if !ok {
			a.log.Warn("skipping malformed revoked serial", zap.String("serial", r.Serial))
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: r.RevocationDate,
		})
	}
	return entries, nil
}

// CertificateRevocationList returns the CRL of the CA key pair identified
// by the decimal authority key identifier aki.
func (a *Authority) CertificateRevocationList(ctx context.Context, aki string) ([]byte, error) {
	crls, err := a.CertificateRevocationLists(ctx)
	if err != nil {
		return nil, err
	}
	crlPEM, ok := crls[aki]
	if !ok {
		return nil, fmt.Errorf("CRL %s: %w", aki, storage.ErrNotFound)
	}
	return crlPEM, nil
}

func (a *Authority) revocationLists(ctx context.Context, cas []*x509.Certificate) ([]*x509.RevocationList, error) {
	crls, err := a.CertificateRevocationLists(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*x509.RevocationList, 0, len(crls))
	for _, crlPEM := range crls {
		crl, err := pki.LoadCRL(crlPEM, cas)
		if err != nil {
			return nil, err
		}
		out = append(out, crl)
	}
	return out, nil
}

// Revoke revokes crtPEM, which must be a valid certificate from this
// authority. The entry stays on the CRL until one CRL lifetime after the
// certificate expires. Revoking an already revoked certificate returns an
// error matching both storage.ErrFound and pki.ErrCertificateRevoked.
func (a *Authority) Revoke(ctx context.Context, crtPEM []byte) error {
	crt, err := a.VerifyCertificate(ctx, crtPEM)
	if err != nil {
		if errors.Is(err, pki.ErrCertificateRevoked) {
			return fmt.Errorf("%w: %w", storage.ErrFound, err)
		}
		return err
	}
	err = a.storage.Revoke(ctx, crt.SerialNumber.String(), crt.NotAfter.Add(a.crlLifetime))
	a.invalidateCRLs()
	if err != nil {
		return err
	}
	a.log.Info("revoked certificate", zap.String("serial", crt.SerialNumber.String()))
	return nil
}

// RevokeSerial revokes a bare serial number. Nothing checks that the
// serial was ever issued, and the entry is kept until the newest CA
// certificate expires, plus one CRL lifetime. Prefer Revoke.
func (a *Authority) RevokeSerial(ctx context.Context, serial *big.Int) error {
	cas, err := a.CACertificates(ctx)
	if err != nil {
		return err
	}
	if len(cas) == 0 {
		return ErrNoCAKeyPair
	}
	var latest time.Time
	for _, c := range cas {
		if c.NotAfter.After(latest) {
			latest = c.NotAfter
		}
	}
	err = a.storage.Revoke(ctx, serial.String(), latest.Add(a.crlLifetime))
	a.invalidateCRLs()
	if err != nil {
		return err
	}
	a.log.Warn("revoked serial without certificate", zap.String("serial", serial.String()))
	return nil
}
