package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/caucase/internal/util"
	"github.com/jmcleod/caucase/pki"
	"github.com/jmcleod/caucase/storage"
)

const (
	// PolicyOIDTop is the arc under which caucase policies live.
	PolicyOIDTop = "2.25.285541874270823339875695650038637483517"
	// LegacyPolicyOIDTop is migrated to PolicyOIDTop on issuance.
	LegacyPolicyOIDTop = "1.3.6.1.4.1.37476.9000.70.0"
	// PolicyOIDAutoSigned marks certificates signed without operator
	// action.
	PolicyOIDAutoSigned = PolicyOIDTop + ".0"

	autoSignedNotice = "Auto-signed caucase certificate"
)

var autoSignedPolicy = func() pki.PolicyInformation {
	id, err := x509.ParseOID(PolicyOIDAutoSigned)
	if err != nil {
		panic(err)
	}
	return pki.UserNoticePolicy(id, autoSignedNotice)
}()

// IsAutoSigned reports whether cert carries the auto-signed marker policy.
func IsAutoSigned(cert *x509.Certificate) bool {
	for _, p := range cert.Policies {
		if p.String() == PolicyOIDAutoSigned {
			return true
		}
	}
	return false
}

// template is the source of subject and extensions of a new certificate.
type template struct {
	rawSubject []byte
	extensions []pkix.Extension
}

// AppendCertificateSigningRequest stores csrPEM and returns its id. The
// request is signed immediately when it is among the first
// AutoSignCSRAmount requests ever received.
func (a *Authority) AppendCertificateSigningRequest(ctx context.Context, csrPEM []byte, overrideLimits bool) (uint64, error) {
	csr, err := pki.LoadCertificateRequest(csrPEM)
	if err != nil {
		return 0, err
	}
	keyID, err := pki.KeyIdentifierHex(csr.PublicKey)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", pki.ErrNotCertificateRequest, err)
	}
	id, requested, err := a.storage.AppendCertificateSigningRequest(ctx, csrPEM, keyID, overrideLimits)
	if err != nil {
		return 0, err
	}
	if requested != 0 && requested <= a.autoSignCSRAmount {
		if _, err := a.createCertificate(ctx, id, AutoSignYes, nil); err != nil {
			return 0, fmt.Errorf("auto-signing request %d: %w", id, err)
		}
		a.log.Info("auto-signed certificate", zap.Uint64("csr_id", id), zap.Uint64("requested", requested))
	}
	return id, nil
}

// CertificateSigningRequest returns the PEM of request id.
func (a *Authority) CertificateSigningRequest(ctx context.Context, id uint64) ([]byte, error) {
	return a.storage.CertificateSigningRequest(ctx, id)
}

// CertificateSigningRequests lists the pending requests.
func (a *Authority) CertificateSigningRequests(ctx context.Context) ([]storage.CertificateSigningRequest, error) {
	return a.storage.CertificateSigningRequests(ctx)
}

// DeletePendingCertificateSigningRequest rejects a pending request.
func (a *Authority) DeletePendingCertificateSigningRequest(ctx context.Context, id uint64) error {
	if err := a.storage.DeletePendingCertificateSigningRequest(ctx, id); err != nil {
		return err
	}
	a.log.Info("rejected certificate signing request", zap.Uint64("csr_id", id))
	return nil
}

// Certificate returns the certificate issued for request id.
func (a *Authority) Certificate(ctx context.Context, id uint64) ([]byte, error) {
	return a.storage.Certificate(ctx, id)
}

// CreateCertificate signs pending request id. When templateCSR is not nil
// the subject and extensions are taken from it instead of the stored
// request; the public key always comes from the stored request.
func (a *Authority) CreateCertificate(ctx context.Context, id uint64, templateCSR *x509.CertificateRequest) ([]byte, error) {
	var tmpl *template
	if templateCSR != nil {
		tmpl = &template{rawSubject: templateCSR.RawSubject, extensions: templateCSR.Extensions}
	}
	crtPEM, err := a.createCertificate(ctx, id, AutoSignNo, tmpl)
	if err != nil {
		return nil, err
	}
	a.log.Info("signed certificate", zap.Uint64("csr_id", id))
	return crtPEM, nil
}

func (a *Authority) createCertificate(ctx context.Context, id uint64, autoSign AutoSign, tmpl *template) ([]byte, error) {
	csrPEM, err := a.storage.CertificateSigningRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	csr, err := pki.LoadCertificateRequest(csrPEM)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		tmpl = &template{rawSubject: csr.RawSubject, extensions: csr.Extensions}
	}
	pair, err := a.signingKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	requested, err := pki.ParseExtensions(tmpl.extensions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pki.ErrNotCertificateRequest, err)
	}
	exts, err := a.certificateExtensions(csr.PublicKey, pair, requested, autoSign)
	if err != nil {
		return nil, err
	}
	rawExts, err := exts.Marshal()
	if err != nil {
		return nil, err
	}
	serial, err := util.RandomSerial()
	if err != nil {
		return nil, err
	}
	sigAlg, err := pki.SignatureAlgorithm(pair.signer.Public(), a.DefaultDigest())
	if err != nil {
		return nil, err
	}
	now := a.now().UTC().Truncate(time.Second)
	der, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		SerialNumber:       serial,
		RawSubject:         tmpl.rawSubject,
		NotBefore:          now,
		NotAfter:           now.Add(a.opts.CertLifetime),
		ExtraExtensions:    rawExts,
		SignatureAlgorithm: sigAlg,
	}, pair.cert, csr.PublicKey, pair.signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	crtPEM := pki.DumpCertificate(der)
	if err := a.storage.StoreCertificate(ctx, id, crtPEM); err != nil {
		return nil, err
	}
	return crtPEM, nil
}

// certificateExtensions builds the extensions of an issued certificate:
// mandatory ones first, then the subset of requested ones this authority
// accepts, filtered.
func (a *Authority) certificateExtensions(pub crypto.PublicKey, pair keyPair, requested pki.Extensions, autoSign AutoSign) (pki.Extensions, error) {
	ski, err := pki.KeyIdentifier(pub)
	if err != nil {
		return nil, err
	}
	caExts, err := pki.ParseExtensions(pair.cert.Extensions)
	if err != nil {
		return nil, err
	}
	aki, ok := caExts.Get(pki.KindAuthorityKeyIdentifier)
	if !ok {
		return nil, fmt.Errorf("CA certificate %s has no authority key identifier", pair.cert.SerialNumber)
	}
	exts := pki.Extensions{
		{Critical: true, Value: pki.BasicConstraints{MaxPathLen: -1}},
		{Value: pki.SubjectKeyIdentifier{KeyID: ski}},
		{Value: aki.Value},
	}
	if a.opts.CRLBaseURL != "" {
		exts = append(exts, pki.Extension{Value: pki.CRLDistributionPoints{
			URIs: []string{a.opts.CRLBaseURL + "/" + pair.aki},
		}})
	}

	if ext, ok := requested.Get(pki.KindKeyUsage); ok {
		usage := ext.Value.(pki.KeyUsage).Usage &^ (x509.KeyUsageCertSign | x509.KeyUsageCRLSign)
		if usage&x509.KeyUsageKeyAgreement == 0 {
			usage &^= x509.KeyUsageEncipherOnly | x509.KeyUsageDecipherOnly
		}
		exts = append(exts, pki.Extension{Critical: ext.Critical, Value: pki.KeyUsage{Usage: usage}})
	}

	if ext, ok := requested.Get(pki.KindExtendedKeyUsage); ok {
		usages := slices.DeleteFunc(slices.Clone(ext.Value.(pki.ExtendedKeyUsage).Usages), func(oid asn1.ObjectIdentifier) bool {
			return oid.Equal(pki.OIDExtKeyUsageOCSPSigning)
		})
		if len(usages) > 0 {
			exts = append(exts, pki.Extension{Critical: ext.Critical, Value: pki.ExtendedKeyUsage{Usages: usages}})
		}
	}

	// Names are copied unchecked: holders may bind identifiers which are
	// not DNS names.
	if ext, ok := requested.Get(pki.KindSubjectAltName); ok {
		exts = append(exts, ext)
	}

	policies, critical, err := filterPolicies(requested, autoSign)
	if err != nil {
		return nil, err
	}
	if len(policies) > 0 {
		exts = append(exts, pki.Extension{Critical: critical, Value: pki.CertificatePolicies{Policies: policies}})
	}
	return exts, nil
}

// filterPolicies migrates legacy caucase policies, then unless autoSign is
// AutoSignPassthrough strips every caucase policy, adding back the
// auto-signed marker when autoSign is AutoSignYes.
func filterPolicies(requested pki.Extensions, autoSign AutoSign) ([]pki.PolicyInformation, bool, error) {
	var (
		policies []pki.PolicyInformation
		critical bool
	)
	if ext, ok := requested.Get(pki.KindCertificatePolicies); ok {
		critical = ext.Critical
		for _, p := range ext.Value.(pki.CertificatePolicies).Policies {
			if suffix, ok := underOID(p.ID, LegacyPolicyOIDTop); ok {
				id, err := x509.ParseOID(PolicyOIDTop + suffix)
				if err != nil {
					return nil, false, err
				}
				p.ID = id
			}
			policies = append(policies, p)
		}
	}
	if autoSign == AutoSignPassthrough {
		return policies, critical, nil
	}
	policies = slices.DeleteFunc(policies, func(p pki.PolicyInformation) bool {
		_, ok := underOID(p.ID, PolicyOIDTop)
		return ok
	})
	if autoSign == AutoSignYes {
		policies = append(policies, autoSignedPolicy)
	}
	return policies, critical, nil
}

// underOID reports whether id is top or below it, returning the remaining
// arcs with their leading dot.
func underOID(id x509.OID, top string) (string, bool) {
	s := id.String()
	if s == top {
		return "", true
	}
	if strings.HasPrefix(s, top+".") {
		return s[len(top):], true
	}
	return "", false
}

// Renew issues a new certificate for csrPEM, copying subject and
// extensions from crtPEM, which must be a valid certificate from this
// authority. The old certificate is not revoked.
func (a *Authority) Renew(ctx context.Context, crtPEM, csrPEM []byte) ([]byte, error) {
	crt, err := a.VerifyCertificate(ctx, crtPEM)
	if err != nil {
		return nil, err
	}
	id, err := a.AppendCertificateSigningRequest(ctx, csrPEM, true)
	if err != nil {
		return nil, err
	}
	newPEM, err := a.createCertificate(ctx, id, AutoSignPassthrough, &template{
		rawSubject: crt.RawSubject,
		extensions: crt.Extensions,
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("renewed certificate", zap.String("serial", crt.SerialNumber.String()), zap.Uint64("csr_id", id))
	return newPEM, nil
}
