package pki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"net"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ExtensionKind identifies the X.509 extensions the authority reasons
// about. Anything else decodes as KindUnknown and is carried verbatim.
type ExtensionKind int

const (
	KindUnknown ExtensionKind = iota
	KindBasicConstraints
	KindKeyUsage
	KindExtendedKeyUsage
	KindSubjectAltName
	KindCertificatePolicies
	KindSubjectKeyIdentifier
	KindAuthorityKeyIdentifier
	KindCRLDistributionPoints
	KindCRLNumber
)

var (
	OIDBasicConstraints       = asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDKeyUsage               = asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDExtendedKeyUsage       = asn1.ObjectIdentifier{2, 5, 29, 37}
	OIDSubjectAltName         = asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDCertificatePolicies    = asn1.ObjectIdentifier{2, 5, 29, 32}
	OIDSubjectKeyIdentifier   = asn1.ObjectIdentifier{2, 5, 29, 14}
	OIDAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}
	OIDCRLDistributionPoints  = asn1.ObjectIdentifier{2, 5, 29, 31}
	OIDCRLNumber              = asn1.ObjectIdentifier{2, 5, 29, 20}

	// OIDExtKeyUsageOCSPSigning is id-kp-OCSPSigning.
	OIDExtKeyUsageOCSPSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}
	// OIDPolicyQualifierUserNotice is id-qt-unotice.
	OIDPolicyQualifierUserNotice = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 2, 2}
)

// ExtensionValue is the decoded value of one extension.
type ExtensionValue interface {
	Kind() ExtensionKind
	OID() asn1.ObjectIdentifier
	Marshal() ([]byte, error)
}

// Extension is one extension with its criticality.
type Extension struct {
	Critical bool
	Value    ExtensionValue
}

// Extensions is an ordered list of decoded extensions.
type Extensions []Extension

// ParseExtensions decodes raw extensions, keeping their order.
func ParseExtensions(raw []pkix.Extension) (Extensions, error) {
	out := make(Extensions, 0, len(raw))
	for _, ext := range raw {
		v, err := parseExtensionValue(ext.Id, ext.Value)
		if err != nil {
			return nil, fmt.Errorf("extension %s: %w", ext.Id, err)
		}
		out = append(out, Extension{Critical: ext.Critical, Value: v})
	}
	return out, nil
}

// Get returns the first extension of the given kind.
func (e Extensions) Get(kind ExtensionKind) (Extension, bool) {
	for _, ext := range e {
		if ext.Value.Kind() == kind {
			return ext, true
		}
	}
	return Extension{}, false
}

// Without returns the extensions whose kind is not listed.
func (e Extensions) Without(kinds ...ExtensionKind) Extensions {
	out := make(Extensions, 0, len(e))
next:
	for _, ext := range e {
		for _, k := range kinds {
			if ext.Value.Kind() == k {
				continue next
			}
		}
		out = append(out, ext)
	}
	return out
}

// Marshal encodes the extensions for x509 templates.
func (e Extensions) Marshal() ([]pkix.Extension, error) {
	out := make([]pkix.Extension, 0, len(e))
	for _, ext := range e {
		der, err := ext.Value.Marshal()
		if err != nil {
			return nil, fmt.Errorf("extension %s: %w", ext.Value.OID(), err)
		}
		out = append(out, pkix.Extension{Id: ext.Value.OID(), Critical: ext.Critical, Value: der})
	}
	return out, nil
}

func parseExtensionValue(oid asn1.ObjectIdentifier, der []byte) (ExtensionValue, error) {
	switch {
	case oid.Equal(OIDBasicConstraints):
		return parseBasicConstraints(der)
	case oid.Equal(OIDKeyUsage):
		return parseKeyUsage(der)
	case oid.Equal(OIDExtendedKeyUsage):
		var v ExtendedKeyUsage
		if rest, err := asn1.Unmarshal(der, &v.Usages); err != nil || len(rest) > 0 {
			return nil, errors.New("malformed extended key usage")
		}
		return v, nil
	case oid.Equal(OIDSubjectAltName):
		return SubjectAltName{Raw: der}, nil
	case oid.Equal(OIDCertificatePolicies):
		return parseCertificatePolicies(der)
	case oid.Equal(OIDSubjectKeyIdentifier):
		var v SubjectKeyIdentifier
		if rest, err := asn1.Unmarshal(der, &v.KeyID); err != nil || len(rest) > 0 {
			return nil, errors.New("malformed subject key identifier")
		}
		return v, nil
	case oid.Equal(OIDAuthorityKeyIdentifier):
		return parseAuthorityKeyIdentifier(der)
	case oid.Equal(OIDCRLDistributionPoints):
		return parseCRLDistributionPoints(der), nil
	case oid.Equal(OIDCRLNumber):
		v := CRLNumber{Number: new(big.Int)}
		input := cryptobyte.String(der)
		if !input.ReadASN1Integer(v.Number) || !input.Empty() {
			return nil, errors.New("malformed CRL number")
		}
		return v, nil
	}
	return Unknown{ID: oid, Raw: der}, nil
}

// ---------------------------------------------------------------------------
// Basic constraints
// ---------------------------------------------------------------------------

// BasicConstraints is the basicConstraints extension. MaxPathLen is -1
// when absent.
type BasicConstraints struct {
	CA         bool
	MaxPathLen int
}

func (BasicConstraints) Kind() ExtensionKind        { return KindBasicConstraints }
func (BasicConstraints) OID() asn1.ObjectIdentifier { return OIDBasicConstraints }

func (v BasicConstraints) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if !v.CA {
			return
		}
		b.AddASN1Boolean(true)
		if v.MaxPathLen >= 0 {
			b.AddASN1Int64(int64(v.MaxPathLen))
		}
	})
	return b.Bytes()
}

func parseBasicConstraints(der []byte) (BasicConstraints, error) {
	v := BasicConstraints{MaxPathLen: -1}
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return v, errors.New("malformed basic constraints")
	}
	if seq.PeekASN1Tag(cbasn1.BOOLEAN) && !seq.ReadASN1Boolean(&v.CA) {
		return v, errors.New("malformed basic constraints CA flag")
	}
	if seq.PeekASN1Tag(cbasn1.INTEGER) {
		var n int64
		if !seq.ReadASN1Int64WithTag(&n, cbasn1.INTEGER) || n < 0 {
			return v, errors.New("malformed basic constraints path length")
		}
		v.MaxPathLen = int(n)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Key usage
// ---------------------------------------------------------------------------

// KeyUsage is the keyUsage extension, using the x509.KeyUsage bit layout.
type KeyUsage struct {
	Usage x509.KeyUsage
}

func (KeyUsage) Kind() ExtensionKind        { return KindKeyUsage }
func (KeyUsage) OID() asn1.ObjectIdentifier { return OIDKeyUsage }

func (v KeyUsage) Marshal() ([]byte, error) {
	// Bit i of x509.KeyUsage is named bit i of the ASN.1 bit string.
	var bs asn1.BitString
	for i := 0; i < 9; i++ {
		if v.Usage&(1<<i) == 0 {
			continue
		}
		bs.BitLength = i + 1
	}
	bs.Bytes = make([]byte, (bs.BitLength+7)/8)
	for i := 0; i < bs.BitLength; i++ {
		if v.Usage&(1<<i) != 0 {
			bs.Bytes[i/8] |= 0x80 >> (i % 8)
		}
	}
	return asn1.Marshal(bs)
}

func parseKeyUsage(der []byte) (KeyUsage, error) {
	var bs asn1.BitString
	if rest, err := asn1.Unmarshal(der, &bs); err != nil || len(rest) > 0 {
		return KeyUsage{}, errors.New("malformed key usage")
	}
	var v KeyUsage
	for i := 0; i < 9; i++ {
		if bs.At(i) != 0 {
			v.Usage |= 1 << i
		}
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Extended key usage
// ---------------------------------------------------------------------------

// ExtendedKeyUsage is the extKeyUsage extension.
type ExtendedKeyUsage struct {
	Usages []asn1.ObjectIdentifier
}

func (ExtendedKeyUsage) Kind() ExtensionKind        { return KindExtendedKeyUsage }
func (ExtendedKeyUsage) OID() asn1.ObjectIdentifier { return OIDExtendedKeyUsage }

func (v ExtendedKeyUsage) Marshal() ([]byte, error) {
	return asn1.Marshal(v.Usages)
}

// ---------------------------------------------------------------------------
// Subject alternative name
// ---------------------------------------------------------------------------

// SubjectAltName is carried as its raw GeneralNames encoding.
type SubjectAltName struct {
	Raw []byte
}

func (SubjectAltName) Kind() ExtensionKind        { return KindSubjectAltName }
func (SubjectAltName) OID() asn1.ObjectIdentifier { return OIDSubjectAltName }
func (v SubjectAltName) Marshal() ([]byte, error) { return v.Raw, nil }

// ---------------------------------------------------------------------------
// Certificate policies
// ---------------------------------------------------------------------------

// PolicyInformation is one certificate policy. Qualifiers holds the DER
// encoded policyQualifiers sequence, or nil. ID is an x509.OID because
// policy arcs may exceed the range of asn1.ObjectIdentifier.
type PolicyInformation struct {
	ID         x509.OID
	Qualifiers []byte
}

// UserNoticePolicy returns a policy carrying a single user notice with
// explicit text.
func UserNoticePolicy(id x509.OID, text string) PolicyInformation {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDPolicyQualifierUserNotice)
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(text))
				})
			})
		})
	})
	return PolicyInformation{ID: id, Qualifiers: b.BytesOrPanic()}
}

// CertificatePolicies is the certificatePolicies extension.
type CertificatePolicies struct {
	Policies []PolicyInformation
}

func (CertificatePolicies) Kind() ExtensionKind        { return KindCertificatePolicies }
func (CertificatePolicies) OID() asn1.ObjectIdentifier { return OIDCertificatePolicies }

func (v CertificatePolicies) Marshal() ([]byte, error) {
	if len(v.Policies) == 0 {
		return nil, errors.New("certificate policies must not be empty")
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, p := range v.Policies {
			id, err := p.ID.MarshalBinary()
			if err != nil {
				b.SetError(err)
				return
			}
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.OBJECT_IDENTIFIER, func(b *cryptobyte.Builder) {
					b.AddBytes(id)
				})
				if p.Qualifiers != nil {
					b.AddBytes(p.Qualifiers)
				}
			})
		}
	})
	return b.Bytes()
}

func parseCertificatePolicies(der []byte) (CertificatePolicies, error) {
	var v CertificatePolicies
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return v, errors.New("malformed certificate policies")
	}
	for !seq.Empty() {
		var (
			info       cryptobyte.String
			id         cryptobyte.String
			p          PolicyInformation
			qualifiers cryptobyte.String
		)
		if !seq.ReadASN1(&info, cbasn1.SEQUENCE) || !info.ReadASN1(&id, cbasn1.OBJECT_IDENTIFIER) {
			return v, errors.New("malformed policy information")
		}
		if err := p.ID.UnmarshalBinary(id); err != nil {
			return v, fmt.Errorf("malformed policy identifier: %w", err)
		}
		if !info.Empty() {
			if !info.ReadASN1Element(&qualifiers, cbasn1.SEQUENCE) || !info.Empty() {
				return v, errors.New("malformed policy qualifiers")
			}
			p.Qualifiers = []byte(qualifiers)
		}
		v.Policies = append(v.Policies, p)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Key identifiers
// ---------------------------------------------------------------------------

// SubjectKeyIdentifier is the subjectKeyIdentifier extension.
type SubjectKeyIdentifier struct {
	KeyID []byte
}

func (SubjectKeyIdentifier) Kind() ExtensionKind        { return KindSubjectKeyIdentifier }
func (SubjectKeyIdentifier) OID() asn1.ObjectIdentifier { return OIDSubjectKeyIdentifier }

func (v SubjectKeyIdentifier) Marshal() ([]byte, error) {
	return asn1.Marshal(v.KeyID)
}

// AuthorityKeyIdentifier is the authorityKeyIdentifier extension. Raw,
// when set, is the original encoding and is emitted unchanged.
type AuthorityKeyIdentifier struct {
	KeyID []byte
	Raw   []byte
}

func (AuthorityKeyIdentifier) Kind() ExtensionKind        { return KindAuthorityKeyIdentifier }
func (AuthorityKeyIdentifier) OID() asn1.ObjectIdentifier { return OIDAuthorityKeyIdentifier }

func (v AuthorityKeyIdentifier) Marshal() ([]byte, error) {
	if v.Raw != nil {
		return v.Raw, nil
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(v.KeyID)
		})
	})
	return b.Bytes()
}

func parseAuthorityKeyIdentifier(der []byte) (AuthorityKeyIdentifier, error) {
	v := AuthorityKeyIdentifier{Raw: der}
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return v, errors.New("malformed authority key identifier")
	}
	var keyID cryptobyte.String
	var present bool
	if !seq.ReadOptionalASN1(&keyID, &present, cbasn1.Tag(0).ContextSpecific()) {
		return v, errors.New("malformed authority key identifier")
	}
	if present {
		v.KeyID = []byte(keyID)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// CRL distribution points
// ---------------------------------------------------------------------------

// CRLDistributionPoints holds the full-name URIs of the
// cRLDistributionPoints extension. Raw is set when the encoding uses
// anything else, and is then emitted unchanged.
type CRLDistributionPoints struct {
	URIs []string
	Raw  []byte
}

func (CRLDistributionPoints) Kind() ExtensionKind        { return KindCRLDistributionPoints }
func (CRLDistributionPoints) OID() asn1.ObjectIdentifier { return OIDCRLDistributionPoints }

var (
	tagDistributionPoint = cbasn1.Tag(0).ContextSpecific().Constructed()
	tagFullName          = cbasn1.Tag(0).ContextSpecific().Constructed()
	tagURI               = cbasn1.Tag(6).ContextSpecific()
)

func (v CRLDistributionPoints) Marshal() ([]byte, error) {
	if v.Raw != nil {
		return v.Raw, nil
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, uri := range v.URIs {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(tagDistributionPoint, func(b *cryptobyte.Builder) {
					b.AddASN1(tagFullName, func(b *cryptobyte.Builder) {
						b.AddASN1(tagURI, func(b *cryptobyte.Builder) {
							b.AddBytes([]byte(uri))
						})
					})
				})
			})
		}
	})
	return b.Bytes()
}

func parseCRLDistributionPoints(der []byte) CRLDistributionPoints {
	raw := CRLDistributionPoints{Raw: der}
	var v CRLDistributionPoints
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return raw
	}
	for !seq.Empty() {
		var point, name, fullName, uri cryptobyte.String
		if !seq.ReadASN1(&point, cbasn1.SEQUENCE) ||
			!point.ReadASN1(&name, tagDistributionPoint) || !point.Empty() ||
			!name.ReadASN1(&fullName, tagFullName) || !name.Empty() {
			return raw
		}
		for !fullName.Empty() {
			if !fullName.ReadASN1(&uri, tagURI) {
				return raw
			}
			v.URIs = append(v.URIs, string(uri))
		}
	}
	return v
}

// ---------------------------------------------------------------------------
// CRL number and unknown extensions
// ---------------------------------------------------------------------------

// CRLNumber is the cRLNumber CRL extension.
type CRLNumber struct {
	Number *big.Int
}

func (CRLNumber) Kind() ExtensionKind        { return KindCRLNumber }
func (CRLNumber) OID() asn1.ObjectIdentifier { return OIDCRLNumber }

func (v CRLNumber) Marshal() ([]byte, error) {
	return asn1.Marshal(v.Number)
}

// Unknown is any extension without a dedicated type.
type Unknown struct {
	ID  asn1.ObjectIdentifier
	Raw []byte
}

func (Unknown) Kind() ExtensionKind          { return KindUnknown }
func (v Unknown) OID() asn1.ObjectIdentifier { return v.ID }
func (v Unknown) Marshal() ([]byte, error)   { return v.Raw, nil }

// ---------------------------------------------------------------------------
// Name constraints
// ---------------------------------------------------------------------------

// OIDNameConstraints is id-ce-nameConstraints.
var OIDNameConstraints = asn1.ObjectIdentifier{2, 5, 29, 30}

// HostNameConstraints restricts a CA to one host: a DNS name, or a single
// IP address in which case every DNS name is excluded. It decodes back as
// Unknown.
type HostNameConstraints struct {
	Host string
}

func (HostNameConstraints) Kind() ExtensionKind        { return KindUnknown }
func (HostNameConstraints) OID() asn1.ObjectIdentifier { return OIDNameConstraints }

func (v HostNameConstraints) Marshal() ([]byte, error) {
	if v.Host == "" {
		return nil, errors.New("empty host")
	}
	ip := net.ParseIP(v.Host)
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				if ip == nil {
					b.AddASN1(cbasn1.Tag(2).ContextSpecific(), func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(v.Host))
					})
					return
				}
				b.AddASN1(cbasn1.Tag(7).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes(ip)
					b.AddBytes(net.CIDRMask(len(ip)*8, len(ip)*8))
				})
			})
		})
		if ip != nil {
			b.AddASN1(cbasn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.Tag(2).ContextSpecific(), func(b *cryptobyte.Builder) {})
				})
			})
		}
	})
	return b.Bytes()
}
