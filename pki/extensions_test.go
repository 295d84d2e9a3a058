package pki_test

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caucase/pki"
)

// Extensions produced by crypto/x509 must survive a decode/encode cycle
// byte for byte.
func TestExtensionsReencodeStdlibOutput(t *testing.T) {
	ca := newTestCA(t, "ca", testNow.Add(-time.Hour), testNow.Add(time.Hour))
	key := newTestKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "leaf"},
		NotBefore:             testNow,
		NotAfter:              testNow.Add(time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDecipherOnly,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageOCSPSigning},
		DNSNames:              []string{"example.com"},
		CRLDistributionPoints: []string{"http://example.com/crl/1"},
		Policies:              []x509.OID{mustOID(t, 1, 2, 3)},
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, key.Public(), ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	exts, err := pki.ParseExtensions(cert.Extensions)
	require.NoError(t, err)
	require.Len(t, exts, len(cert.Extensions))

	raw, err := exts.Marshal()
	require.NoError(t, err)
	assert.Equal(t, cert.Extensions, raw)

	for _, kind := range []pki.ExtensionKind{
		pki.KindBasicConstraints,
		pki.KindKeyUsage,
		pki.KindExtendedKeyUsage,
		pki.KindSubjectAltName,
		pki.KindCertificatePolicies,
		pki.KindSubjectKeyIdentifier,
		pki.KindAuthorityKeyIdentifier,
		pki.KindCRLDistributionPoints,
	} {
		_, ok := exts.Get(kind)
		assert.True(t, ok, "kind %d", kind)
	}

	ku, _ := exts.Get(pki.KindKeyUsage)
	assert.True(t, ku.Critical)
	assert.Equal(t, tmpl.KeyUsage, ku.Value.(pki.KeyUsage).Usage)

	crldp, _ := exts.Get(pki.KindCRLDistributionPoints)
	assert.Equal(t, []string{"http://example.com/crl/1"}, crldp.Value.(pki.CRLDistributionPoints).URIs)

	aki, _ := exts.Get(pki.KindAuthorityKeyIdentifier)
	assert.Equal(t, ca.cert.SubjectKeyId, aki.Value.(pki.AuthorityKeyIdentifier).KeyID)

	eku, _ := exts.Get(pki.KindExtendedKeyUsage)
	assert.Contains(t, eku.Value.(pki.ExtendedKeyUsage).Usages, pki.OIDExtKeyUsageOCSPSigning)

	policies, _ := exts.Get(pki.KindCertificatePolicies)
	assert.True(t, mustOID(t, 1, 2, 3).Equal(policies.Value.(pki.CertificatePolicies).Policies[0].ID))
}

func mustOID(t *testing.T, arcs ...uint64) x509.OID {
	t.Helper()
	oid, err := x509.OIDFromInts(arcs)
	require.NoError(t, err)
	return oid
}

func TestExtensionsWithout(t *testing.T) {
	exts := pki.Extensions{
		{Critical: true, Value: pki.BasicConstraints{CA: true, MaxPathLen: 0}},
		{Value: pki.SubjectKeyIdentifier{KeyID: []byte{1}}},
		{Value: pki.AuthorityKeyIdentifier{KeyID: []byte{2}}},
	}
	rest := exts.Without(pki.KindSubjectKeyIdentifier, pki.KindAuthorityKeyIdentifier)
	require.Len(t, rest, 1)
	assert.Equal(t, pki.KindBasicConstraints, rest[0].Value.Kind())
	assert.Len(t, exts, 3)
}

func TestBasicConstraintsEncoding(t *testing.T) {
	tests := []struct {
		value pki.BasicConstraints
		want  []byte
	}{
		{pki.BasicConstraints{MaxPathLen: -1}, []byte{0x30, 0x00}},
		{pki.BasicConstraints{CA: true, MaxPathLen: -1}, []byte{0x30, 0x03, 0x01, 0x01, 0xff}},
		{pki.BasicConstraints{CA: true, MaxPathLen: 0}, []byte{0x30, 0x06, 0x01, 0x01, 0xff, 0x02, 0x01, 0x00}},
	}
	for _, tt := range tests {
		der, err := tt.value.Marshal()
		require.NoError(t, err)
		assert.Equal(t, tt.want, der)

		exts, err := pki.ParseExtensions([]pkix.Extension{{Id: pki.OIDBasicConstraints, Value: der}})
		require.NoError(t, err)
		assert.Equal(t, tt.value, exts[0].Value)
	}
}

func TestUserNoticePolicy(t *testing.T) {
	id, err := x509.ParseOID("2.25.285541874270823339875695650038637483517.0")
	require.NoError(t, err)
	value := pki.CertificatePolicies{Policies: []pki.PolicyInformation{
		pki.UserNoticePolicy(id, "hello"),
	}}
	der, err := value.Marshal()
	require.NoError(t, err)

	exts, err := pki.ParseExtensions([]pkix.Extension{{Id: pki.OIDCertificatePolicies, Value: der}})
	require.NoError(t, err)
	assert.Equal(t, value, exts[0].Value)

	// A UTF8String with the notice text must appear in the encoding.
	assert.Contains(t, string(der), "\x0c\x05hello")

	_, err = pki.CertificatePolicies{}.Marshal()
	assert.Error(t, err)
}

func TestUnknownExtensionPassesThrough(t *testing.T) {
	id := asn1.ObjectIdentifier{1, 2, 3, 4}
	exts, err := pki.ParseExtensions([]pkix.Extension{{Id: id, Critical: true, Value: []byte{0x05, 0x00}}})
	require.NoError(t, err)
	assert.Equal(t, pki.KindUnknown, exts[0].Value.Kind())

	raw, err := exts.Marshal()
	require.NoError(t, err)
	assert.Equal(t, []pkix.Extension{{Id: id, Critical: true, Value: []byte{0x05, 0x00}}}, raw)
}

func TestMalformedExtension(t *testing.T) {
	_, err := pki.ParseExtensions([]pkix.Extension{{Id: pki.OIDKeyUsage, Value: []byte{0xff}}})
	assert.Error(t, err)
}

func TestHostNameConstraints(t *testing.T) {
	key := newTestKey(t)
	parse := func(host string) *x509.Certificate {
		t.Helper()
		der, err := pki.HostNameConstraints{Host: host}.Marshal()
		require.NoError(t, err)
		tmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: "https ca"},
			NotBefore:             testNow,
			NotAfter:              testNow.Add(time.Hour),
			BasicConstraintsValid: true,
			IsCA:                  true,
			KeyUsage:              x509.KeyUsageCertSign,
			ExtraExtensions: []pkix.Extension{
				{Id: pki.OIDNameConstraints, Critical: true, Value: der},
			},
		}
		crt, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
		require.NoError(t, err)
		cert, err := x509.ParseCertificate(crt)
		require.NoError(t, err)
		return cert
	}

	cert := parse("ca.example.com")
	assert.True(t, cert.PermittedDNSDomainsCritical)
	assert.Equal(t, []string{"ca.example.com"}, cert.PermittedDNSDomains)
	assert.Empty(t, cert.PermittedIPRanges)

	cert = parse("192.0.2.1")
	require.Len(t, cert.PermittedIPRanges, 1)
	assert.Equal(t, "192.0.2.1/32", cert.PermittedIPRanges[0].String())
	assert.Equal(t, []string{""}, cert.ExcludedDNSDomains)

	_, err := pki.HostNameConstraints{}.Marshal()
	assert.Error(t, err)
}
