// Package pki wraps the X.509 primitives a certificate authority needs:
// parsing and verifying certificates, requests and revocation lists against
// a trusted set, key generation, PEM encoding and key identifiers.
//
// Functions are pure; all state (trusted certificates, CRLs, clock) is
// passed in by the caller.
package pki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrCertificateVerification is returned when a certificate fails
	// chain, validity or revocation checks.
	ErrCertificateVerification = errors.New("certificate verification failed")

	// ErrCertificateRevoked is returned when a certificate is listed in a
	// trusted CRL. It matches ErrCertificateVerification as well.
	ErrCertificateRevoked = fmt.Errorf("%w: certificate is revoked", ErrCertificateVerification)

	// ErrInvalidSignature is returned when a request or CRL signature does
	// not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNotCertificateRequest is returned when input cannot be parsed as a
	// PEM certificate signing request.
	ErrNotCertificateRequest = errors.New("not a certificate signing request")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrKeyMismatch is returned when a private key does not match a
	// certificate.
	ErrKeyMismatch = errors.New("private key does not match certificate")

	// ErrUnsupportedDigest is returned for digest names other than
	// sha256, sha384 and sha512.
	ErrUnsupportedDigest = errors.New("unsupported digest")
)

// PEM block types.
const (
	pemCertificate         = "CERTIFICATE"
	pemCertificateRequest  = "CERTIFICATE REQUEST"
	pemCRL                 = "X509 CRL"
	pemRSAPrivateKey       = "RSA PRIVATE KEY"
	pemPrivateKey          = "PRIVATE KEY"
	pemECPrivateKey        = "EC PRIVATE KEY"
	pemEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
)

// ---------------------------------------------------------------------------
// Digests
// ---------------------------------------------------------------------------

// Hash returns the crypto.Hash for a digest name.
func Hash(digest string) (crypto.Hash, error) {
	switch digest {
	case "sha256":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedDigest, digest)
}

// SignatureAlgorithm returns the x509 signature algorithm a key of type pub
// uses with the named digest.
func SignatureAlgorithm(pub crypto.PublicKey, digest string) (x509.SignatureAlgorithm, error) {
	h, err := Hash(digest)
	if err != nil {
		return x509.UnknownSignatureAlgorithm, err
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		return map[crypto.Hash]x509.SignatureAlgorithm{
			crypto.SHA256: x509.SHA256WithRSA,
			crypto.SHA384: x509.SHA384WithRSA,
			crypto.SHA512: x509.SHA512WithRSA,
		}[h], nil
	case *ecdsa.PublicKey:
		return map[crypto.Hash]x509.SignatureAlgorithm{
			crypto.SHA256: x509.ECDSAWithSHA256,
			crypto.SHA384: x509.ECDSAWithSHA384,
			crypto.SHA512: x509.ECDSAWithSHA512,
		}[h], nil
	case ed25519.PublicKey:
		return x509.PureEd25519, nil
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported key type %T", pub)
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

// GeneratePrivateKey returns a new RSA key with public exponent 65537.
func GeneratePrivateKey(bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA %d key: %w", bits, err)
	}
	return key, nil
}

// DumpPrivateKey encodes key as unencrypted PEM: PKCS#1 for RSA keys,
// PKCS#8 otherwise.
func DumpPrivateKey(key crypto.Signer) ([]byte, error) {
	if k, ok := key.(*rsa.PrivateKey); ok {
		der := x509.MarshalPKCS1PrivateKey(k)
		return pem.EncodeToMemory(&pem.Block{Type: pemRSAPrivateKey, Bytes: der}), nil
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der}), nil
}

// DumpEncryptedPrivateKey encodes key as passphrase-protected PKCS#8 PEM.
func DumpEncryptedPrivateKey(key crypto.Signer, passphrase []byte) ([]byte, error) {
	der, err := pkcs8.MarshalPrivateKey(key, passphrase, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemEncryptedPrivateKey, Bytes: der}), nil
}

// LoadPrivateKey decodes the first private key PEM block of data. The
// passphrase is only used for encrypted PKCS#8 blocks.
func LoadPrivateKey(data, passphrase []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key PEM block found", ErrInvalidPEM)
		}
		var (
			key any
			err error
		)
		switch block.Type {
		case pemRSAPrivateKey:
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case pemECPrivateKey:
			key, err = x509.ParseECPrivateKey(block.Bytes)
		case pemPrivateKey:
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case pemEncryptedPrivateKey:
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidPEM, key)
		}
		return signer, nil
	}
}

// IsEncryptedPrivateKey reports whether data holds an encrypted key block.
func IsEncryptedPrivateKey(data []byte) bool {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return false
		}
		if block.Type == pemEncryptedPrivateKey {
			return true
		}
	}
}

// ValidateCertAndKey checks that key is the private half of cert's key.
func ValidateCertAndKey(cert *x509.Certificate, key crypto.Signer) error {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

// ---------------------------------------------------------------------------
// Key identifiers
// ---------------------------------------------------------------------------

// KeyIdentifier returns the SHA-1 digest of the subjectPublicKey bit string
// of pub (RFC 5280 section 4.2.1.2, method 1).
func KeyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	var (
		input     = cryptobyte.String(spki)
		info      cryptobyte.String
		bitString cryptobyte.String
	)
	if !input.ReadASN1(&info, cbasn1.SEQUENCE) ||
		!info.SkipASN1(cbasn1.SEQUENCE) ||
		!info.ReadASN1(&bitString, cbasn1.BIT_STRING) {
		return nil, errors.New("malformed subject public key info")
	}
	// Strip the leading "unused bits" octet.
	if len(bitString) < 1 {
		return nil, errors.New("empty subject public key")
	}
	sum := sha1.Sum(bitString[1:])
	return sum[:], nil
}

// KeyIdentifierHex is KeyIdentifier, hex encoded.
func KeyIdentifierHex(pub crypto.PublicKey) (string, error) {
	id, err := KeyIdentifier(pub)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

// AuthorityKeyIdentifierOf returns the key identifier of cert's Authority Key
// Identifier extension as a big-endian unsigned integer.
func AuthorityKeyIdentifierOf(cert *x509.Certificate) (*big.Int, error) {
	if len(cert.AuthorityKeyId) == 0 {
		return nil, errors.New("certificate has no authority key identifier")
	}
	return new(big.Int).SetBytes(cert.AuthorityKeyId), nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

func decodePEM(data []byte, blockType string) ([]byte, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no %s PEM block found", ErrInvalidPEM, blockType)
		}
		if block.Type == blockType {
			return block.Bytes, nil
		}
	}
}

// ParseCertificate decodes a PEM certificate without any verification.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	der, err := decodePEM(data, pemCertificate)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// SplitCertificates returns every certificate PEM block found in data.
func SplitCertificates(data []byte) [][]byte {
	var out [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return out
		}
		if block.Type == pemCertificate {
			out = append(out, pem.EncodeToMemory(block))
		}
	}
}

// DumpCertificate encodes a DER certificate as PEM.
func DumpCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: der})
}

// LoadCACertificate decodes a PEM CA certificate and checks it is validly
// self-signed.
func LoadCACertificate(data []byte) (*x509.Certificate, error) {
	cert, err := ParseCertificate(data)
	if err != nil {
		return nil, err
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateVerification, err)
	}
	return cert, nil
}

// LoadCertificate is LoadCertificateAt using the current time.
func LoadCertificate(data []byte, trusted []*x509.Certificate, crls []*x509.RevocationList) (*x509.Certificate, error) {
	return LoadCertificateAt(data, trusted, crls, time.Now())
}

// LoadCertificateAt decodes a PEM certificate and verifies, at time now,
// that it chains to one of trusted and is not revoked by any of crls.
func LoadCertificateAt(data []byte, trusted []*x509.Certificate, crls []*x509.RevocationList, now time.Time) (*x509.Certificate, error) {
	cert, err := ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateVerification, err)
	}
	roots := x509.NewCertPool()
	for _, ca := range trusted {
		roots.AddCert(ca)
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateVerification, err)
	}
	for _, crl := range crls {
		if !crlCovers(crl, cert) {
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return nil, fmt.Errorf("%w: serial %s", ErrCertificateRevoked, cert.SerialNumber)
			}
		}
	}
	return cert, nil
}

func crlCovers(crl *x509.RevocationList, cert *x509.Certificate) bool {
	if len(crl.AuthorityKeyId) > 0 && len(cert.AuthorityKeyId) > 0 {
		return bytes.Equal(crl.AuthorityKeyId, cert.AuthorityKeyId)
	}
	return bytes.Equal(crl.RawIssuer, cert.RawIssuer)
}

// ---------------------------------------------------------------------------
// Certificate signing requests
// ---------------------------------------------------------------------------

// LoadCertificateRequest decodes a PEM request and verifies its
// self-signature.
func LoadCertificateRequest(data []byte) (*x509.CertificateRequest, error) {
	der, err := decodePEM(data, pemCertificateRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCertificateRequest, err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCertificateRequest, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return csr, nil
}

// DumpCertificateRequest encodes a DER request as PEM.
func DumpCertificateRequest(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificateRequest, Bytes: der})
}

// ---------------------------------------------------------------------------
// Certificate revocation lists
// ---------------------------------------------------------------------------

// LoadCRL decodes a PEM CRL and accepts it only when signed by one of
// trusted.
func LoadCRL(data []byte, trusted []*x509.Certificate) (*x509.RevocationList, error) {
	der, err := decodePEM(data, pemCRL)
	if err != nil {
		return nil, err
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	for _, ca := range trusted {
		if crl.CheckSignatureFrom(ca) == nil {
			return crl, nil
		}
	}
	return nil, fmt.Errorf("%w: CRL not signed by a trusted CA", ErrInvalidSignature)
}

// DumpCRL encodes a DER CRL as PEM.
func DumpCRL(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCRL, Bytes: der})
}
