// Package envelope signs JSON payloads so that the holder of a private key
// can authenticate a single request over an unauthenticated channel.
//
// Wire format:
//
//	{"payload": "<json text>", "digest": "sha256", "signature": "<base64>"}
//
// The signature is RSA-PSS, MGF1 with the same digest and maximum salt
// length, over the payload text followed by the digest name and a space.
// An envelope with a null digest is unsigned and only meaningful on an
// already authenticated channel.
package envelope

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jmcleod/caucase/pki"
)

var (
	// ErrInvalidSignature is returned when the signature does not verify
	// against the resolved certificate.
	ErrInvalidSignature = errors.New("invalid envelope signature")

	// ErrNotJSON is returned when the envelope or its payload is not JSON.
	ErrNotJSON = errors.New("envelope payload is not JSON")

	// ErrUnsupportedAlgorithm is returned when the digest is not accepted.
	ErrUnsupportedAlgorithm = errors.New("unsupported envelope digest")
)

// Wrapped is the on-the-wire envelope.
type Wrapped struct {
	Payload   string  `json:"payload"`
	Digest    *string `json:"digest"`
	Signature string  `json:"signature,omitempty"`
}

// Signed reports whether the envelope carries a signature.
func (w *Wrapped) Signed() bool {
	return w.Digest != nil
}

// Resolver returns the certificate whose key signed payload. It is usually
// the certificate embedded in the payload itself.
type Resolver func(payload json.RawMessage) (*x509.Certificate, error)

// Parse decodes an envelope from its JSON encoding.
func Parse(data []byte) (*Wrapped, error) {
	var w Wrapped
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return &w, nil
}

func signedBytes(payload, digest string) []byte {
	return []byte(payload + digest + " ")
}

func pssOptions(h crypto.Hash) *rsa.PSSOptions {
	return &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: h}
}

// Wrap encodes payload as JSON and signs it with key, which must be an
// RSA key.
func Wrap(payload any, key crypto.Signer, digest string) (*Wrapped, error) {
	h, err := pki.Hash(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	hasher := h.New()
	hasher.Write(signedBytes(string(data), digest))
	sig, err := key.Sign(rand.Reader, hasher.Sum(nil), pssOptions(h))
	if err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}
	return &Wrapped{
		Payload:   string(data),
		Digest:    &digest,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Unwrap verifies a signed envelope and decodes its payload into out.
// Only the signature is checked: the caller must validate the resolved
// certificate itself.
func Unwrap(w *Wrapped, resolve Resolver, digests []string, out any) error {
	if w.Digest == nil || !slices.Contains(digests, *w.Digest) {
		return ErrUnsupportedAlgorithm
	}
	h, err := pki.Hash(*w.Digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}
	payload := json.RawMessage(w.Payload)
	if !json.Valid(payload) {
		return ErrNotJSON
	}
	cert, err := resolve(payload)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, cert.PublicKey)
	}
	sig, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	hasher := h.New()
	hasher.Write(signedBytes(w.Payload, *w.Digest))
	if err := rsa.VerifyPSS(pub, h, hasher.Sum(nil), sig, pssOptions(h)); err != nil {
		return ErrInvalidSignature
	}
	return decode(payload, out)
}

// NullWrap encodes payload as JSON without signing it.
func NullWrap(payload any) (*Wrapped, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return &Wrapped{Payload: string(data)}, nil
}

// NullUnwrap decodes the payload of an unsigned envelope into out.
func NullUnwrap(w *Wrapped, out any) error {
	if w.Digest != nil {
		return fmt.Errorf("%w: envelope is signed", ErrUnsupportedAlgorithm)
	}
	return decode(json.RawMessage(w.Payload), out)
}

func decode(payload json.RawMessage, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return nil
}
