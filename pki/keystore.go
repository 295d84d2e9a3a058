package pki

import (
	"crypto"
	"errors"
)

// KeyStore holds the private keys of a certificate authority while they
// are in use. Keys are persisted by the authority's storage in PEM form;
// a KeyStore only caches the parsed signers and creates new ones.
//
// A key ID uniquely identifies a key within one store. Its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns its identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns the crypto.Signer for keyID, suitable for
	// x509.CreateCertificate and x509.CreateRevocationList.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the unencrypted private key PEM for keyID.
	ExportPEM(keyID string) ([]byte, error)

	// ImportPEM loads a PEM private key and returns its key ID. Importing
	// the same key twice returns the same ID.
	ImportPEM(pemData []byte) (keyID string, err error)

	// Delete forgets keyID.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by KeyStore.ExportPEM when the backing
// store does not allow private key material to leave it.
var ErrKeyNotExportable = errors.New("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")
