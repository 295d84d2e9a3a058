package pki

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// DefaultKeySize is the RSA modulus size used when none is configured.
const DefaultKeySize = 2048

// SoftwareKeyStore holds RSA private keys in memory. Key IDs are derived
// from the public key so that re-importing a key stored elsewhere finds
// the already parsed signer.
type SoftwareKeyStore struct {
	mu      sync.Mutex
	keys    map[string]crypto.Signer
	keySize int
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore generating keys of
// keySize bits, or DefaultKeySize when keySize is zero.
func NewSoftwareKeyStore(keySize int) *SoftwareKeyStore {
	if keySize == 0 {
		keySize = DefaultKeySize
	}
	return &SoftwareKeyStore{
		keys:    make(map[string]crypto.Signer),
		keySize: keySize,
	}
}

func (s *SoftwareKeyStore) add(key crypto.Signer) (string, error) {
	id, err := KeyIdentifier(key.Public())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(id)
	keyID := "sw-" + hex.EncodeToString(sum[:8])
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[keyID]; !ok {
		s.keys[keyID] = key
	}
	return keyID, nil
}

// GenerateKey creates a new RSA key pair.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	key, err := GeneratePrivateKey(s.keySize)
	if err != nil {
		return "", err
	}
	return s.add(key)
}

// Signer returns the stored private key.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// ExportPEM encodes the private key, PKCS#1 for RSA keys.
func (s *SoftwareKeyStore) ExportPEM(keyID string) ([]byte, error) {
	key, err := s.Signer(keyID)
	if err != nil {
		return nil, err
	}
	return DumpPrivateKey(key)
}

// ImportPEM parses an unencrypted private key PEM block and stores it.
func (s *SoftwareKeyStore) ImportPEM(pemData []byte) (string, error) {
	key, err := LoadPrivateKey(pemData, nil)
	if err != nil {
		return "", err
	}
	return s.add(key)
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
