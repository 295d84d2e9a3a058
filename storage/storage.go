// Package storage defines the persistence contract backing a certificate
// authority: CA key-pair history, certificate signing requests and the
// certificates issued for them, revocations, counters and configuration.
//
// Several logical authorities may share one physical database; each
// implementation namespaces its records with a table prefix.
package storage

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrNotFound is returned when a referenced record does not exist or is
	// not in the expected state (e.g. a CSR which is already signed).
	ErrNotFound = errors.New("not found")

	// ErrFound is returned when inserting a record which already exists,
	// such as revoking an already-revoked serial.
	ErrFound = errors.New("already exists")

	// ErrKeyIDExists is returned when a request reuses the public key of
	// an earlier one on a store enforcing unique key identifiers.
	ErrKeyIDExists = errors.New("public key already submitted")

	// ErrNoStorage is returned when the pending CSR quota is exhausted.
	ErrNoStorage = errors.New("too many pending certificate signing requests")

	// ErrNestedTransaction is returned when an operation is started from
	// within a transaction already open on the same store.
	ErrNestedTransaction = errors.New("nested transaction")

	// ErrDatabaseExists is returned by restore when the target exists.
	ErrDatabaseExists = errors.New("database already exists")

	// ErrShortRead is returned by restore when the statement stream ends in
	// the middle of a statement.
	ErrShortRead = errors.New("short read")
)

// CAKeyPair is one generation of CA key material.
type CAKeyPair struct {
	KeyPEM     []byte
	CertPEM    []byte
	Expiration time.Time
}

// CertificateSigningRequest is a pending request as listed by storage.
type CertificateSigningRequest struct {
	ID  uint64
	PEM []byte
}

// Revocation is one revoked serial number. Serial is a decimal string, as
// serials routinely exceed 63 bits.
type Revocation struct {
	Serial         string
	RevocationDate time.Time
}

// Storage is the persistence contract of one logical certificate
// authority. Every method runs in exactly one transaction.
type Storage interface {
	// CAKeyPairs returns the CA key pairs ordered by expiration, oldest
	// first. With prune set, expired pairs are deleted first.
	CAKeyPairs(ctx context.Context, prune bool) ([]CAKeyPair, error)
	// AppendCAKeyPair inserts a new CA key pair.
	AppendCAKeyPair(ctx context.Context, pair CAKeyPair) error

	// AppendCertificateSigningRequest stores csrPEM and returns its id.
	// Re-submitting an identical PEM returns the existing id. requested is
	// the lifetime count of received requests including this one, or zero
	// when the submission was a re-submission or overrideLimits was set.
	AppendCertificateSigningRequest(ctx context.Context, csrPEM []byte, keyID string, overrideLimits bool) (id uint64, requested uint64, err error)
	DeletePendingCertificateSigningRequest(ctx context.Context, id uint64) error
	CertificateSigningRequest(ctx context.Context, id uint64) ([]byte, error)
	CertificateSigningRequests(ctx context.Context) ([]CertificateSigningRequest, error)

	// StoreCertificate attaches crtPEM to the pending request id.
	StoreCertificate(ctx context.Context, id uint64, crtPEM []byte) error
	// Certificate returns the certificate issued for request id, extending
	// its retention so retries keep succeeding for a while.
	Certificate(ctx context.Context, id uint64) ([]byte, error)
	CertificateByKeyIdentifier(ctx context.Context, keyID string) ([]byte, error)
	// Certificates iterates over all issued certificates. No transaction
	// is open while the loop body runs.
	Certificates(ctx context.Context) iter.Seq2[[]byte, error]

	// Revoke records serial as revoked until expiration and bumps the CRL
	// number. Returns ErrFound if serial is already revoked.
	Revoke(ctx context.Context, serial string, expiration time.Time) error
	RevocationList(ctx context.Context) ([]Revocation, error)

	NextCRLNumber(ctx context.Context) (uint64, error)
	StoreCRLNumber(ctx context.Context, n uint64) error
	StoreCRLLastUpdate(ctx context.Context, t time.Time) error
	// CurrentCRLNumberAndLastUpdate peeks at the CRL counter. The returned
	// time is zero when no CRL was produced yet.
	CurrentCRLNumberAndLastUpdate(ctx context.Context) (uint64, time.Time, error)

	// ConfigOnce returns the value stored under name, or def.
	ConfigOnce(ctx context.Context, name, def string) (string, error)
	// SetConfigOnce stores value unless name already has one.
	SetConfigOnce(ctx context.Context, name, value string) error

	// Dump iterates over NUL-terminated statements which, replayed by the
	// implementation's restore, rebuild the whole physical database, taken
	// from one consistent snapshot. No transaction is open while the loop
	// body runs.
	Dump(ctx context.Context) iter.Seq2[[]byte, error]
}
