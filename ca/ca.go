// Package ca implements a self-renewing certificate authority.
//
// An Authority issues end-entity certificates from stored certificate
// signing requests, revokes them and publishes one CRL per CA key pair.
// It rolls its own CA key pair over before the current one gets close to
// expiry, keeping older pairs valid so that clients have time to learn
// the new CA certificate through the signed chain returned by
// CACertificateChain.
package ca

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/jmcleod/caucase/envelope"
	"github.com/jmcleod/caucase/internal/logging"
	"github.com/jmcleod/caucase/pki"
	"github.com/jmcleod/caucase/storage"
)

var (
	// ErrNoCAKeyPair is returned when the authority has no usable CA key
	// pair, which only happens when rollover is disabled and none was
	// imported.
	ErrNoCAKeyPair = errors.New("no CA key pair available")
	// ErrInvalidOptions wraps every Options validation failure.
	ErrInvalidOptions = errors.New("invalid authority options")
)

const configAutoSignCSRAmount = "auto_sign_csr_amount"

// DefaultDigestList is the digest list used when none is configured.
var DefaultDigestList = []string{"sha256", "sha384", "sha512"}

// Options configures an Authority.
type Options struct {
	// Name identifies the authority in logs.
	Name string

	// Subject is the CA certificate subject used when no CA certificate
	// exists yet. Later CA certificates copy their predecessor's.
	Subject pkix.Name
	// Extensions are added to the first CA certificate besides basic
	// constraints and key usage.
	Extensions pki.Extensions

	// KeySize is the RSA modulus size of generated CA keys.
	KeySize int `validate:"gte=1024"`
	// DisableRollover stops the authority from ever generating CA keys.
	DisableRollover bool

	// CertLifetime is the validity of issued certificates.
	CertLifetime time.Duration `validate:"gt=0"`
	// CALifePeriod is the CA certificate validity, in CertLifetime units.
	CALifePeriod float64 `validate:"gte=3"`
	// CRLRenewPeriod is the CRL validity, in CertLifetime units.
	CRLRenewPeriod float64 `validate:"gt=0,lte=1"`
	// CRLBaseURL, when set, is published as CRL distribution point in
	// issued certificates, suffixed with "/" and the CA key identifier.
	CRLBaseURL string `validate:"omitempty,url"`

	// DigestList lists the digests accepted in signed envelopes. The
	// first one is used for every signature the authority produces.
	DigestList []string `validate:"min=1,dive,oneof=sha256 sha384 sha512"`

	// AutoSignCSRAmount is how many first-time requests get signed
	// without operator action.
	AutoSignCSRAmount uint64
	// LockAutoSignCSRAmount stores AutoSignCSRAmount permanently on first
	// use; later values are then ignored.
	LockAutoSignCSRAmount bool

	KeyStore pki.KeyStore
	Logger   *zap.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.KeySize == 0 {
		o.KeySize = pki.DefaultKeySize
	}
	if o.CertLifetime == 0 {
		o.CertLifetime = 93 * 24 * time.Hour
	}
	if o.CALifePeriod == 0 {
		o.CALifePeriod = 4
	}
	if o.CRLRenewPeriod == 0 {
		o.CRLRenewPeriod = 0.33
	}
	if len(o.DigestList) == 0 {
		o.DigestList = DefaultDigestList
	}
	if o.KeyStore == nil {
		o.KeyStore = pki.NewSoftwareKeyStore(o.KeySize)
	}
	if o.Logger == nil {
		o.Logger = logging.L
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

var validate = validator.New()

// Validate checks the options after defaults are applied.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// AutoSign controls the auto-signed marker policy on issuance.
type AutoSign int

const (
	// AutoSignNo strips any caucase policy from the request.
	AutoSignNo AutoSign = iota
	// AutoSignYes strips caucase policies and adds the auto-signed marker.
	AutoSignYes
	// AutoSignPassthrough keeps caucase policies as requested.
	AutoSignPassthrough
)

// Authority is one logical certificate authority.
type Authority struct {
	storage storage.Storage
	opts    Options
	log     *zap.Logger

	autoSignCSRAmount uint64
	crlLifetime       time.Duration
	crlRenewTime      time.Duration
	caLifetime        time.Duration

	rolloverLock sync.Mutex

	mu    sync.RWMutex
	pairs []keyPair
	chain []*envelope.Wrapped

	crlLock  sync.Mutex
	crlCache *cache.Cache
}

// New loads the authority state from store and generates a CA key pair
// if needed.
func New(ctx context.Context, store storage.Storage, opts Options) (*Authority, error) {
	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.LockAutoSignCSRAmount {
		err := store.SetConfigOnce(ctx, configAutoSignCSRAmount, strconv.FormatUint(opts.AutoSignCSRAmount, 10))
		if err != nil {
			return nil, fmt.Errorf("locking auto-sign amount: %w", err)
		}
	}
	value, err := store.ConfigOnce(ctx, configAutoSignCSRAmount, strconv.FormatUint(opts.AutoSignCSRAmount, 10))
	if err != nil {
		return nil, fmt.Errorf("reading auto-sign amount: %w", err)
	}
	autoSign, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stored auto-sign amount %q: %w", value, err)
	}

	life := float64(opts.CertLifetime)
	a := &Authority{
		storage:           store,
		opts:              opts,
		log:               opts.Logger.With(zap.String("authority", opts.Name)),
		autoSignCSRAmount: autoSign,
		crlLifetime:       time.Duration(life * opts.CRLRenewPeriod),
		crlRenewTime:      time.Duration(life * opts.CRLRenewPeriod * .5),
		caLifetime:        time.Duration(life * opts.CALifePeriod),
		crlCache:          cache.New(cache.NoExpiration, 0),
	}
	if err := a.loadKeyPairs(ctx); err != nil {
		return nil, err
	}
	if err := a.renewCAIfNeeded(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Authority) now() time.Time {
	return a.opts.Now()
}

// Storage returns the storage backing the authority.
func (a *Authority) Storage() storage.Storage {
	return a.storage
}

// DigestList returns the digests accepted in signed envelopes.
func (a *Authority) DigestList() []string {
	return append([]string(nil), a.opts.DigestList...)
}

// DefaultDigest is the digest used for every signature the authority
// produces.
func (a *Authority) DefaultDigest() string {
	return a.opts.DigestList[0]
}

// AutoSignCSRAmount returns the effective auto-sign quota.
func (a *Authority) AutoSignCSRAmount() uint64 {
	return a.autoSignCSRAmount
}

// CertLifetime returns the validity of issued certificates.
func (a *Authority) CertLifetime() time.Duration {
	return a.opts.CertLifetime
}

// Verifier returns a function verifying certificates against the current
// CA certificates and CRLs. The snapshot is taken once, so the function
// may be called while a storage iteration is in progress.
func (a *Authority) Verifier(ctx context.Context) (func(crtPEM []byte) (*x509.Certificate, error), error) {
	cas, err := a.CACertificates(ctx)
	if err != nil {
		return nil, err
	}
	crls, err := a.revocationLists(ctx, cas)
	if err != nil {
		return nil, err
	}
	now := a.now()
	return func(crtPEM []byte) (*x509.Certificate, error) {
		return pki.LoadCertificateAt(crtPEM, cas, crls, now)
	}, nil
}

// VerifyCertificate checks that crtPEM was issued by this authority, is
// currently valid and is not revoked.
func (a *Authority) VerifyCertificate(ctx context.Context, crtPEM []byte) (*x509.Certificate, error) {
	verify, err := a.Verifier(ctx)
	if err != nil {
		return nil, err
	}
	return verify(crtPEM)
}
