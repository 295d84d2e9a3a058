package cmd

import (
	"context"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/internal/config"
	"github.com/jmcleod/caucase/internal/logging"
	"github.com/jmcleod/caucase/pki"
	bboltstore "github.com/jmcleod/caucase/storage/bbolt"
)

const (
	prefixCAS     = "cas"
	prefixCAU     = "cau"
	prefixHTTPCAS = "http_cas"

	// The HTTPS certificate authority outlives the daemon's own
	// certificates by a wide margin.
	httpCALifePeriod = 40
)

// authorities are the three logical CAs sharing one database file.
type authorities struct {
	db      *bbolt.DB
	cas     *ca.Authority
	cau     *ca.Authority
	httpCAS *ca.Authority
}

func openDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	return db, nil
}

// caOptions returns the options shared by the cas and cau authorities.
func caOptions(c *config.Config, name string, lifetime time.Duration, autoSign uint64) ca.Options {
	opts := ca.Options{
		Name:                  name,
		Subject:               pkix.Name{CommonName: "Caucase " + strings.ToUpper(name)},
		KeySize:               c.KeyLen,
		CertLifetime:          lifetime,
		CALifePeriod:          c.CALifePeriod,
		CRLRenewPeriod:        c.CRLRenewPeriod,
		AutoSignCSRAmount:     autoSign,
		LockAutoSignCSRAmount: c.LockAutoApproveCount,
		Logger:                logging.L,
	}
	// Operator commands may run without a netloc.
	if c.Netloc != "" {
		opts.Subject.CommonName += " at " + c.BaseURL() + "/" + name
		opts.CRLBaseURL = c.BaseURL() + "/" + name + "/crl"
	}
	return opts
}

func newCAS(ctx context.Context, db *bbolt.DB, c *config.Config, disableRollover bool) (*ca.Authority, error) {
	store, err := bboltstore.New(db, bboltstore.Options{
		TablePrefix:  prefixCAS,
		MaxCSRAmount: c.ServiceMaxCSR,
	})
	if err != nil {
		return nil, err
	}
	opts := caOptions(c, prefixCAS, c.ServiceCrtValidity, c.ServiceAutoApproveCount)
	opts.DisableRollover = disableRollover
	return ca.New(ctx, store, opts)
}

func newCAU(ctx context.Context, store *bboltstore.Store, c *config.Config, disableRollover bool) (*ca.Authority, error) {
	opts := caOptions(c, prefixCAU, c.UserCrtValidity, c.UserAutoApproveCount)
	opts.DisableRollover = disableRollover
	return ca.New(ctx, store, opts)
}

func cauStoreOptions(c *config.Config) bboltstore.Options {
	return bboltstore.Options{
		TablePrefix:        prefixCAU,
		MaxCSRAmount:       c.UserMaxCSR,
		CRTKeepTime:        c.UserCrtValidity,
		CRTReadKeepTime:    c.UserCrtValidity,
		EnforceUniqueKeyID: true,
	}
}

func newHTTPCAS(ctx context.Context, db *bbolt.DB, c *config.Config, host string) (*ca.Authority, error) {
	store, err := bboltstore.New(db, bboltstore.Options{TablePrefix: prefixHTTPCAS})
	if err != nil {
		return nil, err
	}
	u := url.URL{Scheme: "https", Host: host}
	if _, port, err := net.SplitHostPort(c.HTTPSAddr); err == nil && port != "" {
		u.Host = net.JoinHostPort(host, port)
	}
	return ca.New(ctx, store, ca.Options{
		Name:    prefixHTTPCAS,
		Subject: pkix.Name{CommonName: "Caucased CA at " + u.String() + "/"},
		Extensions: pki.Extensions{
			{Critical: true, Value: pki.HostNameConstraints{Host: host}},
		},
		KeySize:        c.KeyLen,
		CertLifetime:   c.ServiceCrtValidity,
		CALifePeriod:   httpCALifePeriod,
		CRLRenewPeriod: c.CRLRenewPeriod,
		Logger:         logging.L,
	})
}

// openAuthorities opens the database at c.DB and loads every authority,
// generating CA key pairs where needed.
func openAuthorities(ctx context.Context, c *config.Config) (*authorities, error) {
	host, err := c.Hostname()
	if err != nil {
		return nil, err
	}
	db, err := openDB(c.DB)
	if err != nil {
		return nil, err
	}
	a := &authorities{db: db}
	err = func() error {
		if a.cas, err = newCAS(ctx, db, c, false); err != nil {
			return fmt.Errorf("loading cas: %w", err)
		}
		store, err := bboltstore.New(db, cauStoreOptions(c))
		if err != nil {
			return err
		}
		if a.cau, err = newCAU(ctx, store, c, false); err != nil {
			return fmt.Errorf("loading cau: %w", err)
		}
		if a.httpCAS, err = newHTTPCAS(ctx, db, c, host); err != nil {
			return fmt.Errorf("loading http_cas: %w", err)
		}
		return nil
	}()
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return a, nil
}

func (a *authorities) Close() error {
	return a.db.Close()
}
