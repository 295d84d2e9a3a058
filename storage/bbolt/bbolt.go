// Package bbolt provides a BBolt-backed implementation of storage.Storage.
//
// Each logical authority owns a set of top-level buckets named after its
// table prefix, so several authorities can share one database file.
package bbolt

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/caucase/internal/util"
	"github.com/jmcleod/caucase/storage"
)

const (
	counterReceivedCSR  = "received_csr"
	counterCRLNumber    = "crl_number"
	configCRLLastUpdate = "crl_last_update"
)

// Options configures one logical store.
type Options struct {
	// TablePrefix namespaces every bucket of this store.
	TablePrefix string
	// MaxCSRAmount is the maximum number of pending (unsigned) requests.
	MaxCSRAmount int
	// CRTKeepTime is how long an issued certificate stays retrievable.
	CRTKeepTime time.Duration
	// CRTReadKeepTime is the minimum remaining retention after a read.
	CRTReadKeepTime time.Duration
	// EnforceUniqueKeyID rejects a new request whose public key was
	// already submitted.
	EnforceUniqueKeyID bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxCSRAmount == 0 {
		o.MaxCSRAmount = 50
	}
	if o.CRTKeepTime == 0 {
		o.CRTKeepTime = 24 * time.Hour
	}
	if o.CRTReadKeepTime == 0 {
		o.CRTReadKeepTime = time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type bucketNames struct {
	ca, csr, csrPEM, csrKeyID, revoked, configOnce, config, counter []byte
}

func newBucketNames(prefix string) bucketNames {
	name := func(s string) []byte { return []byte(prefix + "_" + s) }
	return bucketNames{
		ca:         name("ca"),
		csr:        name("csr"),
		csrPEM:     name("csr_pem"),
		csrKeyID:   name("csr_key_id"),
		revoked:    name("revoked"),
		configOnce: name("config_once"),
		config:     name("config"),
		counter:    name("counter"),
	}
}

func (n bucketNames) all() [][]byte {
	return [][]byte{n.ca, n.csr, n.csrPEM, n.csrKeyID, n.revoked, n.configOnce, n.config, n.counter}
}

// Store implements storage.Storage backed by a BBolt database.
type Store struct {
	db      *bbolt.DB
	owned   bool
	opts    Options
	buckets bucketNames
}

var _ storage.Storage = (*Store)(nil)

// New returns a Store over an already open database. The buckets of the
// store are created if missing.
func New(db *bbolt.DB, opts Options) (*Store, error) {
	if opts.TablePrefix == "" {
		return nil, fmt.Errorf("bbolt store: empty table prefix")
	}
	opts.setDefaults()
	s := &Store{db: db, opts: opts, buckets: newBucketNames(opts.TablePrefix)}
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range s.buckets.all() {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens (creating if needed) the database at path and returns a Store
// owning it.
func Open(path string, opts Options, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Close closes the underlying database when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

type txKey struct{ db *bbolt.DB }

func (s *Store) begin(ctx context.Context) (context.Context, error) {
	if ctx.Value(txKey{s.db}) != nil {
		return nil, storage.ErrNestedTransaction
	}
	return context.WithValue(ctx, txKey{s.db}, true), nil
}

func (s *Store) update(ctx context.Context, fn func(ctx context.Context, tx *bbolt.Tx) error) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(ctx, tx)
	})
}

func (s *Store) view(ctx context.Context, fn func(ctx context.Context, tx *bbolt.Tx) error) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(ctx, tx)
	})
}

func (s *Store) now() time.Time {
	return s.opts.Now()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// ---------------------------------------------------------------------------
// CA key pairs
// ---------------------------------------------------------------------------

type caRecord struct {
	KeyPEM  string `json:"key_pem"`
	CertPEM string `json:"crt_pem"`
}

// caKey orders pairs by expiration; the sequence suffix keeps pairs
// sharing an expiration apart.
func caKey(expiration time.Time, seq uint64) []byte {
	return append(itob(uint64(expiration.Unix())), itob(seq)...)
}

func (s *Store) CAKeyPairs(ctx context.Context, prune bool) ([]storage.CAKeyPair, error) {
	var pairs []storage.CAKeyPair
	fn := func(_ context.Context, tx *bbolt.Tx) error {
		b := tx.Bucket(s.buckets.ca)
		if prune {
			now := uint64(s.now().Unix())
			var expired [][]byte
			c := b.Cursor()
			for k, _ := c.First(); k != nil && btoi(k[:8]) < now; k, _ = c.Next() {
				expired = append(expired, util.CopyBytes(k))
			}
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return b.ForEach(func(k, v []byte) error {
			var rec caRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding CA key pair: %w", err)
			}
			pairs = append(pairs, storage.CAKeyPair{
				KeyPEM:     []byte(rec.KeyPEM),
				CertPEM:    []byte(rec.CertPEM),
				Expiration: time.Unix(int64(btoi(k[:8])), 0).UTC(),
			})
			return nil
		})
	}
	var err error
	if prune {
		err = s.update(ctx, fn)
	} else {
		err = s.view(ctx, fn)
	}
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func (s *Store) AppendCAKeyPair(ctx context.Context, pair storage.CAKeyPair) error {
	return s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		b := tx.Bucket(s.buckets.ca)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(caRecord{KeyPEM: string(pair.KeyPEM), CertPEM: string(pair.CertPEM)})
		if err != nil {
			return err
		}
		return b.Put(caKey(pair.Expiration, seq), data)
	})
}

// ---------------------------------------------------------------------------
// Certificate signing requests and certificates
// ---------------------------------------------------------------------------

type csrRecord struct {
	KeyID      string `json:"key_id"`
	CSR        string `json:"csr"`
	Crt        string `json:"crt,omitempty"`
	Expiration int64  `json:"expiration_date,omitempty"`
}

func (r *csrRecord) signed() bool {
	return r.Crt != ""
}

func getCSR(b *bbolt.Bucket, id uint64) (*csrRecord, error) {
	data := b.Get(itob(id))
	if data == nil {
		return nil, nil
	}
	var rec csrRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding csr %d: %w", id, err)
	}
	return &rec, nil
}

func putCSR(b *bbolt.Bucket, id uint64, rec *csrRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(itob(id), data)
}

func csrDigest(csrPEM []byte) []byte {
	sum := sha256.Sum256(csrPEM)
	return sum[:]
}

func (s *Store) deleteCSR(tx *bbolt.Tx, id uint64, rec *csrRecord) error {
	if err := tx.Bucket(s.buckets.csr).Delete(itob(id)); err != nil {
		return err
	}
	if err := tx.Bucket(s.buckets.csrPEM).Delete(csrDigest([]byte(rec.CSR))); err != nil {
		return err
	}
	keyIDs := tx.Bucket(s.buckets.csrKeyID)
	if v := keyIDs.Get([]byte(rec.KeyID)); v != nil && btoi(v) == id {
		return keyIDs.Delete([]byte(rec.KeyID))
	}
	return nil
}

func (s *Store) AppendCertificateSigningRequest(ctx context.Context, csrPEM []byte, keyID string, overrideLimits bool) (uint64, uint64, error) {
	var id, requested uint64
	err := s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		digest := csrDigest(csrPEM)
		if v := tx.Bucket(s.buckets.csrPEM).Get(digest); v != nil {
			id = btoi(v)
			return nil
		}
		b := tx.Bucket(s.buckets.csr)
		now := s.now().Unix()
		var pending int
		var expired []uint64
		var expiredRecs []*csrRecord
		err := b.ForEach(func(k, v []byte) error {
			var rec csrRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			switch {
			case !rec.signed():
				pending++
			case rec.Expiration < now:
				expired = append(expired, btoi(k))
				expiredRecs = append(expiredRecs, &rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !overrideLimits && pending >= s.opts.MaxCSRAmount {
			return storage.ErrNoStorage
		}
		keyIDs := tx.Bucket(s.buckets.csrKeyID)
		if s.opts.EnforceUniqueKeyID && keyIDs.Get([]byte(keyID)) != nil {
			return fmt.Errorf("key id %s: %w", keyID, storage.ErrKeyIDExists)
		}
		id, err = util.RandomUint63()
		if err != nil {
			return err
		}
		if err := putCSR(b, id, &csrRecord{KeyID: keyID, CSR: string(csrPEM)}); err != nil {
			return err
		}
		if err := tx.Bucket(s.buckets.csrPEM).Put(digest, itob(id)); err != nil {
			return err
		}
		if err := keyIDs.Put([]byte(keyID), itob(id)); err != nil {
			return err
		}
		if !overrideLimits {
			requested, err = incrementCounter(tx.Bucket(s.buckets.counter), counterReceivedCSR)
			if err != nil {
				return err
			}
		}
		for i, expiredID := range expired {
			if err := s.deleteCSR(tx, expiredID, expiredRecs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return id, requested, nil
}

func (s *Store) DeletePendingCertificateSigningRequest(ctx context.Context, id uint64) error {
	return s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		rec, err := getCSR(tx.Bucket(s.buckets.csr), id)
		if err != nil {
			return err
		}
		if rec == nil || rec.signed() {
			return fmt.Errorf("csr %d: %w", id, storage.ErrNotFound)
		}
		return s.deleteCSR(tx, id, rec)
	})
}

func (s *Store) CertificateSigningRequest(ctx context.Context, id uint64) ([]byte, error) {
	var csrPEM []byte
	err := s.view(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		rec, err := getCSR(tx.Bucket(s.buckets.csr), id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("csr %d: %w", id, storage.ErrNotFound)
		}
		csrPEM = []byte(rec.CSR)
		return nil
	})
	return csrPEM, err
}

func (s *Store) CertificateSigningRequests(ctx context.Context) ([]storage.CertificateSigningRequest, error) {
	var list []storage.CertificateSigningRequest
	err := s.view(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		return tx.Bucket(s.buckets.csr).ForEach(func(k, v []byte) error {
			var rec csrRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.signed() {
				list = append(list, storage.CertificateSigningRequest{ID: btoi(k), PEM: []byte(rec.CSR)})
			}
			return nil
		})
	})
	return list, err
}

func (s *Store) StoreCertificate(ctx context.Context, id uint64, crtPEM []byte) error {
	return s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		b := tx.Bucket(s.buckets.csr)
		rec, err := getCSR(b, id)
		if err != nil {
			return err
		}
		if rec == nil || rec.signed() {
			return fmt.Errorf("csr %d: %w", id, storage.ErrNotFound)
		}
		rec.Crt = string(crtPEM)
		rec.Expiration = s.now().Add(s.opts.CRTKeepTime).Unix()
		return putCSR(b, id, rec)
	})
}

func (s *Store) Certificate(ctx context.Context, id uint64) ([]byte, error) {
	var crtPEM []byte
	err := s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		b := tx.Bucket(s.buckets.csr)
		rec, err := getCSR(b, id)
		if err != nil {
			return err
		}
		if rec == nil || !rec.signed() {
			return fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
		}
		crtPEM = []byte(rec.Crt)
		if keep := s.now().Add(s.opts.CRTReadKeepTime).Unix(); rec.Expiration < keep {
			rec.Expiration = keep
			return putCSR(b, id, rec)
		}
		return nil
	})
	return crtPEM, err
}

func (s *Store) CertificateByKeyIdentifier(ctx context.Context, keyID string) ([]byte, error) {
	var crtPEM []byte
	err := s.view(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		v := tx.Bucket(s.buckets.csrKeyID).Get([]byte(keyID))
		if v == nil {
			return fmt.Errorf("key id %s: %w", keyID, storage.ErrNotFound)
		}
		rec, err := getCSR(tx.Bucket(s.buckets.csr), btoi(v))
		if err != nil {
			return err
		}
		if rec == nil || !rec.signed() {
			return fmt.Errorf("key id %s: %w", keyID, storage.ErrNotFound)
		}
		crtPEM = []byte(rec.Crt)
		return nil
	})
	return crtPEM, err
}

// Certificates reads every issued certificate in one read transaction,
// which is closed before the first one is yielded: the loop body may use
// the store.
func (s *Store) Certificates(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		var crts [][]byte
		err := s.view(ctx, func(_ context.Context, tx *bbolt.Tx) error {
			c := tx.Bucket(s.buckets.csr).Cursor()
			for _, v := c.First(); v != nil; _, v = c.Next() {
				var rec csrRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				if rec.signed() {
					crts = append(crts, []byte(rec.Crt))
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
			return
		}
		for _, crt := range crts {
			if !yield(crt, nil) {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Revocations and CRL counters
// ---------------------------------------------------------------------------

type revocationRecord struct {
	RevocationDate int64 `json:"revocation_date"`
	Expiration     int64 `json:"expiration_date"`
}

func (s *Store) Revoke(ctx context.Context, serial string, expiration time.Time) error {
	return s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		b := tx.Bucket(s.buckets.revoked)
		if b.Get([]byte(serial)) != nil {
			return fmt.Errorf("serial %s: %w", serial, storage.ErrFound)
		}
		data, err := json.Marshal(revocationRecord{
			RevocationDate: s.now().Unix(),
			Expiration:     expiration.Unix(),
		})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(serial), data); err != nil {
			return err
		}
		_, err = incrementCounter(tx.Bucket(s.buckets.counter), counterCRLNumber)
		return err
	})
}

func (s *Store) RevocationList(ctx context.Context) ([]storage.Revocation, error) {
	var list []storage.Revocation
	err := s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		b := tx.Bucket(s.buckets.revoked)
		now := s.now().Unix()
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec revocationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding revocation %s: %w", k, err)
			}
			if rec.Expiration < now {
				expired = append(expired, util.CopyBytes(k))
				return nil
			}
			list = append(list, storage.Revocation{
				Serial:         string(k),
				RevocationDate: time.Unix(rec.RevocationDate, 0).UTC(),
			})
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func readCounter(b *bbolt.Bucket, name string) uint64 {
	v := b.Get([]byte(name))
	if v == nil {
		return 0
	}
	return btoi(v)
}

func incrementCounter(b *bbolt.Bucket, name string) (uint64, error) {
	n := readCounter(b, name) + 1
	if err := b.Put([]byte(name), itob(n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) NextCRLNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		var err error
		n, err = incrementCounter(tx.Bucket(s.buckets.counter), counterCRLNumber)
		return err
	})
	return n, err
}

func (s *Store) StoreCRLNumber(ctx context.Context, n uint64) error {
	return s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		return tx.Bucket(s.buckets.counter).Put([]byte(counterCRLNumber), itob(n))
	})
}

func (s *Store) StoreCRLLastUpdate(ctx context.Context, t time.Time) error {
	return s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		v := strconv.FormatInt(t.Unix(), 10)
		return tx.Bucket(s.buckets.config).Put([]byte(configCRLLastUpdate), []byte(v))
	})
}

func (s *Store) CurrentCRLNumberAndLastUpdate(ctx context.Context) (uint64, time.Time, error) {
	var (
		n          uint64
		lastUpdate time.Time
	)
	err := s.view(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		n = readCounter(tx.Bucket(s.buckets.counter), counterCRLNumber)
		v := tx.Bucket(s.buckets.config).Get([]byte(configCRLLastUpdate))
		if v == nil {
			return nil
		}
		ts, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("decoding CRL last update: %w", err)
		}
		lastUpdate = time.Unix(ts, 0).UTC()
		return nil
	})
	return n, lastUpdate, err
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

func (s *Store) ConfigOnce(ctx context.Context, name, def string) (string, error) {
	value := def
	err := s.view(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		if v := tx.Bucket(s.buckets.configOnce).Get([]byte(name)); v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}

func (s *Store) SetConfigOnce(ctx context.Context, name, value string) error {
	return s.update(ctx, func(_ context.Context, tx *bbolt.Tx) error {
		b := tx.Bucket(s.buckets.configOnce)
		if b.Get([]byte(name)) != nil {
			return nil
		}
		return b.Put([]byte(name), []byte(value))
	})
}
