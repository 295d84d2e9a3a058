package bbolt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/caucase/storage"
)

// statement is one replayable step of a dump. A statement without a key
// creates the bucket at Path and restores its sequence; otherwise it puts
// Key/Value into that bucket.
type statement struct {
	Path     [][]byte `json:"path"`
	Sequence uint64   `json:"sequence,omitempty"`
	Key      []byte   `json:"key,omitempty"`
	Value    []byte   `json:"value,omitempty"`
}

func encodeStatement(st statement) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return append(data, 0), nil
}

// Dump walks every bucket of the database, including those of other table
// prefixes, in one read transaction. The statements are collected before
// the transaction closes, so the loop body may use the store.
func (s *Store) Dump(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		var statements [][]byte
		emit := func(st statement) error {
			data, err := encodeStatement(st)
			if err != nil {
				return err
			}
			statements = append(statements, data)
			return nil
		}
		var walk func(path [][]byte, b *bbolt.Bucket) error
		walk = func(path [][]byte, b *bbolt.Bucket) error {
			if err := emit(statement{Path: path, Sequence: b.Sequence()}); err != nil {
				return err
			}
			return b.ForEach(func(k, v []byte) error {
				if v == nil {
					child := append(append([][]byte{}, path...), k)
					return walk(child, b.Bucket(k))
				}
				return emit(statement{Path: path, Key: k, Value: v})
			})
		}
		err := s.view(ctx, func(_ context.Context, tx *bbolt.Tx) error {
			return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
				return walk([][]byte{name}, b)
			})
		})
		if err != nil {
			yield(nil, err)
			return
		}
		for _, st := range statements {
			if !yield(st, nil) {
				return
			}
		}
	}
}

// Restore creates a new database at path and replays the NUL-terminated
// statements read from r into it, in a single transaction. The file is
// removed again when anything fails.
func Restore(path string, r io.Reader, options *bbolt.Options) (err error) {
	if _, statErr := os.Stat(path); statErr == nil {
		return fmt.Errorf("%s: %w", path, storage.ErrDatabaseExists)
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return statErr
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return fmt.Errorf("opening bbolt db: %w", err)
	}
	defer func() {
		closeErr := db.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	return db.Update(func(tx *bbolt.Tx) error {
		br := bufio.NewReader(r)
		for {
			line, readErr := br.ReadBytes(0)
			if readErr == io.EOF {
				if len(line) > 0 {
					return storage.ErrShortRead
				}
				return nil
			}
			if readErr != nil {
				return fmt.Errorf("reading dump: %w", readErr)
			}
			if err := replay(tx, line[:len(line)-1]); err != nil {
				return err
			}
		}
	})
}

func replay(tx *bbolt.Tx, data []byte) error {
	var st statement
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		return fmt.Errorf("decoding dump statement: %w", err)
	}
	if len(st.Path) == 0 {
		return fmt.Errorf("dump statement without bucket path")
	}
	b, err := tx.CreateBucketIfNotExists(st.Path[0])
	if err != nil {
		return err
	}
	for _, name := range st.Path[1:] {
		if b, err = b.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	if st.Key == nil {
		return b.SetSequence(st.Sequence)
	}
	return b.Put(st.Key, st.Value)
}
