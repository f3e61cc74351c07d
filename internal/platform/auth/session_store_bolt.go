package auth

import (
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltDirPerm     = fs.FileMode(0o700)
	boltFilePerm    = fs.FileMode(0o600)
	boltOpenTimeout = 5 * time.Second
)

var sessionsBucket = []byte("sessions")

// BoltSessionStore is a file-backed SessionStore for single-node servers and
// the CLI. Each value is stored as an 8-byte big-endian expiry (unix nanos)
// followed by the blob.
type BoltSessionStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBoltSessionStore opens or creates the database at path.
func OpenBoltSessionStore(path string) (*BoltSessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating session db directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session db: %w", err)
	}

	return &BoltSessionStore{db: db, now: time.Now}, nil
}

// Close releases the database file lock.
func (s *BoltSessionStore) Close() error {
	return s.db.Close()
}

func (s *BoltSessionStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get([]byte(key))
		if value, ok := s.decode(raw); ok {
			// bbolt memory is only valid inside the transaction.
			out = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

func (s *BoltSessionStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL
	}
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(s.now().Add(ttl).UnixNano()))
	copy(buf[8:], value)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(key), buf)
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *BoltSessionStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Consume implements Consumer inside a single write transaction.
func (s *BoltSessionStore) Consume(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if value, ok := s.decode(raw); ok {
			out = append([]byte(nil), value...)
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return nil, fmt.Errorf("consume session: %w", err)
	}
	return out, nil
}

// Cleanup deletes every expired entry.
func (s *BoltSessionStore) Cleanup() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if _, ok := s.decode(v); !ok {
				expired = append(expired, append([]byte(nil), k...))
			}
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
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	return nil
}

// decode splits a stored record and reports whether it is still live.
func (s *BoltSessionStore) decode(raw []byte) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
	if !s.now().Before(expiresAt) {
		return nil, false
	}
	return raw[8:], true
}
