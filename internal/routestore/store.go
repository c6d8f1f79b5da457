// Package routestore persists offline-capable route records in an embedded
// per-instance database, keyed by an origin/destination fingerprint.
package routestore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mohammed-shakir/offline-tile-cache/internal/model"
)

const schemaVersion = 1

var (
	routesBucket = []byte("routes")
	metaBucket   = []byte("meta")
	versionKey   = []byte("schema_version")
)

var (
	// ErrNotFound reports that no record matches a fingerprint. Not an
	// error condition for callers: route lookup synthesizes a fallback.
	ErrNotFound = errors.New("routestore: record not found")
	// ErrUnavailable wraps database open/transaction failures.
	ErrUnavailable = errors.New("routestore: storage unavailable")
)

// Record is a persisted route. ID is the endpoint fingerprint.
type Record struct {
	ID          string            `json:"id"`
	Coordinates [][2]float64      `json:"coordinates"`
	Distance    float64           `json:"distance"`
	Duration    float64           `json:"duration"`
	Steps       []model.RouteStep `json:"steps"`
	CachedAt    time.Time         `json:"cached_at"`
}

type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if needed) the route database and runs the additive
// schema migration: buckets are created if absent, the stored version is
// raised if lower, and existing records are never touched.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrUnavailable, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(routesBucket); err != nil {
			return fmt.Errorf("create routes bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return fmt.Errorf("create meta bucket: %w", err)
		}

		var stored uint64
		if raw := meta.Get(versionKey); len(raw) == 8 {
			stored = binary.BigEndian.Uint64(raw)
		}
		if stored < schemaVersion {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], schemaVersion)
			if err := meta.Put(versionKey, buf[:]); err != nil {
				return fmt.Errorf("write schema version: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate %q: %v", ErrUnavailable, path, err)
	}

	return &Store{db: db, path: path}, nil
}

// Put upserts a record under its fingerprint. Later writes overwrite.
func (s *Store) Put(rec Record) error {
	if rec.ID == "" {
		return errors.New("routestore: record id is required")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("routestore encode %q: %w", rec.ID, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(routesBucket).Put([]byte(rec.ID), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrUnavailable, rec.ID, err)
	}
	return nil
}

// Get returns the record for a fingerprint, or ErrNotFound.
func (s *Store) Get(id string) (Record, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(routesBucket).Get([]byte(id)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("%w: get %q: %v", ErrUnavailable, id, err)
	}
	if raw == nil {
		return Record{}, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("routestore decode %q: %w", id, err)
	}
	return rec, nil
}

// SchemaVersion reports the stored schema version.
func (s *Store) SchemaVersion() (uint64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(metaBucket).Get(versionKey); len(raw) == 8 {
			v = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: schema version: %v", ErrUnavailable, err)
	}
	return v, nil
}

// Size reports the database file size in bytes for storage accounting.
func (s *Store) Size() (uint64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %q: %v", ErrUnavailable, s.path, err)
	}
	return uint64(fi.Size()), nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("routestore close: %w", err)
	}
	return nil
}
