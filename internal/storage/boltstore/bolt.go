package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"pastebin-lite/internal/lifecycle"
	"pastebin-lite/internal/storage"
)

var (
	pasteBucket  = []byte("pastes")
	expireBucket = []byte("expires")
)

// Store implements storage.Store backed by BoltDB.
//
// Writers are serialized by bbolt, so ConsumeView can read, check and
// rewrite a record inside one Update transaction without further locking.
type Store struct {
	db *bolt.DB
}

// Open initializes a BoltDB-backed store located at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, storage.Unavailable(errors.Wrap(err, "open bolt db"))
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pasteBucket); err != nil {
			return errors.Wrap(err, "create paste bucket")
		}
		if _, err := tx.CreateBucketIfNotExists(expireBucket); err != nil {
			return errors.Wrap(err, "create expire bucket")
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func checkCtx(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return storage.Classify(ctx.Err(), op)
	default:
		return nil
	}
}

func buckets(tx *bolt.Tx) (*bolt.Bucket, *bolt.Bucket, error) {
	pBucket := tx.Bucket(pasteBucket)
	eBucket := tx.Bucket(expireBucket)
	if pBucket == nil || eBucket == nil {
		return nil, nil, errors.New("buckets not initialized")
	}
	return pBucket, eBucket, nil
}

// Insert stores a new paste. An existing id is never overwritten.
func (s *Store) Insert(ctx context.Context, paste *storage.Paste) (string, error) {
	if err := paste.Validate(); err != nil {
		return "", err
	}
	if err := checkCtx(ctx, "insert paste"); err != nil {
		return "", err
	}

	rec := paste.Clone()
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.ExpiresAt != nil {
		at := rec.ExpiresAt.UTC()
		rec.ExpiresAt = &at
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "marshal paste")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		pBucket, eBucket, err := buckets(tx)
		if err != nil {
			return err
		}
		if pBucket.Get([]byte(rec.ID)) != nil {
			return storage.ErrConflict
		}
		if err := pBucket.Put([]byte(rec.ID), data); err != nil {
			return errors.Wrap(err, "save paste")
		}
		if rec.HasExpiration() {
			if err := eBucket.Put(expireKey(*rec.ExpiresAt, rec.ID), []byte(rec.ID)); err != nil {
				return errors.Wrap(err, "index expiry")
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Get retrieves a paste by id without consuming a view.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	if err := checkCtx(ctx, "get paste"); err != nil {
		return nil, err
	}

	var out *storage.Paste
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pasteBucket)
		if bucket == nil {
			return errors.New("pastes bucket missing")
		}
		paste, err := decode(bucket.Get([]byte(id)))
		if err != nil {
			return err
		}
		out = paste
		return nil
	})

	return out, err
}

// ConsumeView increments the view counter of an available paste.
func (s *Store) ConsumeView(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	if err := checkCtx(ctx, "consume view"); err != nil {
		return nil, err
	}

	var out *storage.Paste
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pasteBucket)
		if bucket == nil {
			return errors.New("pastes bucket missing")
		}
		paste, err := decode(bucket.Get([]byte(id)))
		if err != nil {
			return err
		}
		if lifecycle.IsUnavailable(paste, now) {
			return storage.ErrNotFound
		}
		paste.ViewCount++
		data, err := json.Marshal(paste)
		if err != nil {
			return errors.Wrap(err, "marshal paste")
		}
		if err := bucket.Put([]byte(id), data); err != nil {
			return errors.Wrap(err, "save view count")
		}
		out = paste
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteExpired removes all pastes that expired strictly before the provided time.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if err := checkCtx(ctx, "delete expired"); err != nil {
		return 0, err
	}

	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		pBucket, eBucket, err := buckets(tx)
		if err != nil {
			return err
		}

		cursor := eBucket.Cursor()
		cutoff := toTimestamp(before)
		for key, val := cursor.First(); key != nil; key, val = cursor.Next() {
			ts := binary.BigEndian.Uint64(key[:8])
			if ts >= cutoff {
				break
			}
			id := string(val)
			if err := pBucket.Delete([]byte(id)); err != nil {
				return errors.Wrapf(err, "delete expired paste %s", id)
			}
			if err := cursor.Delete(); err != nil {
				return errors.Wrap(err, "delete expiry index")
			}
			removed++
		}
		return nil
	})

	return removed, err
}

// Ping opens a read transaction to confirm the file is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := checkCtx(ctx, "ping"); err != nil {
		return err
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		_, _, err := buckets(tx)
		return err
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return storage.Unavailable(err)
	}
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decode(raw []byte) (*storage.Paste, error) {
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	var paste storage.Paste
	if err := json.Unmarshal(raw, &paste); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &paste, nil
}

func expireKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, toTimestamp(t))
	copy(key[8:], id)
	return key
}

func toTimestamp(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UTC().UnixNano())
}
