package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend, so that open sessions survive a
// restart of the server. Every session is stored as a JSON document keyed by its ID.
type BoltDB struct {
	db *bolt.DB
}

var sessionsBucket = []byte("sessions")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Session retrieves the session with the given ID, or ErrSessionNotFound.
func (b BoltDB) Session(_ context.Context, id string) (models.Session, error) {
	var sess models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(id))
		if v == nil {
			return ErrSessionNotFound
		}
		if err := json.Unmarshal(v, &sess); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		return nil
	})
	return sess, err
}

// SaveSession creates or replaces the session.
func (b BoltDB) SaveSession(_ context.Context, sess models.Session) error {
	v, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(sess.ID), v)
	})
}

// DeleteSession removes the session. Deleting an unknown session is not an error.
func (b BoltDB) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// PruneSessions removes every session that wasn't updated after before, and returns how many
// sessions were removed.
func (b BoltDB) PruneSessions(_ context.Context, before time.Time) (int, error) {
	var pruned int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)

		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var sess models.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("failed to unmarshal session %s: %w", k, err)
			}
			if sess.UpdatedAt.Before(before) {
				// Keys are only valid for the life of the transaction, and the bucket can't be
				// modified while iterating.
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete session %s: %w", k, err)
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
