package whatsapp

import (
	"context"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var sessionBucket = []byte("wa_sessions")

// BoltSessionStore keeps blobs in a single bbolt file.
type BoltSessionStore struct {
	db *bolt.DB
}

func OpenBoltSessionStore(file string) (*BoltSessionStore, error) {
	db, err := bolt.Open(file, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "whatsapp: open bolt store %s", file)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "whatsapp: init bolt bucket")
	}
	return &BoltSessionStore{db: db}, nil
}

func (s *BoltSessionStore) Load(_ context.Context, identity SessionIdentity) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get([]byte(identity))
		if v != nil {
			// v is only valid inside the transaction
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "whatsapp: load session %s", identity)
	}
	if len(blob) == 0 {
		return nil, ErrNoCredentials
	}
	return blob, nil
}

func (s *BoltSessionStore) Save(_ context.Context, identity SessionIdentity, blob []byte) error {
	if !ValidIdentity(identity) {
		return errors.Errorf("whatsapp: invalid session identity %q", identity)
	}
	return errors.Wrapf(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put([]byte(identity), blob)
	}), "whatsapp: save session %s", identity)
}

func (s *BoltSessionStore) Delete(_ context.Context, identity SessionIdentity) error {
	return errors.Wrapf(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete([]byte(identity))
	}), "whatsapp: delete session %s", identity)
}

func (s *BoltSessionStore) Close() error {
	return s.db.Close()
}
