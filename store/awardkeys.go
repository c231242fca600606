package store

import (
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

const awardBucket = "order_awards"

// BoltAwardKeys remembers which order references already earned points, in a
// local BoltDB file. A key is claimed before points are awarded and released
// when the award fails, so a retried order completion awards exactly once.
type BoltAwardKeys struct {
	db *bolt.DB
}

type awardKey struct {
	ClaimedAt time.Time `json:"claimed_at"`
}

// OpenBoltAwardKeys opens (or creates) the key file at path.
func OpenBoltAwardKeys(path string) (*BoltAwardKeys, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(awardBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltAwardKeys{db: db}, nil
}

// Claim records key and reports whether this call created it. A false result
// means the key was already claimed.
func (k *BoltAwardKeys) Claim(key string) (bool, error) {
	claimed := false
	err := k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(awardBucket))
		if b.Get([]byte(key)) != nil {
			return nil
		}
		v, err := json.Marshal(awardKey{ClaimedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		claimed = true
		return b.Put([]byte(key), v)
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Release forgets key. Releasing an unknown key is not an error.
func (k *BoltAwardKeys) Release(key string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(awardBucket)).Delete([]byte(key))
	})
}

// Close releases the file lock.
func (k *BoltAwardKeys) Close() error {
	return k.db.Close()
}
