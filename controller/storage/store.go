package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store is the bucket/JSON view of the local database used by every module.
type Store interface {
	CreateBucket(bucket string) error
	Get(bucket, id string, v interface{}) error
	Update(bucket, id string, v interface{}) error
	Put(bucket, id string, v interface{}) error
	Create(bucket string, fn func(id string) interface{}) error
	List(bucket string, fn func(id string, v []byte) error) error
	Delete(bucket, id string) error
	Close() error
}

type store struct {
	db *bolt.DB
}

// New opens (or creates) the bolt database at path.
func New(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return &store{db: db}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) CreateBucket(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

func (s *store) Get(bucket, id string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s not found in bucket %s", id, bucket)
		}
		return json.Unmarshal(data, v)
	})
}

// Update overwrites an existing entry. It fails when id is not present.
func (s *store) Update(bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%s not found in bucket %s", id, bucket)
		}
		return b.Put([]byte(id), data)
	})
}

// Put stores v under id, replacing any previous value.
func (s *store) Put(bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return b.Put([]byte(id), data)
	})
}

// Create allocates the next sequence id in bucket and stores whatever fn
// returns for it.
func (s *store) Create(bucket string, fn func(string) interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id := strconv.FormatUint(seq, 10)
		data, err := json.Marshal(fn(id))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *store) List(bucket string, fn func(string, []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

func (s *store) Delete(bucket, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return b.Delete([]byte(id))
	})
}
