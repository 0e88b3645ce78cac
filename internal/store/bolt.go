package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRegion = []byte("region")
	keyImage     = []byte("image")
)

// BoltStore emulates an EEPROM region on top of BoltDB.
//
// The region is held in RAM; Commit flushes the whole image in one
// transaction. Not safe for concurrent use.
type BoltStore struct {
	db    *bolt.DB
	image []byte
	dirty bool
}

// NewBoltStore opens or creates a BoltDB file holding a region of size bytes.
// Bytes never committed read as Erased.
func NewBoltStore(path string, size int) (*BoltStore, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	image := make([]byte, size)
	for i := range image {
		image[i] = Erased
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketRegion)
		if err != nil {
			return err
		}
		// A stored image of a different size keeps its common prefix.
		copy(image, b.Get(keyImage))
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load region: %w", err)
	}

	return &BoltStore{db: db, image: image}, nil
}

func (s *BoltStore) Size() int { return len(s.image) }

func (s *BoltStore) Read(offset int) (byte, error) {
	if offset < 0 || offset >= len(s.image) {
		return 0, fmt.Errorf("read %d: %w", offset, ErrOutOfRange)
	}
	return s.image[offset], nil
}

func (s *BoltStore) Write(offset int, b byte) error {
	if offset < 0 || offset >= len(s.image) {
		return fmt.Errorf("write %d: %w", offset, ErrOutOfRange)
	}
	if s.image[offset] != b {
		s.image[offset] = b
		s.dirty = true
	}
	return nil
}

// Commit persists the working image if anything changed since the last commit.
func (s *BoltStore) Commit() error {
	if !s.dirty {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegion)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRegion)
		}
		// bolt keeps a reference to the value until the tx ends; hand it a copy.
		data := make([]byte, len(s.image))
		copy(data, s.image)
		return b.Put(keyImage, data)
	})
	if err != nil {
		return fmt.Errorf("commit region: %w", err)
	}
	s.dirty = false
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
