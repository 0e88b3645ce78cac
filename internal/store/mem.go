package store

import "fmt"

// MemStore is a Store held entirely in memory. It counts writes and commits
// so callers can check that an operation left the region untouched.
type MemStore struct {
	data    []byte
	Writes  int
	Commits int
}

// NewMemStore returns an erased region of size bytes.
func NewMemStore(size int) *MemStore {
	data := make([]byte, size)
	for i := range data {
		data[i] = Erased
	}
	return &MemStore{data: data}
}

func (m *MemStore) Size() int { return len(m.data) }

func (m *MemStore) Read(offset int) (byte, error) {
	if offset < 0 || offset >= len(m.data) {
		return 0, fmt.Errorf("read %d: %w", offset, ErrOutOfRange)
	}
	return m.data[offset], nil
}

func (m *MemStore) Write(offset int, b byte) error {
	if offset < 0 || offset >= len(m.data) {
		return fmt.Errorf("write %d: %w", offset, ErrOutOfRange)
	}
	m.data[offset] = b
	m.Writes++
	return nil
}

func (m *MemStore) Commit() error {
	m.Commits++
	return nil
}

func (m *MemStore) Close() error { return nil }

// Bytes returns a copy of the region.
func (m *MemStore) Bytes() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}
