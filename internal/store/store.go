package store

import "errors"

// ErrOutOfRange is returned for offsets outside the store region.
var ErrOutOfRange = errors.New("offset out of range")

// Erased is the value of a byte that has never been written.
const Erased byte = 0xFF

// Store is a byte-addressable non-volatile region.
//
// Writes land in a working copy and only survive a power cycle once Commit
// returns. No atomicity is provided across multiple writes.
type Store interface {
	Size() int
	Read(offset int) (byte, error)
	Write(offset int, b byte) error
	Commit() error
	Close() error
}
