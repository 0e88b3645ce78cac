// Package layout describes the byte-exact arrangement of the persistent region:
//
//	byte 0                          status cell
//	1 + i*RecordSize                device record i, i in [0, MaxDevices)
//	BusConfigOffset                 integration (message bus) config record
//
// The device region is sized for MaxDevices regardless of how many devices
// are live; reads are always gated by the count held in the status cell.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"

	"homenode/internal/store"
)

const (
	// MaxDevices is the registry capacity.
	MaxDevices = 5

	// NameSize is the on-storage name field, NUL terminated.
	NameSize = 20
	// MaxNameLen is the longest name that fits with its terminator.
	MaxNameLen = NameSize - 1

	// RecordSize is the size of one device record: pin, name, state.
	RecordSize = 1 + NameSize + 1

	// HostSize is the on-storage host field, NUL terminated.
	HostSize   = 40
	MaxHostLen = HostSize - 1

	// BusConfigSize is host followed by a little-endian port.
	BusConfigSize = HostSize + 2

	StatusOffset    = 0
	BusConfigOffset = 1 + MaxDevices*RecordSize

	// RegionSize is the size of the persistent region.
	RegionSize = 512
)

var (
	ErrInvalidName = errors.New("invalid device name")
	ErrInvalidHost = errors.New("invalid host")
)

// DeviceOffset returns the offset of the record in the given slot.
func DeviceOffset(slot int) int {
	return slot*RecordSize + 1
}

// Status is the decoded status cell.
type Status struct {
	Count     uint8
	Assistant bool
	Bus       bool
}

const (
	countMask    = 0x0F
	assistantBit = 1 << 4
	busBit       = 1 << 5
)

// DecodeStatus unpacks the status cell. Bits 6-7 are ignored.
func DecodeStatus(b byte) Status {
	return Status{
		Count:     b & countMask,
		Assistant: b&assistantBit != 0,
		Bus:       b&busBit != 0,
	}
}

// Encode packs the status cell. Unused bits are written as zero.
func (s Status) Encode() byte {
	b := s.Count & countMask
	if s.Assistant {
		b |= assistantBit
	}
	if s.Bus {
		b |= busBit
	}
	return b
}

// Valid reports whether the count lies in [0, MaxDevices].
func (s Status) Valid() bool {
	return s.Count <= MaxDevices
}

// Record is one device as laid out on storage.
type Record struct {
	Pin   uint8
	Name  string
	State bool
}

// ValidName reports whether name can be stored in a record.
func ValidName(name string) error {
	if err := validText(name, MaxNameLen); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return nil
}

// EncodeRecord returns the RecordSize bytes for r. The name must be valid.
func EncodeRecord(r Record) []byte {
	buf := make([]byte, RecordSize)
	buf[0] = r.Pin
	copy(buf[1:1+NameSize], r.Name)
	if r.State {
		buf[RecordSize-1] = 1
	}
	return buf
}

// DecodeRecord parses a record. Names are read up to the first NUL.
func DecodeRecord(buf []byte) Record {
	return Record{
		Pin:   buf[0],
		Name:  cString(buf[1 : 1+NameSize]),
		State: buf[RecordSize-1] != 0,
	}
}

// BusConfig is the message-bus integration record.
type BusConfig struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Validate checks that the config can be stored and used to connect.
func (c BusConfig) Validate() error {
	if err := validText(c.Host, MaxHostLen); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	if c.Port == 0 {
		return fmt.Errorf("%w: port must not be 0", ErrInvalidHost)
	}
	return nil
}

func EncodeBusConfig(c BusConfig) []byte {
	buf := make([]byte, BusConfigSize)
	copy(buf[:HostSize], c.Host)
	binary.LittleEndian.PutUint16(buf[HostSize:], c.Port)
	return buf
}

func DecodeBusConfig(buf []byte) BusConfig {
	return BusConfig{
		Host: cString(buf[:HostSize]),
		Port: binary.LittleEndian.Uint16(buf[HostSize:]),
	}
}

func validText(s string, max int) error {
	switch {
	case s == "":
		return errors.New("empty")
	case len(s) > max:
		return fmt.Errorf("longer than %d bytes", max)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return errors.New("contains NUL")
		}
	}
	return nil
}

// cString returns the bytes before the first NUL, or all of buf.
func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// ReadBlock reads n bytes starting at offset.
func ReadBlock(s store.Store, offset, n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := range buf {
		b, err := s.Read(offset + i)
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}

// WriteBlock writes data at offset and commits once.
func WriteBlock(s store.Store, offset int, data []byte) error {
	for i, b := range data {
		if err := s.Write(offset+i, b); err != nil {
			return err
		}
	}
	return s.Commit()
}

// ReadStatus reads and decodes the status cell.
func ReadStatus(s store.Store) (Status, error) {
	b, err := s.Read(StatusOffset)
	if err != nil {
		return Status{}, fmt.Errorf("read status: %w", err)
	}
	return DecodeStatus(b), nil
}

// WriteStatus encodes and writes the status cell, then commits.
func WriteStatus(s store.Store, st Status) error {
	if err := WriteBlock(s, StatusOffset, []byte{st.Encode()}); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// ReadRecord reads the device record in slot.
func ReadRecord(s store.Store, slot int) (Record, error) {
	buf, err := ReadBlock(s, DeviceOffset(slot), RecordSize)
	if err != nil {
		return Record{}, fmt.Errorf("read record %d: %w", slot, err)
	}
	return DecodeRecord(buf), nil
}

// WriteRecord writes r into slot and commits.
func WriteRecord(s store.Store, slot int, r Record) error {
	if err := WriteBlock(s, DeviceOffset(slot), EncodeRecord(r)); err != nil {
		return fmt.Errorf("write record %d: %w", slot, err)
	}
	return nil
}
