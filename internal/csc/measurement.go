// Package csc decodes the Cycling Speed and Cadence Measurement characteristic.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
package csc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Flag bits of the first byte of a CSC Measurement notification
const (
	FlagWheelRevolutionData = 1 << 0 // Bit 0: Wheel Revolution Data Present
	FlagCrankRevolutionData = 1 << 1 // Bit 1: Crank Revolution Data Present
)

// Field sizes in bytes
const (
	flagsSize = 1
	wheelSize = 4 + 2 // UINT32 cumulative revolutions + UINT16 event time
	crankSize = 2 + 2 // UINT16 cumulative revolutions + UINT16 event time
)

// TicksPerSecond is the resolution of the event time fields (1/1024 s).
const TicksPerSecond = 1024.0

var (
	// ErrTooShort is returned when the buffer ends before a field declared by the flags.
	ErrTooShort = errors.New("csc: measurement too short")
	// ErrNoData is returned when neither wheel nor crank data is flagged.
	ErrNoData = errors.New("csc: measurement carries no data")
)

// Measurement is one decoded CSC Measurement notification.
// Wheel fields are meaningful only when HasWheelData, crank fields only when HasCrankData.
type Measurement struct {
	HasWheelData bool
	HasCrankData bool

	CumulativeWheelRevolutions uint32 // wraps at 2^32
	LastWheelEventTime         uint16 // 1/1024 s, wraps at 2^16
	CumulativeCrankRevolutions uint16 // wraps at 2^16
	LastCrankEventTime         uint16 // 1/1024 s, wraps at 2^16
}

// Decode parses a raw CSC Measurement notification.
// The buffer is only read, never retained. Safe for concurrent use.
func Decode(buf []byte) (Measurement, error) {
	if len(buf) < flagsSize {
		return Measurement{}, fmt.Errorf("%w: %d bytes, missing flags", ErrTooShort, len(buf))
	}

	flags := buf[0]
	m := Measurement{
		HasWheelData: flags&FlagWheelRevolutionData != 0,
		HasCrankData: flags&FlagCrankRevolutionData != 0,
	}
	if !m.HasWheelData && !m.HasCrankData {
		return Measurement{}, fmt.Errorf("%w: flags 0x%02X", ErrNoData, flags)
	}

	offset := flagsSize

	if m.HasWheelData {
		if len(buf) < offset+wheelSize {
			return Measurement{}, fmt.Errorf("%w: %d bytes, wheel data needs %d", ErrTooShort, len(buf), offset+wheelSize)
		}
		m.CumulativeWheelRevolutions = binary.LittleEndian.Uint32(buf[offset : offset+4])
		m.LastWheelEventTime = binary.LittleEndian.Uint16(buf[offset+4 : offset+6])
		offset += wheelSize
	}

	if m.HasCrankData {
		if len(buf) < offset+crankSize {
			return Measurement{}, fmt.Errorf("%w: %d bytes, crank data needs %d", ErrTooShort, len(buf), offset+crankSize)
		}
		m.CumulativeCrankRevolutions = binary.LittleEndian.Uint16(buf[offset : offset+2])
		m.LastCrankEventTime = binary.LittleEndian.Uint16(buf[offset+2 : offset+4])
	}

	return m, nil
}

// Encode builds the notification bytes for m. Only the flagged fields are written.
// Used by the simulated sensor and by tests.
func Encode(m Measurement) []byte {
	var flags byte
	if m.HasWheelData {
		flags |= FlagWheelRevolutionData
	}
	if m.HasCrankData {
		flags |= FlagCrankRevolutionData
	}

	buf := make([]byte, RequiredLength(flags))
	buf[0] = flags
	offset := flagsSize
	if m.HasWheelData {
		binary.LittleEndian.PutUint32(buf[offset:], m.CumulativeWheelRevolutions)
		binary.LittleEndian.PutUint16(buf[offset+4:], m.LastWheelEventTime)
		offset += wheelSize
	}
	if m.HasCrankData {
		binary.LittleEndian.PutUint16(buf[offset:], m.CumulativeCrankRevolutions)
		binary.LittleEndian.PutUint16(buf[offset+2:], m.LastCrankEventTime)
	}
	return buf
}

// RequiredLength returns the number of bytes a notification with the given flags must carry.
func RequiredLength(flags byte) int {
	n := flagsSize
	if flags&FlagWheelRevolutionData != 0 {
		n += wheelSize
	}
	if flags&FlagCrankRevolutionData != 0 {
		n += crankSize
	}
	return n
}
