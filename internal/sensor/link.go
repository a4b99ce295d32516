// Package sensor coordinates scanning for a CSC sensor and riding a Session on it.
package sensor

import (
	"context"
	"errors"

	"github.com/lowaak/csc-sensor/internal/session"
)

var (
	// ErrScanTimeout is returned when no sensor was discovered before the scan deadline
	ErrScanTimeout = errors.New("scan timed out without finding a CSC sensor")
	// ErrScanInProgress is returned by a Link asked to scan while already scanning
	ErrScanInProgress = errors.New("scan already in progress")
	// ErrUnknownDevice is returned by a Link for a handle it never discovered
	ErrUnknownDevice = errors.New("unknown device")
)

// Discovery is one CSC sensor seen while scanning
type Discovery struct {
	Handle    session.Handle
	LocalName string
	RSSI      int16
}

// Link is a BLE transport able to scan for CSC sensors and serve one Session.
// The real Bluetooth manager and the simulated sensor both implement it.
type Link interface {
	session.Transport

	// SetInbound registers the receiver of connection and notification callbacks.
	// nil removes it.
	SetInbound(in session.Inbound)

	// Scan blocks until ctx is done or the scan fails, calling onDiscovered
	// for each device advertising the CSC service. Returns ctx.Err() when ctx ended it.
	Scan(ctx context.Context, onDiscovered func(Discovery)) error
}
