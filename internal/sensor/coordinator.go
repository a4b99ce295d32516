package sensor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/lowaak/csc-sensor/internal/session"
)

const DefaultScanTimeout = 10 * time.Second

// Coordinator finds a sensor on a Link and runs one Session against it at a time.
// It keeps no session state between rides; a failed session is never reused.
type Coordinator struct {
	link                 Link
	wheelCircumferenceMM uint32
	scanTimeout          time.Duration
	logger               *slog.Logger
}

// NewCoordinator creates a Coordinator. scanTimeout <= 0 uses DefaultScanTimeout.
func NewCoordinator(link Link, wheelCircumferenceMM uint32, scanTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if link == nil {
		panic("Coordinator: link cannot be nil")
	}
	if logger == nil {
		panic("Coordinator: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	return &Coordinator{
		link:                 link,
		wheelCircumferenceMM: wheelCircumferenceMM,
		scanTimeout:          scanTimeout,
		logger:               logger,
	}
}

// Discover scans until the first CSC sensor is seen, then stops the scan.
// Returns ErrScanTimeout when nothing was found within the scan timeout.
func (c *Coordinator) Discover(ctx context.Context) (Discovery, error) {
	return c.scanFor(ctx, "", func(Discovery) bool { return true })
}

// Find scans until the sensor with the given address is seen, ignoring other
// CSC sensors in range. Addresses are compared case-insensitively.
func (c *Coordinator) Find(ctx context.Context, handle session.Handle) (Discovery, error) {
	return c.scanFor(ctx, handle, func(d Discovery) bool {
		return strings.EqualFold(string(d.Handle), string(handle))
	})
}

func (c *Coordinator) scanFor(ctx context.Context, target session.Handle, match func(Discovery) bool) (Discovery, error) {
	scanCtx, cancel := context.WithTimeout(ctx, c.scanTimeout)
	defer cancel()

	found := make(chan Discovery, 1)
	c.logger.Info("Coordinator: scanning for CSC sensor", "timeout", c.scanTimeout, "target", string(target))
	err := c.link.Scan(scanCtx, func(d Discovery) {
		if !match(d) {
			c.logger.Debug("Coordinator: skipping sensor", "handle", string(d.Handle), "name", d.LocalName)
			return
		}
		select {
		case found <- d:
		default:
		}
		cancel()
	})

	select {
	case d := <-found:
		c.logger.Info("Coordinator: found sensor", "handle", string(d.Handle), "name", d.LocalName, "rssi", d.RSSI)
		return d, nil
	default:
	}

	if ctx.Err() != nil {
		return Discovery{}, ctx.Err()
	}
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return Discovery{}, ErrScanTimeout
	}
	return Discovery{}, err
}

// Ride connects a fresh Session to handle and forwards its events to observer
// until ctx is done or the session fails. The session is disconnected before
// Ride returns. An interrupted ride returns nil; a failed one returns the
// session's error.
func (c *Coordinator) Ride(ctx context.Context, handle session.Handle, observer session.Observer) error {
	if observer == nil {
		panic("Coordinator: observer cannot be nil")
	}

	failed := make(chan error, 1)
	// Called under the session lock, so it must not block
	tee := session.ObserverFunc(func(event session.Event) {
		observer.OnEvent(event)
		if changed, ok := event.(session.ConnectionStateChanged); ok && changed.State == session.Error {
			select {
			case failed <- changed.Err:
			default:
			}
		}
	})

	s, err := session.New(handle, c.wheelCircumferenceMM, c.link, tee, c.logger)
	if err != nil {
		return err
	}
	c.link.SetInbound(s)
	defer c.link.SetInbound(nil)

	if err := s.Connect(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		c.logger.Info("Coordinator: ride stopped")
		s.Disconnect()
		return nil
	case err := <-failed:
		c.logger.Warn("Coordinator: session failed", "error", err)
		s.Disconnect()
		return err
	}
}
