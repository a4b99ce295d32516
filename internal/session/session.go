// Package session turns the CSC notifications of one connected sensor into
// speed and cadence deltas and tracks the sensor's connection lifecycle.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lowaak/csc-sensor/internal/csc"
)

// Verify Session subscribes to the transport's inbound events
var _ Inbound = (*Session)(nil)

// Session owns the running counters of one sensor.
// Every exported method is serialized by mu: deltas are only correct when
// notifications are folded in the order they were received.
type Session struct {
	mu sync.Mutex

	handle               Handle
	wheelCircumferenceMM uint32
	transport            Transport
	observer             Observer
	logger               *slog.Logger

	state                ConnectionState
	failed               bool
	err                  error
	capabilities         Capabilities
	notificationsEnabled bool

	// previous holds the last known wheel and crank samples. Its Has* flags
	// record which of the two have a baseline; they are filled independently.
	previous csc.Measurement

	// attempt is bumped on every Connect and Disconnect so a connect request
	// that returns after a Disconnect is recognised as stale
	attempt uint64
}

// New creates a Disconnected session for handle.
// wheelCircumferenceMM is fixed for the lifetime of the session.
func New(handle Handle, wheelCircumferenceMM uint32, transport Transport, observer Observer, logger *slog.Logger) (*Session, error) {
	if transport == nil {
		panic("Session: transport cannot be nil")
	}
	if observer == nil {
		panic("Session: observer cannot be nil")
	}
	if logger == nil {
		panic("Session: logger cannot be nil")
	}
	if wheelCircumferenceMM == 0 {
		return nil, ErrInvalidWheelCircumference
	}
	return &Session{
		handle:               handle,
		wheelCircumferenceMM: wheelCircumferenceMM,
		transport:            transport,
		observer:             observer,
		logger:               logger.With("handle", string(handle)),
		state:                Disconnected,
	}, nil
}

// Handle returns the device handle this session is bound to
func (s *Session) Handle() Handle {
	return s.handle
}

// WheelCircumferenceMM returns the configured wheel circumference
func (s *Session) WheelCircumferenceMM() uint32 {
	return s.wheelCircumferenceMM
}

// State returns the current connection state
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns what the transport reported when the connection was established
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// NotificationsEnabled reports whether notification delivery was requested on the transport
func (s *Session) NotificationsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notificationsEnabled
}

// Err returns the error that moved the session to Error, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Previous returns the stored baseline and whether any baseline exists
func (s *Session) Previous() (csc.Measurement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previous, s.previous.HasWheelData || s.previous.HasCrankData
}

// Connect requests a connection to the sensor. Only valid from Disconnected on
// a session that never failed; anything else returns a *TransitionError.
// A transport failure is not returned: it moves the session to Error and is
// reported to the observer.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.failed {
		from := s.state
		s.mu.Unlock()
		return &TransitionError{Op: "connect", From: from, Failed: true}
	}
	if s.state != Disconnected {
		from := s.state
		s.mu.Unlock()
		return &TransitionError{Op: "connect", From: from}
	}
	s.attempt++
	attempt := s.attempt
	s.setStateLocked(Connecting, nil)
	s.mu.Unlock()

	// The lock is released so Disconnect stays responsive while the transport connects
	s.logger.Info("Session: requesting connection")
	err := s.transport.RequestConnect(s.handle)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting || s.attempt != attempt {
		s.logger.Debug("Session: connect request failed after the session moved on", "state", s.state, "error", err)
		return nil
	}
	s.failLocked(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	return nil
}

// Disconnect moves the session to Disconnected from any state and drops the
// stored baseline. Calling it again is a no-op. Transport errors are logged.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Disconnected {
		return
	}

	from := s.state
	wasEnabled := s.notificationsEnabled
	s.attempt++
	s.previous = csc.Measurement{}
	s.notificationsEnabled = false
	s.capabilities = Capabilities{}
	s.setStateLocked(Disconnected, nil)

	if wasEnabled {
		if err := s.transport.SetNotificationsEnabled(s.handle, false); err != nil {
			s.logger.Warn("Session: failed to disable notifications", "error", err)
		}
	}
	if from == Connecting || from == Connected {
		if err := s.transport.RequestDisconnect(s.handle); err != nil {
			s.logger.Warn("Session: disconnect request failed", "error", err)
		}
	}
}

// OnDeviceDiscovered is a no-op: the session is created for an already selected device
func (s *Session) OnDeviceDiscovered(handle Handle) {
	s.logger.Debug("Session: ignoring discovery", "discovered", string(handle))
}

// OnConnectionEstablished completes a pending Connect. The capabilities are
// read once here, then notification delivery is enabled on the transport.
func (s *Session) OnConnectionEstablished(handle Handle) {
	if handle != s.handle {
		s.logger.Debug("Session: connection event for another device", "other", string(handle))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Connecting:
	case Disconnected, Error:
		// The connect request completed after Disconnect or a failure; drop the orphan link
		s.logger.Info("Session: late connection, releasing link", "state", s.state)
		if err := s.transport.RequestDisconnect(s.handle); err != nil {
			s.logger.Warn("Session: failed to release late connection", "error", err)
		}
		return
	default:
		s.logger.Debug("Session: duplicate connection event", "state", s.state)
		return
	}

	s.setStateLocked(Connected, nil)

	caps, err := s.transport.QueryCapabilities(s.handle)
	if err != nil {
		s.failLinkedLocked(fmt.Errorf("%w: query capabilities: %w", ErrConnectionFailed, err))
		return
	}
	s.capabilities = caps
	s.logger.Info("Session: capabilities", "speed", caps.HasSpeed, "cadence", caps.HasCadence)

	if err := s.transport.SetNotificationsEnabled(s.handle, true); err != nil {
		s.failLinkedLocked(fmt.Errorf("%w: enable notifications: %w", ErrConnectionFailed, err))
		return
	}
	s.notificationsEnabled = true
}

// OnConnectionFailed moves a connecting or connected session to Error.
// The session does not retry; the owner must create a new one.
func (s *Session) OnConnectionFailed(handle Handle, err error) {
	if handle != s.handle {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connecting && s.state != Connected {
		s.logger.Debug("Session: ignoring connection failure", "state", s.state, "error", err)
		return
	}
	if err == nil {
		s.failLocked(ErrConnectionFailed)
		return
	}
	s.failLocked(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
}

// OnNotification folds one raw CSC measurement into the running state and
// returns the events it produced; the same events go to the observer.
// Notifications outside Connected and malformed payloads are dropped.
func (s *Session) OnNotification(handle Handle, raw []byte) []Event {
	if handle != s.handle {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected {
		s.logger.Debug("Session: dropping notification", "state", s.state)
		return nil
	}

	m, err := csc.Decode(raw)
	if err != nil {
		s.logger.Warn("Session: dropping malformed notification", "error", err, "raw", fmt.Sprintf("% X", raw))
		return nil
	}

	var events []Event
	if ev, ok := s.foldWheelLocked(m); ok {
		events = append(events, ev)
	}
	if ev, ok := s.foldCrankLocked(m); ok {
		events = append(events, ev)
	}

	for _, ev := range events {
		s.observer.OnEvent(ev)
	}
	return events
}

func (s *Session) foldWheelLocked(m csc.Measurement) (Event, bool) {
	if !m.HasWheelData {
		return nil, false
	}
	if !s.previous.HasWheelData {
		s.storeWheelLocked(m)
		return nil, false
	}

	// uint arithmetic wraps, so a counter rollover still gives the small forward delta
	ticks := m.LastWheelEventTime - s.previous.LastWheelEventTime
	if ticks == 0 {
		s.logger.Debug("Session: repeated wheel event time, skipping")
		return nil, false
	}
	revolutions := m.CumulativeWheelRevolutions - s.previous.CumulativeWheelRevolutions
	s.storeWheelLocked(m)

	return SpeedUpdate{
		Handle:         s.handle,
		Revolutions:    revolutions,
		DistanceMM:     uint64(revolutions) * uint64(s.wheelCircumferenceMM),
		ElapsedSeconds: float64(ticks) / csc.TicksPerSecond,
	}, true
}

func (s *Session) foldCrankLocked(m csc.Measurement) (Event, bool) {
	if !m.HasCrankData {
		return nil, false
	}
	if !s.previous.HasCrankData {
		s.storeCrankLocked(m)
		return nil, false
	}

	ticks := m.LastCrankEventTime - s.previous.LastCrankEventTime
	if ticks == 0 {
		s.logger.Debug("Session: repeated crank event time, skipping")
		return nil, false
	}
	rotations := m.CumulativeCrankRevolutions - s.previous.CumulativeCrankRevolutions
	s.storeCrankLocked(m)

	return CadenceUpdate{
		Handle:         s.handle,
		Rotations:      rotations,
		ElapsedSeconds: float64(ticks) / csc.TicksPerSecond,
	}, true
}

func (s *Session) storeWheelLocked(m csc.Measurement) {
	s.previous.HasWheelData = true
	s.previous.CumulativeWheelRevolutions = m.CumulativeWheelRevolutions
	s.previous.LastWheelEventTime = m.LastWheelEventTime
}

func (s *Session) storeCrankLocked(m csc.Measurement) {
	s.previous.HasCrankData = true
	s.previous.CumulativeCrankRevolutions = m.CumulativeCrankRevolutions
	s.previous.LastCrankEventTime = m.LastCrankEventTime
}

// failLinkedLocked fails a session whose link is up. Disconnect from Error
// does not reach the transport, so the link is released here.
func (s *Session) failLinkedLocked(err error) {
	s.failLocked(err)
	if rerr := s.transport.RequestDisconnect(s.handle); rerr != nil {
		s.logger.Warn("Session: failed to release link after setup failure", "error", rerr)
	}
}

func (s *Session) failLocked(err error) {
	s.logger.Error("Session: connection failed", "error", err)
	s.failed = true
	s.err = err
	s.previous = csc.Measurement{}
	s.notificationsEnabled = false
	s.setStateLocked(Error, err)
}

func (s *Session) setStateLocked(state ConnectionState, err error) {
	if s.state == state {
		return
	}
	s.logger.Info("Session: state change", "from", s.state, "to", state)
	s.state = state
	s.observer.OnEvent(ConnectionStateChanged{Handle: s.handle, State: state, Err: err})
}
