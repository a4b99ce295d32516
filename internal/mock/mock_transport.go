// Package mock simulates a CSC sensor so the app runs without Bluetooth hardware.
package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/lowaak/csc-sensor/internal/csc"
	"github.com/lowaak/csc-sensor/internal/go_func_utils"
	"github.com/lowaak/csc-sensor/internal/sensor"
	"github.com/lowaak/csc-sensor/internal/session"
)

// Verify MockTransport can stand in for the Bluetooth manager
var _ sensor.Link = (*MockTransport)(nil)

var (
	ErrNotConnected = errors.New("mock sensor not connected")
	// ErrLinkLost is reported to the Session when a link loss is injected
	ErrLinkLost = errors.New("mock sensor link lost")
	// ErrConnectRefused is reported when a connect failure was injected
	ErrConnectRefused = errors.New("mock sensor refused connection")
)

const (
	DefaultAddress   = "00:11:22:33:44:03"
	DefaultLocalName = "Mock CSC Sensor"
	DefaultInterval  = 1 * time.Second

	mmPerKm        = 1_000_000.0
	secondsPerHour = 3600.0
)

// Config holds configuration for creating a mock sensor
type Config struct {
	Address              string
	LocalName            string
	WheelCircumferenceMM uint32
	SpeedKmh             float64
	CadenceRPM           float64
	// Interval between notifications while notifying. 0 disables the ticker;
	// packets are then only sent through Tick.
	Interval time.Duration
	// Starting counter values, so wraparound can be exercised
	StartWheelRevolutions uint32
	StartCrankRevolutions uint16
}

// State is the mock sensor as reported by the control API
type State struct {
	Address          string  `json:"address"`
	LocalName        string  `json:"local_name"`
	Connected        bool    `json:"connected"`
	Notifying        bool    `json:"notifying"`
	SpeedKmh         float64 `json:"speed_kmh"`
	CadenceRPM       float64 `json:"cadence_rpm"`
	WheelRevolutions uint32  `json:"wheel_revolutions"`
	WheelEventTime   uint16  `json:"wheel_event_time"`
	CrankRevolutions uint16  `json:"crank_revolutions"`
	CrankEventTime   uint16  `json:"crank_event_time"`
}

// revolutionCounter simulates one rotating part. Revolutions are kept as a
// fractional total so slow speeds still advance across ticks.
type revolutionCounter struct {
	total     float64
	eventTime uint16
}

// advance moves the counter forward by elapsed seconds at revsPerSecond, starting
// at clock seconds. The event time is the moment of the last whole revolution.
func (c *revolutionCounter) advance(clock, elapsed, revsPerSecond float64) {
	if revsPerSecond <= 0 || elapsed <= 0 {
		return
	}
	before := c.total
	after := before + revsPerSecond*elapsed
	c.total = after
	if math.Floor(after) == math.Floor(before) {
		// No new revolution: a real sensor repeats its last event time
		return
	}
	lastRevAt := clock + (math.Floor(after)-before)/revsPerSecond
	c.eventTime = uint16(uint64(math.Floor(lastRevAt*csc.TicksPerSecond + 1e-6)))
}

func (c *revolutionCounter) whole() uint64 {
	return uint64(math.Floor(c.total))
}

// MockTransport implements sensor.Link for one simulated sensor
type MockTransport struct {
	logger *slog.Logger
	config Config

	mu         sync.RWMutex
	inbound    session.Inbound
	scanning   bool
	connected  bool
	notifying  bool
	failNext   bool
	speedKmh   float64
	cadenceRPM float64
	clock      float64 // simulated seconds since start
	wheel      revolutionCounter
	crank      revolutionCounter
	lastPacket []byte

	server *http.Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMockTransport creates a disconnected mock sensor
func NewMockTransport(logger *slog.Logger, config Config) *MockTransport {
	if logger == nil {
		panic("MockTransport: logger cannot be nil")
	}
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.LocalName == "" {
		config.LocalName = DefaultLocalName
	}
	if config.WheelCircumferenceMM == 0 {
		panic("MockTransport: wheel circumference cannot be zero")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MockTransport{
		logger:     logger.With("mock", config.Address),
		config:     config,
		speedKmh:   config.SpeedKmh,
		cadenceRPM: config.CadenceRPM,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handle returns the handle the mock sensor is discovered under
func (m *MockTransport) Handle() session.Handle {
	return session.Handle(m.config.Address)
}

// Start runs the notification ticker and, when listen is not empty, the control API
func (m *MockTransport) Start(listen string) error {
	m.logger.Info("MockTransport: Starting mock sensor", "name", m.config.LocalName, "address", m.config.Address)

	if m.config.Interval > 0 {
		m.wg.Add(1)
		go_func_utils.SafeGo(m.logger, m.runTicker)
	}

	if listen == "" {
		return nil
	}
	m.server = &http.Server{
		Addr:              listen,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.logger.Info("MockTransport: Control API starting", "listen", listen)
		if err := m.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("MockTransport: Control API error", "error", err)
		}
	})
	return nil
}

// Shutdown stops the ticker and the control API
func (m *MockTransport) Shutdown() {
	m.logger.Info("MockTransport: Shutting down")
	m.cancel()

	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Warn("MockTransport: Error shutting down control API", "error", err)
		}
	}

	m.wg.Wait()
	m.logger.Info("MockTransport: Shutdown complete")
}

func (m *MockTransport) runTicker() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.config.Interval)
		}
	}
}

func (m *MockTransport) getInbound() session.Inbound {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inbound
}

// SetInbound registers the Session that receives callbacks
func (m *MockTransport) SetInbound(in session.Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = in
}

// async delivers a callback from its own goroutine, as a radio stack would
func (m *MockTransport) async(fn func(in session.Inbound)) {
	in := m.getInbound()
	if in == nil {
		return
	}
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		fn(in)
	})
}

// Scan reports the mock sensor once and then waits for ctx
func (m *MockTransport) Scan(ctx context.Context, onDiscovered func(sensor.Discovery)) error {
	m.mu.Lock()
	if m.scanning {
		m.mu.Unlock()
		return sensor.ErrScanInProgress
	}
	m.scanning = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.scanning = false
		m.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.logger.Info("MockTransport: Found device", "name", m.config.LocalName)
	if onDiscovered != nil {
		onDiscovered(sensor.Discovery{Handle: m.Handle(), LocalName: m.config.LocalName, RSSI: -50})
	}
	if in := m.getInbound(); in != nil {
		in.OnDeviceDiscovered(m.Handle())
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return nil
	}
}

// IsScanning returns whether a Scan call is in progress
func (m *MockTransport) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// RequestConnect connects asynchronously. An injected failure is reported as OnConnectionFailed.
func (m *MockTransport) RequestConnect(handle session.Handle) error {
	if handle != m.Handle() {
		return fmt.Errorf("%w: %s", sensor.ErrUnknownDevice, handle)
	}

	m.mu.Lock()
	fail := m.failNext
	m.failNext = false
	if !fail {
		m.connected = true
	}
	m.mu.Unlock()

	if fail {
		m.logger.Info("MockTransport: Refusing connection")
		m.async(func(in session.Inbound) { in.OnConnectionFailed(handle, ErrConnectRefused) })
		return nil
	}
	m.logger.Info("MockTransport: Connected")
	m.async(func(in session.Inbound) { in.OnConnectionEstablished(handle) })
	return nil
}

// RequestDisconnect drops the simulated link
func (m *MockTransport) RequestDisconnect(handle session.Handle) error {
	if handle != m.Handle() {
		return fmt.Errorf("%w: %s", sensor.ErrUnknownDevice, handle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.notifying = false
	m.logger.Info("MockTransport: Disconnected")
	return nil
}

func (m *MockTransport) SetNotificationsEnabled(handle session.Handle, enabled bool) error {
	if handle != m.Handle() {
		return fmt.Errorf("%w: %s", sensor.ErrUnknownDevice, handle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled && !m.connected {
		return ErrNotConnected
	}
	m.notifying = enabled
	m.logger.Info("MockTransport: Notifications updated", "enabled", enabled)
	return nil
}

// QueryCapabilities reports both wheel and crank data
func (m *MockTransport) QueryCapabilities(handle session.Handle) (session.Capabilities, error) {
	if handle != m.Handle() {
		return session.Capabilities{}, fmt.Errorf("%w: %s", sensor.ErrUnknownDevice, handle)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return session.Capabilities{}, ErrNotConnected
	}
	return session.Capabilities{HasSpeed: true, HasCadence: true}, nil
}

// SetValues changes the simulated speed and cadence. Negative values are clamped to 0.
func (m *MockTransport) SetValues(speedKmh, cadenceRPM float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speedKmh = math.Max(speedKmh, 0)
	m.cadenceRPM = math.Max(cadenceRPM, 0)
	m.logger.Info("MockTransport: Values set", "speed_kmh", m.speedKmh, "cadence_rpm", m.cadenceRPM)
}

// FailNextConnect makes the next RequestConnect report a failure
func (m *MockTransport) FailNextConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

// InjectLinkLoss drops a connected link as if the sensor went out of range
func (m *MockTransport) InjectLinkLoss() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.connected = false
	m.notifying = false
	m.mu.Unlock()

	m.logger.Warn("MockTransport: Injecting link loss")
	m.async(func(in session.Inbound) { in.OnConnectionFailed(m.Handle(), ErrLinkLost) })
	return nil
}

// Tick advances the simulation by elapsed and sends a measurement when notifying.
// Returns whether a packet was sent.
func (m *MockTransport) Tick(elapsed time.Duration) bool {
	m.mu.Lock()
	seconds := elapsed.Seconds()
	wheelRPS := m.speedKmh * mmPerKm / secondsPerHour / float64(m.config.WheelCircumferenceMM)
	crankRPS := m.cadenceRPM / 60
	m.wheel.advance(m.clock, seconds, wheelRPS)
	m.crank.advance(m.clock, seconds, crankRPS)
	m.clock += seconds

	if !m.connected || !m.notifying {
		m.mu.Unlock()
		return false
	}
	packet := csc.Encode(m.measurementLocked())
	m.lastPacket = packet
	in := m.inbound
	m.mu.Unlock()

	if in == nil {
		return false
	}
	in.OnNotification(m.Handle(), packet)
	return true
}

// ResendLast sends the previous packet again, as a sensor does while the wheel is still
func (m *MockTransport) ResendLast() error {
	m.mu.RLock()
	packet := m.lastPacket
	ready := m.connected && m.notifying
	in := m.inbound
	m.mu.RUnlock()

	if !ready {
		return ErrNotConnected
	}
	if packet == nil {
		return errors.New("no packet sent yet")
	}
	if in != nil {
		in.OnNotification(m.Handle(), packet)
	}
	return nil
}

func (m *MockTransport) measurementLocked() csc.Measurement {
	return csc.Measurement{
		HasWheelData:               true,
		CumulativeWheelRevolutions: uint32(uint64(m.config.StartWheelRevolutions) + m.wheel.whole()),
		LastWheelEventTime:         m.wheel.eventTime,
		HasCrankData:               true,
		CumulativeCrankRevolutions: uint16(uint64(m.config.StartCrankRevolutions) + m.crank.whole()),
		LastCrankEventTime:         m.crank.eventTime,
	}
}

// State returns a snapshot of the simulated sensor
func (m *MockTransport) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meas := m.measurementLocked()
	return State{
		Address:          m.config.Address,
		LocalName:        m.config.LocalName,
		Connected:        m.connected,
		Notifying:        m.notifying,
		SpeedKmh:         m.speedKmh,
		CadenceRPM:       m.cadenceRPM,
		WheelRevolutions: meas.CumulativeWheelRevolutions,
		WheelEventTime:   meas.LastWheelEventTime,
		CrankRevolutions: meas.CumulativeCrankRevolutions,
		CrankEventTime:   meas.LastCrankEventTime,
	}
}
