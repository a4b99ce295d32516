package bt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lowaak/csc-sensor/internal/go_func_utils"
	"github.com/lowaak/csc-sensor/internal/sensor"
	"github.com/lowaak/csc-sensor/internal/session"

	"tinygo.org/x/bluetooth"
)

// Verify BTManager can serve a Session
var _ sensor.Link = (*BTManager)(nil)

var errLinkLost = errors.New("bluetooth link lost")

const defaultStaleTimeout = 10 * time.Second

// BTManager drives one Bluetooth adapter on behalf of a Session.
// Handles are the device address strings reported by the adapter.
type BTManager struct {
	adapter          *bluetooth.Adapter
	devicesByAddress map[string]*btDevice
	mu               sync.RWMutex
	scanning         bool
	staleTimeout     time.Duration
	inbound          session.Inbound
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	logger           *slog.Logger
}

// NewBTManager wraps adapter. Devices not seen for staleTimeout while scanning
// are forgotten unless connected.
func NewBTManager(adapter *bluetooth.Adapter, logger *slog.Logger, staleTimeout ...time.Duration) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	timeout := defaultStaleTimeout
	if len(staleTimeout) > 0 && staleTimeout[0] > 0 {
		timeout = staleTimeout[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:          adapter,
		devicesByAddress: make(map[string]*btDevice),
		staleTimeout:     timeout,
		ctx:              ctx,
		cancel:           cancel,
		logger:           logger,
	}
}

func (m *BTManager) getDevice(handle session.Handle) (*btDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devicesByAddress[string(handle)]
	return d, ok
}

func (m *BTManager) getOrCreateDevice(address bluetooth.Address) (*btDevice, bool) {
	addressStr := address.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.devicesByAddress[addressStr]
	if !ok {
		result = newBtDevice(m.logger, address)
		m.devicesByAddress[addressStr] = result
	}
	return result, !ok
}

func (m *BTManager) getInbound() session.Inbound {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inbound
}

// SetInbound registers the Session that receives connection and notification callbacks
func (m *BTManager) SetInbound(in session.Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = in
}

func (m *BTManager) Enable() error {
	// Connection changes are reported here for both our requests and link loss
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		handle := session.Handle(addressStr)
		d, _ := m.getOrCreateDevice(device.Address)

		if connected {
			m.logger.Info("BTManager: Device connected", "address", addressStr)
			if d.markConnected(device) {
				m.notifyInbound(func(in session.Inbound) { in.OnConnectionEstablished(handle) })
			}
			return
		}

		m.logger.Info("BTManager: Device disconnected", "address", addressStr)
		if d.markDisconnected() {
			m.logger.Warn("BTManager: Link lost", "address", addressStr)
			m.notifyInbound(func(in session.Inbound) { in.OnConnectionFailed(handle, errLinkLost) })
		}
	})

	return m.adapter.Enable()
}

// notifyInbound calls the Session off the adapter's goroutine. The Session may
// be holding its lock inside a transport call that is waiting on the adapter.
func (m *BTManager) notifyInbound(fn func(in session.Inbound)) {
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

// Scan reports each device advertising the CSC service once, until ctx is done.
// Only one scan may run at a time.
func (m *BTManager) Scan(ctx context.Context, onDiscovered func(sensor.Discovery)) error {
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

	m.logger.Info("BTManager: Starting scan", "service", ServiceUUIDCyclingSpeedCadence)

	scanCtx, scanCancel := context.WithCancel(m.ctx)
	defer scanCancel()

	// Stop the adapter when the caller gives up or the manager shuts down
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case <-scanCtx.Done():
			return
		}
		if err := m.adapter.StopScan(); err != nil {
			m.logger.Debug("BTManager: StopScan", "error", err)
		}
	})

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		m.cleanupStaleDevices(scanCtx)
	})

	reported := make(map[string]struct{})
	err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil || scanCtx.Err() != nil {
			// a StopScan issued before the scan started is lost, so repeat it
			_ = adapter.StopScan()
			return
		}
		if !advertisesCSC(result) {
			return
		}

		addressStr := result.Address.String()
		d, isNew := m.getOrCreateDevice(result.Address)
		d.setScanResult(result, time.Now())
		if isNew {
			m.logger.Info("BTManager: Found device", "name", d.getLocalName(), "address", addressStr, "rssi", result.RSSI)
		}

		if _, seen := reported[addressStr]; seen {
			return
		}
		reported[addressStr] = struct{}{}

		handle := session.Handle(addressStr)
		if onDiscovered != nil {
			onDiscovered(sensor.Discovery{Handle: handle, LocalName: d.getLocalName(), RSSI: d.getRSSI()})
		}
		if in := m.getInbound(); in != nil {
			in.OnDeviceDiscovered(handle)
		}
	})
	m.logger.Info("BTManager: Scan stopped")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

func advertisesCSC(result bluetooth.ScanResult) bool {
	for _, uuid := range result.ServiceUUIDs() {
		if uuid.String() == ServiceUUIDCyclingSpeedCadence {
			return true
		}
	}
	return false
}

func (m *BTManager) cleanupStaleDevices(ctx context.Context) {
	defer m.wg.Done()
	defer m.logger.Debug("BTManager: exiting cleanup stale devices loop")
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			var removed []string
			for address, d := range m.devicesByAddress {
				if d.getState() != Disconnected {
					continue
				}
				if now.Sub(d.getScanLastSeen()) > m.staleTimeout {
					delete(m.devicesByAddress, address)
					removed = append(removed, address)
				}
			}
			m.mu.Unlock()

			for _, address := range removed {
				m.logger.Debug("BTManager: Device timeout", "address", address, "not_seen_for", m.staleTimeout)
			}
		}
	}
}

// StopScan stops a running scan. Scan returns once the adapter has stopped.
func (m *BTManager) StopScan() error {
	if !m.IsScanning() {
		return nil
	}
	return m.adapter.StopScan()
}

// IsScanning returns whether a Scan call is in progress
func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// RequestConnect starts connecting to a previously scanned device.
// The outcome is reported to the inbound Session from another goroutine.
func (m *BTManager) RequestConnect(handle session.Handle) error {
	d, ok := m.getDevice(handle)
	if !ok {
		return fmt.Errorf("%w: %s", sensor.ErrUnknownDevice, handle)
	}
	m.logger.Info("BTManager: Attempting to connect to device", "address", d.addressString())
	d.markConnecting()

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()

		// Use default connection parameters
		device, err := m.adapter.Connect(d.address, bluetooth.ConnectionParams{})
		if err != nil {
			m.logger.Warn("BTManager: Connection error", "address", d.addressString(), "error", err)
			d.markDisconnected()
			if in := m.getInbound(); in != nil {
				in.OnConnectionFailed(handle, err)
			}
			return
		}

		// The connect handler may have reported it already
		if d.markConnected(device) {
			if in := m.getInbound(); in != nil {
				in.OnConnectionEstablished(handle)
			}
		}
	})
	return nil
}

// RequestDisconnect closes the link to handle. Disconnecting a device that is
// not connected is not an error.
func (m *BTManager) RequestDisconnect(handle session.Handle) error {
	d, ok := m.getDevice(handle)
	if !ok {
		return fmt.Errorf("%w: %s", sensor.ErrUnknownDevice, handle)
	}
	m.logger.Info("BTManager: Attempting to disconnect from device", "address", d.addressString())

	innerDevice := d.beginDisconnect()
	if innerDevice == nil {
		m.logger.Debug("BTManager: Device not connected", "address", d.addressString())
		return nil
	}
	err := innerDevice.Disconnect()
	d.markDisconnected()
	return err
}

// SetNotificationsEnabled subscribes to or unsubscribes from the CSC Measurement characteristic.
// Payloads reach the Session in order from a per-device goroutine, so the adapter
// callback never waits on a Session that is calling back into the adapter.
func (m *BTManager) SetNotificationsEnabled(handle session.Handle, enabled bool) error {
	d, ok := m.getDevice(handle)
	if !ok {
		return fmt.Errorf("%w: %s", sensor.ErrUnknownDevice, handle)
	}
	if !enabled {
		d.swapPump(nil)
		return d.enableNotifications(ServiceUUIDCyclingSpeedCadence, CharUUIDCSCMeasurement, nil)
	}

	pump := startNotificationPump(m.ctx, &m.wg, d.logger, func(payload []byte) {
		if in := m.getInbound(); in != nil {
			in.OnNotification(handle, payload)
		}
	})
	err := d.enableNotifications(ServiceUUIDCyclingSpeedCadence, CharUUIDCSCMeasurement, func(buf []byte) {
		// The adapter reuses buf after the callback returns
		pump.push(bytes.Clone(buf))
	})
	if err != nil {
		pump.stop()
		return err
	}
	d.swapPump(pump)
	return nil
}

// QueryCapabilities reads the CSC Feature characteristic.
// A sensor without a readable feature characteristic is assumed to report both.
func (m *BTManager) QueryCapabilities(handle session.Handle) (session.Capabilities, error) {
	d, ok := m.getDevice(handle)
	if !ok {
		return session.Capabilities{}, fmt.Errorf("%w: %s", sensor.ErrUnknownDevice, handle)
	}
	buf, err := d.readCharacteristic(ServiceUUIDCyclingSpeedCadence, CharUUIDCSCFeature)
	if errors.Is(err, errNotConnected) {
		return session.Capabilities{}, err
	}
	if err != nil {
		m.logger.Warn("BTManager: CSC Feature unreadable, assuming speed and cadence", "address", d.addressString(), "error", err)
		return session.Capabilities{HasSpeed: true, HasCadence: true}, nil
	}
	return parseCSCFeature(buf), nil
}

// parseCSCFeature decodes the CSC Feature bitfield. An empty value reports both.
func parseCSCFeature(buf []byte) session.Capabilities {
	if len(buf) == 0 {
		return session.Capabilities{HasSpeed: true, HasCadence: true}
	}
	return session.Capabilities{
		HasSpeed:   buf[0]&cscFeatureWheelRevolutionData != 0,
		HasCadence: buf[0]&cscFeatureCrankRevolutionData != 0,
	}
}

func (m *BTManager) connectedDevices() []*btDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*btDevice, 0)
	for _, d := range m.devicesByAddress {
		if d.getConnectedDevice() != nil {
			result = append(result, d)
		}
	}
	return result
}

// Shutdown disconnects every device, stops scanning and waits for all goroutines
func (m *BTManager) Shutdown() {
	m.logger.Info("BTManager: Shutting down")
	for _, d := range m.connectedDevices() {
		if err := m.RequestDisconnect(session.Handle(d.addressString())); err != nil {
			m.logger.Warn("BTManager: Error disconnecting", "address", d.addressString(), "error", err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Warn("BTManager: Error stopping scan", "error", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("BTManager: Shutdown complete")
}
