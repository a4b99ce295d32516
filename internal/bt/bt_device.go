package bt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lowaak/csc-sensor/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type DeviceState int

const (
	Disconnected DeviceState = iota // 0
	Connecting                      // 1
	Connected                       // 2
)

func (s DeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		// This shouldn't happen...
		return "Unknown"
	}
}

var errNotConnected = errors.New("no connected device")

// btDevice is one peripheral seen by the adapter, with its GATT discovery cache
type btDevice struct {
	address      bluetooth.Address
	logger       *slog.Logger
	mu           sync.RWMutex
	bleMu        sync.Mutex // Serializes BLE characteristic operations (notifications, reads)
	localName    string
	rssi         int16
	scanLastSeen time.Time
	state        DeviceState

	connectedDevice *bluetooth.Device // will be nil if not connected
	// established is set once the Session has been told about this connection
	established bool
	// disconnectRequested distinguishes our own disconnects from link loss
	disconnectRequested bool
	// pump delivers measurement notifications while they are enabled
	pump *notificationPump

	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool] // tracks which services have had all characteristics discovered
	allServicesDiscovered  bool
}

func newBtDevice(logger *slog.Logger, address bluetooth.Address) *btDevice {
	if logger == nil {
		panic("logger must be non nil")
	}
	return &btDevice{
		address:                address,
		logger:                 logger.With("address", address.String()),
		localName:              "Unknown",
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDevice) addressString() string {
	return b.address.String()
}

func (b *btDevice) setScanResult(result bluetooth.ScanResult, seen time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name := result.LocalName(); name != "" {
		b.localName = name
	}
	b.rssi = result.RSSI
	b.scanLastSeen = seen
}

func (b *btDevice) getLocalName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.localName
}

func (b *btDevice) getRSSI() int16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rssi
}

func (b *btDevice) getState() DeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDevice) getScanLastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanLastSeen
}

// markConnecting resets the per-connection flags before a connect request
func (b *btDevice) markConnecting() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Connecting
	b.established = false
	b.disconnectRequested = false
}

// markConnected records the connected device. Returns true only the first time
// for this connection, so the Session is told exactly once.
func (b *btDevice) markConnected(device bluetooth.Device) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := device
	b.connectedDevice = &d
	b.state = Connected
	if b.established {
		return false
	}
	b.established = true
	return true
}

// markDisconnected clears the connection and the GATT cache.
// Returns whether the link was lost rather than closed by us.
func (b *btDevice) markDisconnected() (lost bool) {
	b.mu.Lock()
	lost = b.established && !b.disconnectRequested
	b.connectedDevice = nil
	b.state = Disconnected
	b.established = false
	b.disconnectRequested = false
	b.allServicesDiscovered = false
	pump := b.pump
	b.pump = nil
	b.mu.Unlock()

	if pump != nil {
		pump.stop()
	}

	// Handles are only valid for one connection
	b.serviceByUuid.Clear()
	b.characteristicByUuid.Clear()
	b.serviceCharsDiscovered.Clear()
	return lost
}

// swapPump installs p (nil to clear) and stops the previous pump
func (b *btDevice) swapPump(p *notificationPump) {
	b.mu.Lock()
	old := b.pump
	b.pump = p
	b.mu.Unlock()
	if old != nil {
		old.stop()
	}
}

// beginDisconnect flags the coming disconnect as ours and returns the device to close
func (b *btDevice) beginDisconnect() *bluetooth.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnectRequested = true
	return b.connectedDevice
}

func (b *btDevice) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

func (b *btDevice) enableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string,
	callbackFunc func(buf []byte)) error {

	// Serialize BLE operations to avoid race conditions
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.getDeviceCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		b.logger.Warn("BTDevice: Failed to get characteristic", "error", err)
		return err
	}

	// A nil callback disables notifications
	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to set notifications on %s: %w", characteristicUuidStr, err)
	}

	b.logger.Info("BTDevice: Notifications updated", "characteristic", characteristicUuidStr, "enabled", callbackFunc != nil)
	return nil
}

func (b *btDevice) readCharacteristic(
	serviceUuidStr string,
	characteristicUuidStr string) ([]byte, error) {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.getDeviceCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic: %w", err)
	}

	return buf[:n], nil
}

func (b *btDevice) getDeviceService(serviceUuidStr string) (*bluetooth.DeviceService, error) {
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, errNotConnected
	}

	service, ok := b.serviceByUuid.Load(serviceUuidStr)
	if ok {
		return service, nil
	}

	// Discover all services at once: discovering single services repeatedly
	// interrupts notifications already running on an earlier one
	b.mu.RLock()
	discovered := b.allServicesDiscovered
	b.mu.RUnlock()
	if !discovered {
		b.logger.Debug("BTDevice: Discovering all services for device")
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}

		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
		}

		b.mu.Lock()
		b.allServicesDiscovered = true
		b.mu.Unlock()
	}

	service, ok = b.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
	}
	return service, nil
}

func (b *btDevice) getDeviceCharacteristic(serviceUuidStr string, charUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	comboUuidStr := fmt.Sprintf("%s_%s", serviceUuidStr, charUuidStr)

	characteristic, ok := b.characteristicByUuid.Load(comboUuidStr)
	if ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := b.getDeviceService(serviceUuidStr)
		if err != nil {
			return nil, err
		}

		b.logger.Debug("BTDevice: Discovering all characteristics", "service", serviceUuidStr)
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}

		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			charKey := fmt.Sprintf("%s_%s", serviceUuidStr, char.UUID().String())
			b.characteristicByUuid.Store(charKey, char)
		}

		b.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok = b.characteristicByUuid.Load(comboUuidStr)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuidStr, serviceUuidStr)
	}
	return characteristic, nil
}
