package session

import "fmt"

// Handle identifies one sensor on the transport (the BLE address string for real devices)
type Handle string

// ConnectionState of a Session
type ConnectionState int

const (
	Disconnected ConnectionState = iota // 0
	Connecting                          // 1
	Connected                           // 2
	Error                               // 3
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Capabilities reported by the transport once per connection
type Capabilities struct {
	HasSpeed   bool
	HasCadence bool
}

// Transport is the outbound side of the BLE layer, bound to the Session's one device handle.
// RequestConnect only initiates the connection; the outcome is reported through Inbound.
type Transport interface {
	RequestConnect(handle Handle) error
	RequestDisconnect(handle Handle) error
	SetNotificationsEnabled(handle Handle, enabled bool) error
	QueryCapabilities(handle Handle) (Capabilities, error)
}

// Inbound is the set of transport callbacks a Session subscribes to
type Inbound interface {
	OnDeviceDiscovered(handle Handle)
	OnConnectionEstablished(handle Handle)
	OnConnectionFailed(handle Handle, err error)
	OnNotification(handle Handle, raw []byte) []Event
}

// Event is one of ConnectionStateChanged, SpeedUpdate or CadenceUpdate
type Event interface {
	isEvent()
}

// ConnectionStateChanged is emitted on every state transition
type ConnectionStateChanged struct {
	Handle Handle
	State  ConnectionState
	// Err is set when State is Error
	Err error
}

// SpeedUpdate carries the wheel distance covered between two notifications.
// Consumers derive display units from the two raw quantities.
type SpeedUpdate struct {
	Handle         Handle
	Revolutions    uint32
	DistanceMM     uint64
	ElapsedSeconds float64
}

// CadenceUpdate carries the crank rotations between two notifications
type CadenceUpdate struct {
	Handle         Handle
	Rotations      uint16
	ElapsedSeconds float64
}

func (ConnectionStateChanged) isEvent() {}
func (SpeedUpdate) isEvent()            {}
func (CadenceUpdate) isEvent()          {}

// Observer receives domain events in the order they were produced.
// OnEvent is called with the Session lock held and must not block.
type Observer interface {
	OnEvent(event Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(event Event)

func (f ObserverFunc) OnEvent(event Event) {
	f(event)
}
