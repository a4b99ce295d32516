// Package telemetry publishes session events to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/lowaak/csc-sensor/internal/go_func_utils"
	"github.com/lowaak/csc-sensor/internal/session"
	"github.com/lowaak/csc-sensor/internal/units"
)

const (
	qos            = byte(1)
	publishTimeout = 5 * time.Second
)

// Options configures the broker connection
type Options struct {
	Broker      string
	Port        int
	ClientID    string // csc-sensor-<uuid> when empty
	TopicPrefix string
}

// SpeedPayload is published to <prefix>/<handle>/speed
type SpeedPayload struct {
	Handle      string    `json:"handle"`
	Timestamp   time.Time `json:"timestamp"`
	SpeedKmh    float64   `json:"speed_kmh"`
	Revolutions uint32    `json:"revolutions"`
	DistanceMM  uint64    `json:"distance_mm"`
	ElapsedS    float64   `json:"elapsed_s"`
}

// CadencePayload is published to <prefix>/<handle>/cadence
type CadencePayload struct {
	Handle     string    `json:"handle"`
	Timestamp  time.Time `json:"timestamp"`
	CadenceRPM float64   `json:"cadence_rpm"`
	Rotations  uint16    `json:"rotations"`
	ElapsedS   float64   `json:"elapsed_s"`
}

// StatePayload is published retained to <prefix>/<handle>/state
type StatePayload struct {
	Handle    string    `json:"handle"`
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
}

// Message is one encoded publication
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Encode turns an event into its MQTT message
func Encode(prefix string, event session.Event, now time.Time) (Message, error) {
	var (
		handle   session.Handle
		kind     string
		payload  any
		retained bool
	)
	switch e := event.(type) {
	case session.SpeedUpdate:
		handle, kind = e.Handle, "speed"
		payload = SpeedPayload{
			Handle:      string(e.Handle),
			Timestamp:   now,
			SpeedKmh:    units.SpeedKmh(e.DistanceMM, e.ElapsedSeconds),
			Revolutions: e.Revolutions,
			DistanceMM:  e.DistanceMM,
			ElapsedS:    e.ElapsedSeconds,
		}
	case session.CadenceUpdate:
		handle, kind = e.Handle, "cadence"
		payload = CadencePayload{
			Handle:     string(e.Handle),
			Timestamp:  now,
			CadenceRPM: units.CadenceRPM(e.Rotations, e.ElapsedSeconds),
			Rotations:  e.Rotations,
			ElapsedS:   e.ElapsedSeconds,
		}
	case session.ConnectionStateChanged:
		handle, kind, retained = e.Handle, "state", true
		p := StatePayload{Handle: string(e.Handle), Timestamp: now, State: e.State.String()}
		if e.Err != nil {
			p.Error = e.Err.Error()
		}
		payload = p
	default:
		return Message{}, fmt.Errorf("unsupported event %T", event)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Message{
		Topic:    Topic(prefix, handle, kind),
		Payload:  raw,
		Retained: retained,
	}, nil
}

// Topic builds <prefix>/<handle>/<kind>
func Topic(prefix string, handle session.Handle, kind string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, handle, kind)
}

// Publisher forwards events to the broker. OnEvent never blocks on the network.
type Publisher struct {
	client mqtt.Client
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	connected bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPublisher creates an unconnected publisher with auto-reconnect
func NewPublisher(opts Options, logger *slog.Logger) *Publisher {
	if logger == nil {
		panic("Publisher: logger cannot be nil")
	}
	if opts.ClientID == "" {
		opts.ClientID = "csc-sensor-" + uuid.NewString()
	}
	p := &Publisher{
		opts:   opts,
		logger: logger.With("component", "telemetry"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetCleanSession(true)

	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(5 * time.Second)
	clientOpts.SetMaxReconnectInterval(60 * time.Second)

	clientOpts.SetKeepAlive(30 * time.Second)
	clientOpts.SetPingTimeout(10 * time.Second)

	clientOpts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connected", "broker", opts.Broker, "port", opts.Port)
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = mqtt.NewClient(clientOpts)
	return p
}

// ClientID returns the MQTT client id in use
func (p *Publisher) ClientID() string {
	return p.opts.ClientID
}

func (p *Publisher) setConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

// IsConnected reports whether the broker connection is up
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Connect waits for the first broker connection, ctx or Disconnect
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("publisher stopped")
	default:
	}
	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			p.client.Disconnect(0)
			return ctx.Err()
		case <-p.stopCh:
			p.client.Disconnect(0)
			return fmt.Errorf("publisher stopped")
		default:
		}
	}
}

// OnEvent publishes event asynchronously. Events are dropped while disconnected.
func (p *Publisher) OnEvent(event session.Event) {
	msg, err := Encode(p.opts.TopicPrefix, event, p.now())
	if err != nil {
		p.logger.Warn("failed to encode event", "error", err)
		return
	}
	if !p.IsConnected() {
		p.logger.Debug("mqtt not connected, dropping message", "topic", msg.Topic)
		return
	}

	token := p.client.Publish(msg.Topic, qos, msg.Retained, msg.Payload)
	go_func_utils.SafeGo(p.logger, func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("mqtt publish timeout", "topic", msg.Topic)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", "topic", msg.Topic, "error", err)
		}
	})
}

// Disconnect closes the broker connection. Safe to call more than once.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.client.IsConnected() {
			p.client.Disconnect(250)
		}
		p.setConnected(false)
		p.logger.Info("mqtt disconnected")
	})
}
