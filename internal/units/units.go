// Package units converts the raw deltas a Session emits into display values.
package units

import (
	"sync"
	"time"

	"github.com/lowaak/csc-sensor/internal/session"
)

const (
	mmPerKm        = 1_000_000.0
	secondsPerHour = 3600.0
	secondsPerMin  = 60.0
)

// DefaultStaleAfter is how long a reading is shown without a fresh update.
// Sensors repeat the last event time while the wheel or crank is still, so
// no update arrives at all when the rider stops.
const DefaultStaleAfter = 3 * time.Second

// SpeedKmh converts a distance in millimetres over elapsed seconds to km/h.
// Returns 0 for a non-positive elapsed time.
func SpeedKmh(distanceMM uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	return float64(distanceMM) / mmPerKm / (elapsedSeconds / secondsPerHour)
}

// CadenceRPM converts crank rotations over elapsed seconds to revolutions per minute.
// Returns 0 for a non-positive elapsed time.
func CadenceRPM(rotations uint16, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	return float64(rotations) * secondsPerMin / elapsedSeconds
}

// Snapshot is what a display shows at one instant
type Snapshot struct {
	State      session.ConnectionState
	SpeedKmh   float64
	CadenceRPM float64
	DistanceM  float64
	HasSpeed   bool
	HasCadence bool
}

// Readout folds session events into the latest display values.
// Readings older than staleAfter are reported as zero.
type Readout struct {
	mu          sync.RWMutex
	staleAfter  time.Duration
	now         func() time.Time
	state       session.ConnectionState
	speedKmh    float64
	speedAt     time.Time
	cadenceRPM  float64
	cadenceAt   time.Time
	distanceMM  uint64
	seenSpeed   bool
	seenCadence bool
}

// NewReadout creates a Readout. staleAfter <= 0 uses DefaultStaleAfter.
func NewReadout(staleAfter time.Duration) *Readout {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Readout{
		staleAfter: staleAfter,
		now:        time.Now,
		state:      session.Disconnected,
	}
}

// Apply updates the readout with one event
func (r *Readout) Apply(event session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := event.(type) {
	case session.ConnectionStateChanged:
		r.state = e.State
		if e.State != session.Connected {
			r.speedKmh = 0
			r.cadenceRPM = 0
		}
	case session.SpeedUpdate:
		r.speedKmh = SpeedKmh(e.DistanceMM, e.ElapsedSeconds)
		r.speedAt = r.now()
		r.distanceMM += e.DistanceMM
		r.seenSpeed = true
	case session.CadenceUpdate:
		r.cadenceRPM = CadenceRPM(e.Rotations, e.ElapsedSeconds)
		r.cadenceAt = r.now()
		r.seenCadence = true
	}
}

// Snapshot returns the current display values
func (r *Readout) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	snap := Snapshot{
		State:      r.state,
		DistanceM:  float64(r.distanceMM) / 1000.0,
		HasSpeed:   r.seenSpeed,
		HasCadence: r.seenCadence,
	}
	if now.Sub(r.speedAt) <= r.staleAfter {
		snap.SpeedKmh = r.speedKmh
	}
	if now.Sub(r.cadenceAt) <= r.staleAfter {
		snap.CadenceRPM = r.cadenceRPM
	}
	return snap
}
