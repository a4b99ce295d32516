package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/csc-sensor/internal/csc"
)

const (
	testHandle      Handle = "AA:BB:CC:DD:EE:FF"
	testCircumference      = 2105 // 700x25c
)

type fakeTransport struct {
	mu            sync.Mutex
	connectErr    error
	disconnectErr error
	notifyErr     error
	capsErr       error
	caps          Capabilities

	connects      []Handle
	disconnects   []Handle
	notifyChanges []bool
	capsQueries   int
}

func (f *fakeTransport) RequestConnect(handle Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, handle)
	return f.connectErr
}

func (f *fakeTransport) RequestDisconnect(handle Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, handle)
	return f.disconnectErr
}

func (f *fakeTransport) SetNotificationsEnabled(handle Handle, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyChanges = append(f.notifyChanges, enabled)
	return f.notifyErr
}

func (f *fakeTransport) QueryCapabilities(handle Handle) (Capabilities, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capsQueries++
	return f.caps, f.capsErr
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingObserver) OnEvent(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingObserver) take() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *recordingObserver) {
	t.Helper()
	transport := &fakeTransport{caps: Capabilities{HasSpeed: true, HasCadence: true}}
	observer := &recordingObserver{}
	s, err := New(testHandle, testCircumference, transport, observer, testLogger())
	require.NoError(t, err)
	return s, transport, observer
}

func connectedSession(t *testing.T) (*Session, *fakeTransport, *recordingObserver) {
	t.Helper()
	s, transport, observer := newTestSession(t)
	require.NoError(t, s.Connect())
	s.OnConnectionEstablished(testHandle)
	require.Equal(t, Connected, s.State())
	observer.take()
	return s, transport, observer
}

func wheel(revs uint32, ticks uint16) []byte {
	return csc.Encode(csc.Measurement{HasWheelData: true, CumulativeWheelRevolutions: revs, LastWheelEventTime: ticks})
}

func crank(revs uint16, ticks uint16) []byte {
	return csc.Encode(csc.Measurement{HasCrankData: true, CumulativeCrankRevolutions: revs, LastCrankEventTime: ticks})
}

func TestNew_RejectsZeroCircumference(t *testing.T) {
	_, err := New(testHandle, 0, &fakeTransport{}, &recordingObserver{}, testLogger())
	assert.ErrorIs(t, err, ErrInvalidWheelCircumference)
}

func TestNew_PanicsOnNilDependencies(t *testing.T) {
	assert.Panics(t, func() { _, _ = New(testHandle, 1, nil, &recordingObserver{}, testLogger()) })
	assert.Panics(t, func() { _, _ = New(testHandle, 1, &fakeTransport{}, nil, testLogger()) })
	assert.Panics(t, func() { _, _ = New(testHandle, 1, &fakeTransport{}, &recordingObserver{}, nil) })
}

func TestConnect_Success(t *testing.T) {
	s, transport, observer := newTestSession(t)
	assert.Equal(t, Disconnected, s.State())

	require.NoError(t, s.Connect())
	assert.Equal(t, Connecting, s.State())
	assert.Equal(t, []Handle{testHandle}, transport.connects)

	s.OnConnectionEstablished(testHandle)
	assert.Equal(t, Connected, s.State())
	assert.True(t, s.NotificationsEnabled())
	assert.Equal(t, Capabilities{HasSpeed: true, HasCadence: true}, s.Capabilities())
	assert.Equal(t, 1, transport.capsQueries)
	assert.Equal(t, []bool{true}, transport.notifyChanges)

	assert.Equal(t, []Event{
		ConnectionStateChanged{Handle: testHandle, State: Connecting},
		ConnectionStateChanged{Handle: testHandle, State: Connected},
	}, observer.take())
}

func TestConnect_TransportRejectsRequest(t *testing.T) {
	s, transport, observer := newTestSession(t)
	transport.connectErr = errors.New("adapter off")

	require.NoError(t, s.Connect())
	assert.Equal(t, Error, s.State())
	assert.ErrorIs(t, s.Err(), ErrConnectionFailed)

	events := observer.take()
	require.Len(t, events, 2)
	changed, ok := events[1].(ConnectionStateChanged)
	require.True(t, ok)
	assert.Equal(t, Error, changed.State)
	assert.ErrorIs(t, changed.Err, ErrConnectionFailed)
}

func TestConnect_TransportReportsFailure(t *testing.T) {
	s, transport, observer := newTestSession(t)
	require.NoError(t, s.Connect())
	observer.take()

	s.OnConnectionFailed(testHandle, errors.New("timeout"))
	assert.Equal(t, Error, s.State())
	assert.Equal(t, 0, transport.capsQueries)
	assert.False(t, s.NotificationsEnabled())
	assert.Equal(t, []Event{
		ConnectionStateChanged{Handle: testHandle, State: Error, Err: s.Err()},
	}, observer.take())
}

func TestConnect_InvalidStates(t *testing.T) {
	s, _, _ := connectedSession(t)

	err := s.Connect()
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, Connected, transitionErr.From)
	assert.Equal(t, Connected, s.State())

	s2, _, _ := newTestSession(t)
	require.NoError(t, s2.Connect())
	assert.ErrorIs(t, s2.Connect(), ErrInvalidStateTransition)
	assert.Equal(t, Connecting, s2.State())
}

func TestConnect_AfterErrorRequiresNewSession(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Connect())
	s.OnConnectionFailed(testHandle, nil)
	require.Equal(t, Error, s.State())
	assert.ErrorIs(t, s.Connect(), ErrInvalidStateTransition)

	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())

	err := s.Connect()
	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.True(t, transitionErr.Failed)
	assert.Equal(t, Disconnected, s.State())
}

func TestConnect_CapabilityQueryFailure(t *testing.T) {
	s, transport, _ := newTestSession(t)
	transport.capsErr = errors.New("gatt read failed")
	require.NoError(t, s.Connect())
	s.OnConnectionEstablished(testHandle)
	assert.Equal(t, Error, s.State())
	assert.Empty(t, transport.notifyChanges)
	// The link came up, so it is released right away
	assert.Equal(t, []Handle{testHandle}, transport.disconnects)
}

func TestConnect_EnableNotificationsFailure(t *testing.T) {
	s, transport, _ := newTestSession(t)
	transport.notifyErr = errors.New("cccd write failed")
	require.NoError(t, s.Connect())
	s.OnConnectionEstablished(testHandle)
	assert.Equal(t, Error, s.State())
	assert.False(t, s.NotificationsEnabled())
	assert.Equal(t, []Handle{testHandle}, transport.disconnects)
}

func TestSetupFailure_LinkReleasedOnce(t *testing.T) {
	s, transport, _ := newTestSession(t)
	transport.capsErr = errors.New("gatt read failed")
	transport.disconnectErr = errors.New("already gone")
	require.NoError(t, s.Connect())
	s.OnConnectionEstablished(testHandle)
	require.Equal(t, Error, s.State())

	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, []Handle{testHandle}, transport.disconnects)

	var transitionErr *TransitionError
	require.ErrorAs(t, s.Connect(), &transitionErr)
	assert.True(t, transitionErr.Failed)
}

func TestConnectionEvents_OtherHandleIgnored(t *testing.T) {
	s, _, observer := newTestSession(t)
	require.NoError(t, s.Connect())
	observer.take()

	s.OnConnectionEstablished("11:22:33:44:55:66")
	s.OnConnectionFailed("11:22:33:44:55:66", errors.New("x"))
	assert.Equal(t, Connecting, s.State())
	assert.Empty(t, observer.take())
}

func TestLateConnectionAfterDisconnectIsReleased(t *testing.T) {
	s, transport, observer := newTestSession(t)
	require.NoError(t, s.Connect())
	s.Disconnect()
	assert.Equal(t, []Handle{testHandle}, transport.disconnects)
	observer.take()

	s.OnConnectionEstablished(testHandle)
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.NotificationsEnabled())
	assert.Equal(t, 0, transport.capsQueries)
	assert.Equal(t, []Handle{testHandle, testHandle}, transport.disconnects)
	assert.Empty(t, observer.take())
}

func TestDisconnect_FromEveryState(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		s, transport, observer := newTestSession(t)
		s.Disconnect()
		assert.Equal(t, Disconnected, s.State())
		assert.Empty(t, transport.disconnects)
		assert.Empty(t, observer.take())
	})

	t.Run("connecting", func(t *testing.T) {
		s, transport, _ := newTestSession(t)
		require.NoError(t, s.Connect())
		s.Disconnect()
		assert.Equal(t, Disconnected, s.State())
		assert.Equal(t, []Handle{testHandle}, transport.disconnects)
	})

	t.Run("connected", func(t *testing.T) {
		s, transport, observer := connectedSession(t)
		s.OnNotification(testHandle, wheel(10, 100))
		_, ok := s.Previous()
		require.True(t, ok)

		s.Disconnect()
		assert.Equal(t, Disconnected, s.State())
		_, ok = s.Previous()
		assert.False(t, ok)
		assert.False(t, s.NotificationsEnabled())
		assert.Equal(t, []bool{true, false}, transport.notifyChanges)
		assert.Equal(t, []Handle{testHandle}, transport.disconnects)
		assert.Equal(t, []Event{ConnectionStateChanged{Handle: testHandle, State: Disconnected}}, observer.take())
	})

	t.Run("error", func(t *testing.T) {
		s, transport, _ := newTestSession(t)
		require.NoError(t, s.Connect())
		s.OnConnectionFailed(testHandle, errors.New("lost"))
		s.Disconnect()
		assert.Equal(t, Disconnected, s.State())
		// Nothing left to tear down on the transport
		assert.Empty(t, transport.disconnects)
	})
}

func TestDisconnect_Idempotent(t *testing.T) {
	s, transport, observer := connectedSession(t)

	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, Disconnected, s.State())
	assert.Len(t, transport.disconnects, 1)
	assert.Len(t, observer.take(), 1)
}

func TestDisconnect_TransportErrorsStillDisconnect(t *testing.T) {
	s, transport, _ := connectedSession(t)
	transport.notifyErr = errors.New("gone")
	transport.disconnectErr = errors.New("gone")

	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
}

func TestReconnectAfterDisconnectStartsFresh(t *testing.T) {
	s, _, observer := connectedSession(t)
	s.OnNotification(testHandle, wheel(100, 0))
	s.Disconnect()

	require.NoError(t, s.Connect())
	s.OnConnectionEstablished(testHandle)
	observer.take()

	// No baseline survived the disconnect: first notification only sets it
	assert.Empty(t, s.OnNotification(testHandle, wheel(110, 1024)))
	assert.Empty(t, observer.take())
}

func TestOnNotification_FirstIsBaseline(t *testing.T) {
	s, _, observer := connectedSession(t)

	events := s.OnNotification(testHandle, csc.Encode(csc.Measurement{
		HasWheelData: true, CumulativeWheelRevolutions: 1000, LastWheelEventTime: 0,
		HasCrankData: true, CumulativeCrankRevolutions: 50, LastCrankEventTime: 0,
	}))
	assert.Empty(t, events)
	assert.Empty(t, observer.take())

	prev, ok := s.Previous()
	require.True(t, ok)
	assert.Equal(t, uint32(1000), prev.CumulativeWheelRevolutions)
	assert.Equal(t, uint16(50), prev.CumulativeCrankRevolutions)
}

func TestOnNotification_SpeedSequence(t *testing.T) {
	s, _, observer := connectedSession(t)

	require.Empty(t, s.OnNotification(testHandle, wheel(1000, 0)))
	events := s.OnNotification(testHandle, wheel(1010, 512))

	require.Len(t, events, 1)
	speed, ok := events[0].(SpeedUpdate)
	require.True(t, ok)
	assert.Equal(t, uint32(10), speed.Revolutions)
	assert.Equal(t, uint64(10*testCircumference), speed.DistanceMM)
	assert.InDelta(t, 0.5, speed.ElapsedSeconds, 1e-9)
	assert.Equal(t, events, observer.take())
}

func TestOnNotification_WheelCounterWraps(t *testing.T) {
	s, _, _ := connectedSession(t)

	s.OnNotification(testHandle, wheel(0xFFFFFFFE, 0xFF00))
	events := s.OnNotification(testHandle, wheel(0x00000001, 0x0100))

	require.Len(t, events, 1)
	speed := events[0].(SpeedUpdate)
	assert.Equal(t, uint32(3), speed.Revolutions)
	assert.Equal(t, uint64(3*testCircumference), speed.DistanceMM)
	// 0xFF00 -> 0x0100 wraps to 512 ticks
	assert.InDelta(t, 0.5, speed.ElapsedSeconds, 1e-9)
}

func TestOnNotification_CadenceWraps(t *testing.T) {
	s, _, _ := connectedSession(t)

	s.OnNotification(testHandle, crank(0xFFFF, 0xFC00))
	events := s.OnNotification(testHandle, crank(1, 0x0000))

	require.Len(t, events, 1)
	cadence := events[0].(CadenceUpdate)
	assert.Equal(t, uint16(2), cadence.Rotations)
	assert.InDelta(t, 1.0, cadence.ElapsedSeconds, 1e-9)
}

func TestOnNotification_ZeroElapsedIsSkipped(t *testing.T) {
	s, _, observer := connectedSession(t)

	s.OnNotification(testHandle, csc.Encode(csc.Measurement{
		HasWheelData: true, CumulativeWheelRevolutions: 10, LastWheelEventTime: 2048,
		HasCrankData: true, CumulativeCrankRevolutions: 5, LastCrankEventTime: 1024,
	}))

	// Retransmission with the same event times
	dup := csc.Encode(csc.Measurement{
		HasWheelData: true, CumulativeWheelRevolutions: 12, LastWheelEventTime: 2048,
		HasCrankData: true, CumulativeCrankRevolutions: 6, LastCrankEventTime: 1024,
	})
	assert.Empty(t, s.OnNotification(testHandle, dup))
	assert.Empty(t, s.OnNotification(testHandle, dup))
	assert.Empty(t, observer.take())

	prev, _ := s.Previous()
	assert.Equal(t, uint32(10), prev.CumulativeWheelRevolutions)
	assert.Equal(t, uint16(5), prev.CumulativeCrankRevolutions)

	// The next real sample is measured against the untouched baseline
	events := s.OnNotification(testHandle, wheel(14, 3072))
	require.Len(t, events, 1)
	assert.Equal(t, uint32(4), events[0].(SpeedUpdate).Revolutions)
	assert.InDelta(t, 1.0, events[0].(SpeedUpdate).ElapsedSeconds, 1e-9)
}

func TestOnNotification_WheelAndCrankAreIndependent(t *testing.T) {
	s, _, _ := connectedSession(t)

	// Wheel baseline only
	assert.Empty(t, s.OnNotification(testHandle, wheel(100, 1024)))
	// Crank baseline only; wheel baseline must survive
	assert.Empty(t, s.OnNotification(testHandle, crank(20, 1024)))

	prev, _ := s.Previous()
	assert.True(t, prev.HasWheelData)
	assert.True(t, prev.HasCrankData)
	assert.Equal(t, uint32(100), prev.CumulativeWheelRevolutions)

	events := s.OnNotification(testHandle, csc.Encode(csc.Measurement{
		HasWheelData: true, CumulativeWheelRevolutions: 102, LastWheelEventTime: 2048,
		HasCrankData: true, CumulativeCrankRevolutions: 21, LastCrankEventTime: 1536,
	}))
	require.Len(t, events, 2)
	assert.Equal(t, uint32(2), events[0].(SpeedUpdate).Revolutions)
	assert.Equal(t, uint16(1), events[1].(CadenceUpdate).Rotations)
	assert.InDelta(t, 0.5, events[1].(CadenceUpdate).ElapsedSeconds, 1e-9)
}

func TestOnNotification_MalformedIsDropped(t *testing.T) {
	s, _, observer := connectedSession(t)
	s.OnNotification(testHandle, wheel(1, 1))

	assert.Empty(t, s.OnNotification(testHandle, nil))
	assert.Empty(t, s.OnNotification(testHandle, []byte{0x00}))
	assert.Empty(t, s.OnNotification(testHandle, []byte{0x01, 0x02}))
	assert.Empty(t, observer.take())
	assert.Equal(t, Connected, s.State())

	prev, _ := s.Previous()
	assert.Equal(t, uint32(1), prev.CumulativeWheelRevolutions)

	events := s.OnNotification(testHandle, wheel(3, 1025))
	require.Len(t, events, 1)
}

func TestOnNotification_IgnoredWhenNotConnected(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		s, _, observer := newTestSession(t)
		assert.Empty(t, s.OnNotification(testHandle, wheel(1, 1)))
		_, ok := s.Previous()
		assert.False(t, ok)
		assert.Empty(t, observer.take())
	})

	t.Run("connecting", func(t *testing.T) {
		s, _, observer := newTestSession(t)
		require.NoError(t, s.Connect())
		observer.take()
		assert.Empty(t, s.OnNotification(testHandle, wheel(1, 1)))
		_, ok := s.Previous()
		assert.False(t, ok)
		assert.Empty(t, observer.take())
	})

	t.Run("error", func(t *testing.T) {
		s, _, observer := connectedSession(t)
		s.OnConnectionFailed(testHandle, errors.New("lost"))
		observer.take()
		assert.Empty(t, s.OnNotification(testHandle, wheel(1, 1)))
		_, ok := s.Previous()
		assert.False(t, ok)
		assert.Empty(t, observer.take())
	})
}

func TestOnNotification_OtherHandleIgnored(t *testing.T) {
	s, _, _ := connectedSession(t)
	s.OnNotification("11:22:33:44:55:66", wheel(1, 1))
	_, ok := s.Previous()
	assert.False(t, ok)
}

func TestOnNotification_ConcurrentDeliveryIsSerialized(t *testing.T) {
	s, _, observer := connectedSession(t)
	s.OnNotification(testHandle, crank(0, 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every goroutine posts the same next sample: only one can produce an event
			s.OnNotification(testHandle, crank(1, 1024))
		}()
	}
	wg.Wait()

	assert.Len(t, observer.take(), 1)
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Error", Error.String())
	assert.Equal(t, "ConnectionState(9)", ConnectionState(9).String())
}
