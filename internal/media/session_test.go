package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/stretchr/testify/require"
	"github.com/vibehub/room-server/internal/signaling"
	"github.com/vibehub/room-server/pkg/protocol"
)

type fakeDevice struct {
	mu     sync.Mutex
	kind   CaptureKind
	id     string
	muted  bool
	closed bool
}

func (d *fakeDevice) Kind() CaptureKind { return d.kind }
func (d *fakeDevice) TrackID() string   { return d.id }

func (d *fakeDevice) SetMuted(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
}

func (d *fakeDevice) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeProvider struct {
	mu      sync.Mutex
	denied  map[CaptureKind]bool
	devices []*fakeDevice
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{denied: make(map[CaptureKind]bool)}
}

func (p *fakeProvider) deny(kind CaptureKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied[kind] = true
}

func (p *fakeProvider) Acquire(kind CaptureKind) (CaptureDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied[kind] {
		return nil, fmt.Errorf("%w: %s denied", protocol.ErrMediaAcquisitionFailed, kind)
	}
	device := &fakeDevice{kind: kind, id: fmt.Sprintf("%s-%d", kind, len(p.devices))}
	p.devices = append(p.devices, device)
	return device, nil
}

type fakeTransport struct {
	mu           sync.Mutex
	tracks       map[CaptureKind]string
	offersOut    int
	offersIn     int
	failOffers   bool
	closed       bool
	onCandidate  func(json.RawMessage)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{tracks: make(map[CaptureKind]string)}
}

func (t *fakeTransport) CreateOffer() (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failOffers {
		return nil, errors.New("sdp generation broken")
	}
	t.offersOut++
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (t *fakeTransport) HandleOffer(json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offersIn++
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (t *fakeTransport) HandleAnswer(json.RawMessage) error   { return nil }
func (t *fakeTransport) AddICECandidate(json.RawMessage) error { return nil }

func (t *fakeTransport) OnICECandidate(fn func(json.RawMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *fakeTransport) EnsureTrack(kind CaptureKind, trackID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks[kind] = trackID
	return nil
}

func (t *fakeTransport) DropTrack(kind CaptureKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracks, kind)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) hasTrack(kind CaptureKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exist := t.tracks[kind]
	return exist
}

func (t *fakeTransport) inboundOffers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offersIn
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	failOffers bool
	built      []*fakeTransport
}

func (f *fakeFactory) NewPeerTransport() (PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transport := newFakeTransport()
	transport.failOffers = f.failOffers
	f.built = append(f.built, transport)
	return transport, nil
}

func (f *fakeFactory) transports() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.built...)
}

type fixture struct {
	signals  *signaling.Channel
	provider *fakeProvider
	factory  *fakeFactory
	logger   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := workerpool.New(8)
	t.Cleanup(pool.StopWait)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		signals: signaling.NewChannel(signaling.NewChannel_Params{
			Pool:   pool,
			Logger: logger,
		}),
		provider: newFakeProvider(),
		factory:  &fakeFactory{},
		logger:   logger,
	}
}

func (f *fixture) manager(userID protocol.UserID, hooks Hooks) *Manager {
	return NewManager(ManagerParams{
		RoomID:   "r1",
		UserID:   userID,
		Provider: f.provider,
		Factory:  f.factory,
		Signals:  f.signals,
		Retries:  3,
		Backoff:  time.Millisecond,
		Hooks:    hooks,
		Logger:   f.logger,
	})
}

func TestManager_FirstJoinerStaysIdle(t *testing.T) {
	f := newFixture(t)
	m := f.manager("a", Hooks{})
	defer m.Teardown()

	require.NoError(t, m.StartLocalMedia(CaptureAudio))
	require.Equal(t, StateIdle, m.State())
	require.True(t, m.HasDevice(CaptureAudio))
	require.Empty(t, m.Peers())
}

func TestManager_PairwiseHandshake(t *testing.T) {
	f := newFixture(t)

	connected := make(chan protocol.UserID, 1)
	a := f.manager("a", Hooks{OnPeerConnected: func(peer protocol.UserID) {
		select {
		case connected <- peer:
		default:
		}
	}})
	defer a.Teardown()
	b := f.manager("b", Hooks{})
	defer b.Teardown()

	require.NoError(t, a.StartLocalMedia(CaptureAudio))
	require.NoError(t, b.StartLocalMedia(CaptureAudio))
	require.NoError(t, a.Connect("b"))

	select {
	case peer := <-connected:
		require.Equal(t, protocol.UserID("b"), peer)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}

	require.Equal(t, StateConnected, a.State())
	require.Eventually(t, func() bool {
		return b.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []protocol.UserID{"a"}, b.Peers())
}

func TestManager_AcquisitionFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	f.provider.deny(CaptureVideo)

	m := f.manager("a", Hooks{})
	defer m.Teardown()

	require.NoError(t, m.StartLocalMedia(CaptureAudio))
	err := m.StartLocalMedia(CaptureVideo)
	require.ErrorIs(t, err, protocol.ErrMediaAcquisitionFailed)

	// The audio leg is untouched and the session stays usable.
	require.True(t, m.HasDevice(CaptureAudio))
	require.False(t, m.HasDevice(CaptureVideo))
	require.Equal(t, StateIdle, m.State())

	require.ErrorIs(t, m.EnableVideo(), protocol.ErrMediaAcquisitionFailed)
}

func TestManager_EnableVideoRenegotiatesWithoutAudioInterruption(t *testing.T) {
	f := newFixture(t)

	a := f.manager("a", Hooks{})
	defer a.Teardown()
	b := f.manager("b", Hooks{})
	defer b.Teardown()

	require.NoError(t, a.StartLocalMedia(CaptureAudio))
	require.NoError(t, a.Connect("b"))

	// Wait for the initial offer/answer to land on b.
	require.Eventually(t, func() bool {
		for _, tr := range f.factory.transports() {
			if tr.inboundOffers() == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.EnableVideo())

	// b sees a second offer: the renegotiation cycle.
	require.Eventually(t, func() bool {
		for _, tr := range f.factory.transports() {
			if tr.inboundOffers() == 2 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// a's transport carries both tracks; the audio device was never
	// released while video came up.
	aTransport := f.factory.transports()[0]
	require.True(t, aTransport.hasTrack(CaptureAudio))
	require.True(t, aTransport.hasTrack(CaptureVideo))
	require.False(t, f.provider.devices[0].isClosed())

	require.NoError(t, a.DisableVideo())
	require.False(t, a.HasDevice(CaptureVideo))
	require.Eventually(t, func() bool {
		return !aTransport.hasTrack(CaptureVideo)
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, aTransport.hasTrack(CaptureAudio))
}

func TestManager_MuteIsLocalOnly(t *testing.T) {
	f := newFixture(t)

	m := f.manager("a", Hooks{})
	defer m.Teardown()
	require.NoError(t, m.StartLocalMedia(CaptureAudio))

	m.SetMuted(true)
	require.True(t, m.Muted())
	m.SetMuted(false)
	require.False(t, m.Muted())

	// No transport existed, so muting cannot have signaled anything.
	require.Empty(t, f.factory.transports())
}

func TestManager_BoundedNegotiationRetries(t *testing.T) {
	f := newFixture(t)
	f.factory.failOffers = true

	failed := make(chan error, 1)
	a := f.manager("a", Hooks{OnPeerFailed: func(_ protocol.UserID, err error) {
		select {
		case failed <- err:
		default:
		}
	}})
	defer a.Teardown()
	b := f.manager("b", Hooks{})
	defer b.Teardown()

	require.NoError(t, a.Connect("b"))

	select {
	case err := <-failed:
		require.ErrorIs(t, err, protocol.ErrNegotiationFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("negotiation failure never surfaced")
	}

	require.Empty(t, a.Peers())
	require.Equal(t, StateIdle, a.State())
}

func TestManager_ConnectToAbsentPeer(t *testing.T) {
	f := newFixture(t)

	failed := make(chan error, 1)
	a := f.manager("a", Hooks{OnPeerFailed: func(_ protocol.UserID, err error) {
		select {
		case failed <- err:
		default:
		}
	}})
	defer a.Teardown()

	require.NoError(t, a.Connect("ghost"))

	select {
	case err := <-failed:
		require.ErrorIs(t, err, protocol.ErrPeerUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("absent peer never reported")
	}
	require.Empty(t, a.Peers())
}

func TestManager_TeardownIsTotalAndIdempotent(t *testing.T) {
	f := newFixture(t)

	a := f.manager("a", Hooks{})
	b := f.manager("b", Hooks{})
	defer b.Teardown()

	require.NoError(t, a.StartLocalMedia(CaptureAudio))
	require.NoError(t, a.Connect("b"))

	require.Eventually(t, func() bool {
		return a.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Teardown())
	require.Equal(t, StateClosed, a.State())

	// Every device and every transport a owned is released.
	for _, device := range f.provider.devices {
		require.True(t, device.isClosed())
	}
	require.True(t, f.factory.transports()[0].isClosed())

	// The signaling subscription is gone too.
	err := f.signals.Send(protocol.SignalingMessage{
		Kind: protocol.SignalOffer, RoomID: "r1", From: "b", To: "a", Seq: 99,
	})
	require.ErrorIs(t, err, protocol.ErrPeerUnavailable)

	require.NoError(t, a.Teardown())

	require.ErrorIs(t, a.StartLocalMedia(CaptureAudio), protocol.ErrSessionClosed)
}
