package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/vibehub/room-server/internal/signaling"
	"github.com/vibehub/room-server/pkg/protocol"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateAcquiring     SessionState = "acquiring-local-media"
	StateNegotiating   SessionState = "negotiating"
	StateConnected     SessionState = "connected"
	StateRenegotiating SessionState = "renegotiating"
	StateClosed        SessionState = "closed"
)

// renegotiateDebounce coalesces camera-toggle bursts into one
// offer/answer cycle per peer.
const renegotiateDebounce = 50 * time.Millisecond

type Hooks struct {
	// OnPeerConnected fires when a pairwise negotiation completes.
	OnPeerConnected func(peer protocol.UserID)
	// OnPeerFailed fires when a pairwise session is abandoned; the rest
	// of the room is unaffected.
	OnPeerFailed func(peer protocol.UserID, err error)
}

// peerLink is this member's half of one pairwise media session.
type peerLink struct {
	userID      protocol.UserID
	transport   PeerTransport
	outSeq      atomic.Uint64
	renegotiate func(f func())
	closed      core.Fuse
}

// Manager drives one member's media lifecycle inside a room: local
// capture, full-mesh pairwise negotiation, track renegotiation on video
// toggles, and total teardown on leave.
type Manager struct {
	roomID protocol.RoomID
	userID protocol.UserID

	mu      sync.Mutex
	state   SessionState
	devices map[CaptureKind]CaptureDevice
	peers   map[protocol.UserID]*peerLink

	provider DeviceProvider
	factory  TransportFactory
	signals  *signaling.Channel
	sub      *signaling.Subscription

	retries int
	backoff time.Duration

	hooks  Hooks
	logger *slog.Logger
	closed core.Fuse
}

type ManagerParams struct {
	RoomID   protocol.RoomID
	UserID   protocol.UserID
	Provider DeviceProvider
	Factory  TransportFactory
	Signals  *signaling.Channel
	Retries  int
	Backoff  time.Duration
	Hooks    Hooks
	Logger   *slog.Logger
}

func NewManager(params ManagerParams) *Manager {
	m := &Manager{
		roomID:   params.RoomID,
		userID:   params.UserID,
		state:    StateIdle,
		devices:  make(map[CaptureKind]CaptureDevice),
		peers:    make(map[protocol.UserID]*peerLink),
		provider: params.Provider,
		factory:  params.Factory,
		signals:  params.Signals,
		retries:  params.Retries,
		backoff:  params.Backoff,
		hooks:    params.Hooks,
		logger:   params.Logger,
		closed:   core.NewFuse(),
	}
	m.sub = m.signals.Subscribe(m.roomID, m.userID)
	go m.readSignals()
	return m
}

func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) HasDevice(kind CaptureKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exist := m.devices[kind]
	return exist
}

func (m *Manager) Peers() []protocol.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]protocol.UserID, 0, len(m.peers))
	for peer := range m.peers {
		peers = append(peers, peer)
	}
	return peers
}

// StartLocalMedia acquires the requested capture device. Failure leaves
// any already-held device untouched: an audio-only member keeps
// functioning when the camera is denied.
func (m *Manager) StartLocalMedia(kind CaptureKind) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return protocol.ErrSessionClosed
	}
	if _, exist := m.devices[kind]; exist {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateIdle {
		m.state = StateAcquiring
	}
	m.mu.Unlock()

	// Device acquisition can block on hardware; nothing else is held up
	// while it runs.
	device, err := m.provider.Acquire(kind)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAcquiring {
		if len(m.peers) == 0 {
			m.state = StateIdle
		} else {
			m.state = StateConnected
		}
	}
	if err != nil {
		if !errors.Is(err, protocol.ErrMediaAcquisitionFailed) {
			err = fmt.Errorf("%w: %s", protocol.ErrMediaAcquisitionFailed, err)
		}
		return err
	}
	if m.state == StateClosed {
		device.Close()
		return protocol.ErrSessionClosed
	}
	m.devices[kind] = device
	return nil
}

// linkFor returns the pairwise link, creating the local half on demand —
// which is how the answering side of a new joiner's offer comes to life.
func (m *Manager) linkFor(peer protocol.UserID, create bool) (*peerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return nil, protocol.ErrSessionClosed
	}
	if link, exist := m.peers[peer]; exist {
		return link, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: no session with %s", protocol.ErrPeerUnavailable, peer)
	}

	transport, err := m.factory.NewPeerTransport()
	if err != nil {
		return nil, err
	}
	link := &peerLink{
		userID:      peer,
		transport:   transport,
		renegotiate: debounce.New(renegotiateDebounce),
		closed:      core.NewFuse(),
	}
	transport.OnICECandidate(func(payload json.RawMessage) {
		if err := m.sendSignal(link, protocol.SignalCandidate, payload); err != nil {
			m.logger.Debug("candidate not delivered",
				slog.String("roomId", m.roomID), slog.String("peer", peer))
		}
	})

	// Share whatever local tracks are live before the first negotiation.
	for kind, device := range m.devices {
		if err := transport.EnsureTrack(kind, device.TrackID()); err != nil {
			transport.Close()
			return nil, err
		}
	}

	m.peers[peer] = link
	if m.state == StateIdle || m.state == StateAcquiring {
		m.state = StateNegotiating
	}
	return link, nil
}

// Connect starts exactly one pairwise negotiation with an existing
// member. The joiner is the offering side.
func (m *Manager) Connect(peer protocol.UserID) error {
	link, err := m.linkFor(peer, true)
	if err != nil {
		return err
	}
	go m.negotiate(link)
	return nil
}

// RelaySignal forwards a caller-originated signaling payload to the
// peer using this member's own pair sequence counter, so it can never
// collide with offers the manager sends itself. An offer opens the
// pairwise link on demand; other kinds require one to exist.
func (m *Manager) RelaySignal(peer protocol.UserID, kind protocol.SignalKind, payload json.RawMessage) error {
	link, err := m.linkFor(peer, kind == protocol.SignalOffer)
	if err != nil {
		return err
	}
	return m.sendSignal(link, kind, payload)
}

func (m *Manager) sendSignal(link *peerLink, kind protocol.SignalKind, payload json.RawMessage) error {
	return m.signals.Send(protocol.SignalingMessage{
		Kind:    kind,
		RoomID:  m.roomID,
		From:    m.userID,
		To:      link.userID,
		Seq:     link.outSeq.Inc(),
		Payload: payload,
	})
}

// negotiate runs one offer cycle with bounded retries and exponential
// backoff; exhaustion abandons only this pair.
func (m *Manager) negotiate(link *peerLink) {
	delay := m.backoff
	var lastErr error

	for attempt := 0; attempt < m.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-link.closed.Watch():
				return
			case <-m.closed.Watch():
				return
			}
			delay *= 2
		}

		payload, err := link.transport.CreateOffer()
		if err != nil {
			lastErr = err
			continue
		}

		err = m.sendSignal(link, protocol.SignalOffer, payload)
		if err == nil {
			return
		}
		if errors.Is(err, protocol.ErrPeerUnavailable) {
			// The peer already left; retrying cannot help.
			m.abandonPeer(link, err)
			return
		}
		lastErr = err
	}

	m.abandonPeer(link, fmt.Errorf("%w: %s", protocol.ErrNegotiationFailed, lastErr))
}

func (m *Manager) abandonPeer(link *peerLink, cause error) {
	m.closePeer(link)
	m.logger.Warn("pairwise session abandoned",
		slog.String("roomId", m.roomID),
		slog.String("userId", m.userID),
		slog.String("peer", link.userID),
		slog.String("cause", cause.Error()))
	if m.hooks.OnPeerFailed != nil {
		m.hooks.OnPeerFailed(link.userID, cause)
	}
}

func (m *Manager) closePeer(link *peerLink) {
	m.mu.Lock()
	if current, exist := m.peers[link.userID]; !exist || current != link {
		m.mu.Unlock()
		return
	}
	delete(m.peers, link.userID)
	if len(m.peers) == 0 && m.state != StateClosed {
		m.state = StateIdle
	}
	m.mu.Unlock()

	link.closed.Break()
	if err := link.transport.Close(); err != nil {
		m.logger.Debug("transport close failed", slog.String("peer", link.userID))
	}
}

// PeerGone tears down the pairwise session with a departed member; the
// rest of the mesh is untouched.
func (m *Manager) PeerGone(peer protocol.UserID) {
	m.mu.Lock()
	link, exist := m.peers[peer]
	m.mu.Unlock()
	if exist {
		m.closePeer(link)
	}
}

func (m *Manager) readSignals() {
	for {
		select {
		case <-m.closed.Watch():
			return
		case <-m.sub.Done():
			return
		case msg := <-m.sub.Events():
			m.handleSignal(msg)
		}
	}
}

func (m *Manager) handleSignal(msg protocol.SignalingMessage) {
	link, err := m.linkFor(msg.From, msg.Kind != protocol.SignalCandidate)
	if err != nil {
		m.logger.Debug("signal for unknown pair dropped",
			slog.String("from", msg.From), slog.String("kind", string(msg.Kind)))
		return
	}

	switch msg.Kind {
	case protocol.SignalOffer:
		answer, err := link.transport.HandleOffer(msg.Payload)
		if err != nil {
			m.abandonPeer(link, fmt.Errorf("%w: %s", protocol.ErrNegotiationFailed, err))
			return
		}
		if err := m.sendSignal(link, protocol.SignalAnswer, answer); err != nil {
			m.abandonPeer(link, err)
			return
		}
		m.setPeerConnected(link)

	case protocol.SignalAnswer:
		if err := link.transport.HandleAnswer(msg.Payload); err != nil {
			m.abandonPeer(link, fmt.Errorf("%w: %s", protocol.ErrNegotiationFailed, err))
			return
		}
		m.setPeerConnected(link)

	case protocol.SignalCandidate:
		if err := link.transport.AddICECandidate(msg.Payload); err != nil {
			m.logger.Debug("candidate rejected", slog.String("from", msg.From))
		}
	}
}

func (m *Manager) setPeerConnected(link *peerLink) {
	m.mu.Lock()
	if m.state != StateClosed {
		m.state = StateConnected
	}
	m.mu.Unlock()

	if m.hooks.OnPeerConnected != nil {
		m.hooks.OnPeerConnected(link.userID)
	}
}

// EnableVideo acquires the camera and renegotiates every active pair to
// carry the new track. Audio keeps flowing throughout: the existing
// session is never torn down.
func (m *Manager) EnableVideo() error {
	if err := m.StartLocalMedia(CaptureVideo); err != nil {
		return err
	}

	m.mu.Lock()
	device := m.devices[CaptureVideo]
	links := make([]*peerLink, 0, len(m.peers))
	for _, link := range m.peers {
		links = append(links, link)
	}
	if len(links) > 0 && m.state == StateConnected {
		m.state = StateRenegotiating
	}
	m.mu.Unlock()

	var errs []error
	for _, link := range links {
		if err := link.transport.EnsureTrack(CaptureVideo, device.TrackID()); err != nil {
			errs = append(errs, err)
			continue
		}
		link := link
		link.renegotiate(func() { go m.negotiate(link) })
	}
	return errors.Join(errs...)
}

// DisableVideo removes the video track from every pair and releases the
// camera. Like EnableVideo it renegotiates in place.
func (m *Manager) DisableVideo() error {
	m.mu.Lock()
	device, exist := m.devices[CaptureVideo]
	if !exist {
		m.mu.Unlock()
		return nil
	}
	delete(m.devices, CaptureVideo)
	links := make([]*peerLink, 0, len(m.peers))
	for _, link := range m.peers {
		links = append(links, link)
	}
	if len(links) > 0 && m.state == StateConnected {
		m.state = StateRenegotiating
	}
	m.mu.Unlock()

	errs := []error{device.Close()}
	for _, link := range links {
		if err := link.transport.DropTrack(CaptureVideo); err != nil {
			errs = append(errs, err)
			continue
		}
		link := link
		link.renegotiate(func() { go m.negotiate(link) })
	}
	return errors.Join(errs...)
}

// SetMuted toggles the microphone locally. The track is disabled, not
// removed, so no renegotiation happens.
func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if device, exist := m.devices[CaptureAudio]; exist {
		device.SetMuted(muted)
	}
}

func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if device, exist := m.devices[CaptureAudio]; exist {
		return device.Muted()
	}
	return false
}

// Teardown releases every capture device, closes every pairwise session
// and drops the signaling subscription. It is idempotent and runs every
// step even when an earlier one fails.
func (m *Manager) Teardown() error {
	if m.closed.IsBroken() {
		return nil
	}
	m.closed.Break()

	m.mu.Lock()
	devices := m.devices
	m.devices = make(map[CaptureKind]CaptureDevice)
	links := m.peers
	m.peers = make(map[protocol.UserID]*peerLink)
	m.state = StateClosed
	m.mu.Unlock()

	var errsMu sync.Mutex
	var errs []error

	// Local capture first: hardware must never outlive the membership.
	for _, device := range devices {
		if err := device.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	var group errgroup.Group
	for _, link := range links {
		link := link
		group.Go(func() error {
			link.closed.Break()
			if err := link.transport.Close(); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
			return nil
		})
	}
	group.Wait()

	m.sub.Close()
	return errors.Join(errs...)
}
