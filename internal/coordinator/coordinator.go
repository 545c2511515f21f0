package coordinator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vibehub/room-server/internal/chat"
	"github.com/vibehub/room-server/internal/invite"
	"github.com/vibehub/room-server/internal/media"
	"github.com/vibehub/room-server/internal/presence"
	"github.com/vibehub/room-server/internal/registry"
	"github.com/vibehub/room-server/internal/signaling"
	"github.com/vibehub/room-server/pkg/protocol"
	"github.com/vibehub/room-server/pkg/service"
	"go.uber.org/fx"
)

type memberKey struct {
	roomID protocol.RoomID
	userID protocol.UserID
}

type memberSession struct {
	membership *protocol.Membership
	media      *media.Manager
}

// Coordinator is the per-room façade: it admits and removes members,
// supervises their media session managers, and fans domain events out
// to external collaborators.
type Coordinator struct {
	registry *registry.Registry
	presence *presence.Tracker
	invites  *invite.Service
	signals  *signaling.Channel
	chat     *chat.Channel

	provider media.DeviceProvider
	factory  media.TransportFactory
	config   *service.Config
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[memberKey]*memberSession

	// consumed by the achievement/gamification collaborator; never
	// depended upon in the other direction
	onRoomEvent func(protocol.RoomEvent)
}

type NewCoordinator_Params struct {
	fx.In

	Registry *registry.Registry
	Presence *presence.Tracker
	Invites  *invite.Service
	Signals  *signaling.Channel
	Chat     *chat.Channel
	Provider media.DeviceProvider
	Factory  media.TransportFactory
	Config   *service.Config
	Logger   *slog.Logger
}

func NewCoordinator(params NewCoordinator_Params) *Coordinator {
	c := &Coordinator{
		registry: params.Registry,
		presence: params.Presence,
		invites:  params.Invites,
		signals:  params.Signals,
		chat:     params.Chat,
		provider: params.Provider,
		factory:  params.Factory,
		config:   params.Config,
		logger:   params.Logger,
		sessions: make(map[memberKey]*memberSession),
	}
	// A member that outlives the reconnect grace gets the same teardown
	// as an explicit leave.
	c.presence.OnExpire(func(roomID protocol.RoomID, userID protocol.UserID) {
		if err := c.Leave(roomID, userID); err != nil {
			c.logger.Warn("presence-triggered leave incomplete",
				slog.String("roomId", roomID), slog.String("userId", userID),
				slog.String("error", err.Error()))
		}
	})
	return c
}

// OnRoomEvent registers the collaborator callback for join/leave and
// message-sent events.
func (c *Coordinator) OnRoomEvent(fn func(protocol.RoomEvent)) {
	c.mu.Lock()
	c.onRoomEvent = fn
	c.mu.Unlock()
}

func (c *Coordinator) emit(kind protocol.RoomEventKind, roomID protocol.RoomID, userID protocol.UserID) {
	c.mu.Lock()
	fn := c.onRoomEvent
	c.mu.Unlock()
	if fn != nil {
		fn(protocol.RoomEvent{Kind: kind, RoomID: roomID, UserID: userID, At: time.Now()})
	}
}

func (c *Coordinator) Create(spec registry.RoomSpec) (*protocol.Room, error) {
	return c.registry.Create(spec)
}

func (c *Coordinator) List(category *protocol.RoomCategory) []protocol.Room {
	return c.registry.List(category)
}

func (c *Coordinator) Issue(roomID protocol.RoomID, issuedBy protocol.UserID, ttl time.Duration, maxUses int) (*protocol.InviteToken, error) {
	return c.invites.Issue(roomID, issuedBy, ttl, maxUses)
}

// Join admits the user through the registry and brings their live
// session up. Rejoining while a session is already live is a no-op.
func (c *Coordinator) Join(roomID protocol.RoomID, identity protocol.Identity) (*protocol.Membership, error) {
	membership, err := c.registry.Join(roomID, identity)
	if err != nil {
		return nil, err
	}
	return c.ensureSession(membership, identity)
}

// Redeem performs an invite join. The token service guarantees the
// token is only consumed when the admission itself succeeds.
func (c *Coordinator) Redeem(token string, identity protocol.Identity) (*protocol.Membership, error) {
	membership, err := c.invites.Redeem(token, identity)
	if err != nil {
		return nil, err
	}
	return c.ensureSession(membership, identity)
}

func (c *Coordinator) ensureSession(membership *protocol.Membership, identity protocol.Identity) (*protocol.Membership, error) {
	roomID := membership.RoomID
	key := memberKey{roomID, identity.UserID}

	c.mu.Lock()
	if _, exist := c.sessions[key]; exist {
		c.mu.Unlock()
		return membership, nil
	}
	manager := media.NewManager(media.ManagerParams{
		RoomID:   roomID,
		UserID:   identity.UserID,
		Provider: c.provider,
		Factory:  c.factory,
		Signals:  c.signals,
		Retries:  c.config.NegotiationRetries,
		Backoff:  c.config.NegotiationBackoff,
		Hooks: media.Hooks{
			OnPeerFailed: func(peer protocol.UserID, err error) {
				c.logger.Warn("connection to peer failed",
					slog.String("roomId", roomID),
					slog.String("userId", identity.UserID),
					slog.String("peer", peer),
					slog.String("error", err.Error()))
			},
		},
		Logger: c.logger,
	})
	c.sessions[key] = &memberSession{membership: membership, media: manager}
	c.mu.Unlock()

	c.presence.Track(roomID, identity.UserID)
	c.presence.SetConnected(roomID, identity.UserID)

	// Microphone by default; a denied device is logged but never blocks
	// admission.
	if err := manager.StartLocalMedia(media.CaptureAudio); err != nil {
		c.logger.Warn("local audio unavailable",
			slog.String("roomId", roomID),
			slog.String("userId", identity.UserID),
			slog.String("error", err.Error()))
	}

	// Full mesh: exactly one new pairwise negotiation with every member
	// whose session is already live.
	for _, peer := range c.roomPeers(roomID, identity.UserID) {
		if err := manager.Connect(peer); err != nil {
			c.logger.Warn("pairwise negotiation not started",
				slog.String("roomId", roomID),
				slog.String("userId", identity.UserID),
				slog.String("peer", peer))
		}
	}

	c.registry.Touch(roomID)
	c.emit(protocol.RoomEventJoined, roomID, identity.UserID)
	return membership, nil
}

func (c *Coordinator) roomPeers(roomID protocol.RoomID, except protocol.UserID) []protocol.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var peers []protocol.UserID
	for key := range c.sessions {
		if key.roomID == roomID && key.userID != except {
			peers = append(peers, key.userID)
		}
	}
	return peers
}

// Leave is the single cancellation path: release capture devices and
// peer sessions, drop presence, then remove the membership. Every step
// runs even if an earlier one fails, and running it twice is harmless.
func (c *Coordinator) Leave(roomID protocol.RoomID, userID protocol.UserID) error {
	key := memberKey{roomID, userID}

	c.mu.Lock()
	session := c.sessions[key]
	delete(c.sessions, key)
	c.mu.Unlock()

	var errs []error
	if session != nil {
		if err := session.media.Teardown(); err != nil {
			errs = append(errs, err)
		}
	}

	c.presence.Remove(roomID, userID)

	if err := c.registry.Leave(roomID, userID); err != nil && !errors.Is(err, protocol.ErrRoomNotFound) {
		errs = append(errs, err)
	}

	// Surviving members drop their half of the pair.
	for _, peer := range c.roomPeers(roomID, userID) {
		c.mu.Lock()
		peerSession := c.sessions[memberKey{roomID, peer}]
		c.mu.Unlock()
		if peerSession != nil {
			peerSession.media.PeerGone(userID)
		}
	}

	if session != nil {
		c.registry.Touch(roomID)
		c.emit(protocol.RoomEventLeft, roomID, userID)
	}
	return errors.Join(errs...)
}

// Post sequences a chat message for the room. Only members with a live
// session may post.
func (c *Coordinator) Post(roomID protocol.RoomID, identity protocol.Identity, text string) (*protocol.ChatMessage, error) {
	c.mu.Lock()
	_, exist := c.sessions[memberKey{roomID, identity.UserID}]
	c.mu.Unlock()
	if !exist {
		return nil, protocol.ErrRoomNotFound
	}

	msg, err := c.chat.Post(roomID, identity, text)
	if err != nil {
		return nil, err
	}
	c.registry.Touch(roomID)
	c.emit(protocol.RoomEventMessageSent, roomID, identity.UserID)
	return msg, nil
}

// Relay forwards a member-originated signaling payload through the
// member's own session, which owns the pair sequence numbering.
func (c *Coordinator) Relay(roomID protocol.RoomID, from, to protocol.UserID, kind protocol.SignalKind, payload json.RawMessage) error {
	session, exist := c.session(roomID, from)
	if !exist {
		return protocol.ErrRoomNotFound
	}
	return session.media.RelaySignal(to, kind, payload)
}

func (c *Coordinator) Heartbeat(roomID protocol.RoomID, userID protocol.UserID) {
	c.presence.Heartbeat(roomID, userID)
}

func (c *Coordinator) session(roomID protocol.RoomID, userID protocol.UserID) (*memberSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, exist := c.sessions[memberKey{roomID, userID}]
	return session, exist
}

func (c *Coordinator) SetMuted(roomID protocol.RoomID, userID protocol.UserID, muted bool) error {
	session, exist := c.session(roomID, userID)
	if !exist {
		return protocol.ErrRoomNotFound
	}
	session.media.SetMuted(muted)
	return nil
}

func (c *Coordinator) EnableVideo(roomID protocol.RoomID, userID protocol.UserID) error {
	session, exist := c.session(roomID, userID)
	if !exist {
		return protocol.ErrRoomNotFound
	}
	return session.media.EnableVideo()
}

func (c *Coordinator) DisableVideo(roomID protocol.RoomID, userID protocol.UserID) error {
	session, exist := c.session(roomID, userID)
	if !exist {
		return protocol.ErrRoomNotFound
	}
	return session.media.DisableVideo()
}

// SessionState exposes the member's media state machine position,
// mainly for diagnostics.
func (c *Coordinator) SessionState(roomID protocol.RoomID, userID protocol.UserID) (media.SessionState, bool) {
	session, exist := c.session(roomID, userID)
	if !exist {
		return "", false
	}
	return session.media.State(), true
}
