package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/vibehub/room-server/pkg/eventstream"
	"github.com/vibehub/room-server/pkg/protocol"
	"github.com/vibehub/room-server/pkg/service"
	"go.uber.org/fx"
)

type memberKey struct {
	roomID protocol.RoomID
	userID protocol.UserID
}

type entry struct {
	state protocol.ConnectionState
	timer *time.Timer
	// bumped on every heartbeat/re-track; a fired timer whose generation
	// is stale must not transition the member
	gen uint64
}

// Tracker owns the live connectivity state per (room, user). Events are
// published under the same lock that commits the state change, so no
// subscriber ever observes a member state that was not yet durable here.
type Tracker struct {
	mu      sync.Mutex
	entries map[memberKey]*entry
	subs    map[protocol.RoomID]map[uint64]*eventstream.Stream[protocol.PresenceEvent]
	nextSub uint64

	timeout time.Duration
	grace   time.Duration

	// invoked off-lock when a member exhausts the reconnect grace; wired
	// to the coordinator's Leave path
	onExpire func(roomID protocol.RoomID, userID protocol.UserID)

	pool   *workerpool.WorkerPool
	logger *slog.Logger
}

type NewTracker_Params struct {
	fx.In

	Config *service.Config
	Pool   *workerpool.WorkerPool
	Logger *slog.Logger
}

func NewTracker(params NewTracker_Params) *Tracker {
	return &Tracker{
		entries: make(map[memberKey]*entry),
		subs:    make(map[protocol.RoomID]map[uint64]*eventstream.Stream[protocol.PresenceEvent]),
		timeout: params.Config.HeartbeatTimeout,
		grace:   params.Config.ReconnectGrace,
		pool:    params.Pool,
		logger:  params.Logger,
	}
}

// OnExpire registers the teardown hook for members that miss the
// reconnect grace. Must be called before members are tracked.
func (t *Tracker) OnExpire(fn func(roomID protocol.RoomID, userID protocol.UserID)) {
	t.mu.Lock()
	t.onExpire = fn
	t.mu.Unlock()
}

// publishLocked fans an event out to every subscriber of the room.
// Caller holds t.mu, which is what keeps events ordered relative to the
// state mutation that caused them.
func (t *Tracker) publishLocked(event protocol.PresenceEvent) {
	for _, stream := range t.subs[event.RoomID] {
		stream.Publish(event)
	}
}

// Track registers a member in the joining state and starts its liveness
// timer. Tracking an already-known member resets it to connected.
func (t *Tracker) Track(roomID protocol.RoomID, userID protocol.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := memberKey{roomID, userID}
	if existing, exist := t.entries[key]; exist {
		existing.timer.Stop()
		existing.gen++
		existing.state = protocol.StateConnected
		existing.timer = t.timeoutTimerLocked(key, existing.gen)
		t.publishLocked(protocol.PresenceEvent{
			Kind: protocol.PresenceStateChanged, RoomID: roomID, UserID: userID,
			State: protocol.StateConnected, At: time.Now(),
		})
		return
	}

	e := &entry{state: protocol.StateJoining}
	e.timer = t.timeoutTimerLocked(key, e.gen)
	t.entries[key] = e
	t.publishLocked(protocol.PresenceEvent{
		Kind: protocol.PresenceJoined, RoomID: roomID, UserID: userID,
		State: protocol.StateJoining, At: time.Now(),
	})
}

// SetConnected transitions joining -> connected once the member's
// transport is up.
func (t *Tracker) SetConnected(roomID protocol.RoomID, userID protocol.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := memberKey{roomID, userID}
	e, exist := t.entries[key]
	if !exist || e.state == protocol.StateConnected {
		return
	}
	e.state = protocol.StateConnected
	t.publishLocked(protocol.PresenceEvent{
		Kind: protocol.PresenceStateChanged, RoomID: roomID, UserID: userID,
		State: protocol.StateConnected, At: time.Now(),
	})
}

// Heartbeat resets the liveness timer. A reconnecting member that
// heartbeats again is restored to connected.
func (t *Tracker) Heartbeat(roomID protocol.RoomID, userID protocol.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := memberKey{roomID, userID}
	e, exist := t.entries[key]
	if !exist || e.state == protocol.StateLeft {
		return
	}

	// Stop is advisory: a timeout callback already fired and waiting on
	// t.mu would otherwise demote this freshly alive member. The bumped
	// generation makes such a callback a no-op.
	e.timer.Stop()
	e.gen++
	e.timer = t.timeoutTimerLocked(key, e.gen)

	if e.state == protocol.StateReconnecting {
		e.state = protocol.StateConnected
		t.publishLocked(protocol.PresenceEvent{
			Kind: protocol.PresenceStateChanged, RoomID: roomID, UserID: userID,
			State: protocol.StateConnected, At: time.Now(),
		})
	}
}

func (t *Tracker) timeoutTimerLocked(key memberKey, gen uint64) *time.Timer {
	return time.AfterFunc(t.timeout, func() { t.onHeartbeatTimeout(key, gen) })
}

func (t *Tracker) onHeartbeatTimeout(key memberKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exist := t.entries[key]
	if !exist || e.gen != gen || e.state == protocol.StateLeft {
		return
	}

	e.state = protocol.StateReconnecting
	e.timer = time.AfterFunc(t.grace, func() { t.onGraceExpired(key, gen) })
	t.publishLocked(protocol.PresenceEvent{
		Kind: protocol.PresenceStateChanged, RoomID: key.roomID, UserID: key.userID,
		State: protocol.StateReconnecting, At: time.Now(),
	})
	t.logger.Debug("member reconnecting",
		slog.String("roomId", key.roomID), slog.String("userId", key.userID))
}

func (t *Tracker) onGraceExpired(key memberKey, gen uint64) {
	t.mu.Lock()
	e, exist := t.entries[key]
	if !exist || e.gen != gen || e.state == protocol.StateLeft {
		t.mu.Unlock()
		return
	}
	e.state = protocol.StateLeft
	onExpire := t.onExpire
	t.mu.Unlock()

	t.logger.Info("member presence expired",
		slog.String("roomId", key.roomID), slog.String("userId", key.userID))

	// Same teardown as an explicit leave; Remove below emits the left
	// event once the coordinator gets there.
	if onExpire != nil {
		onExpire(key.roomID, key.userID)
	}
}

// Remove drops the member and emits the left event. Idempotent.
func (t *Tracker) Remove(roomID protocol.RoomID, userID protocol.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := memberKey{roomID, userID}
	e, exist := t.entries[key]
	if !exist {
		return
	}
	e.timer.Stop()
	delete(t.entries, key)
	t.publishLocked(protocol.PresenceEvent{
		Kind: protocol.PresenceLeft, RoomID: roomID, UserID: userID,
		State: protocol.StateLeft, At: time.Now(),
	})
}

// State reports the tracked connection state, if any.
func (t *Tracker) State(roomID protocol.RoomID, userID protocol.UserID) (protocol.ConnectionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, exist := t.entries[memberKey{roomID, userID}]
	if !exist {
		return "", false
	}
	return e.state, true
}

type Subscription struct {
	stream *eventstream.Stream[protocol.PresenceEvent]
	cancel func()
}

func (s *Subscription) Events() <-chan protocol.PresenceEvent { return s.stream.Events() }
func (s *Subscription) Done() <-chan struct{}                 { return s.stream.Done() }

func (s *Subscription) Close() {
	s.cancel()
	s.stream.Close()
}

// Subscribe delivers the room's presence events, in occurrence order,
// from the moment of subscription.
func (t *Tracker) Subscribe(roomID protocol.RoomID) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	stream := eventstream.New[protocol.PresenceEvent](t.pool)
	if t.subs[roomID] == nil {
		t.subs[roomID] = make(map[uint64]*eventstream.Stream[protocol.PresenceEvent])
	}
	id := t.nextSub
	t.nextSub++
	t.subs[roomID][id] = stream

	return &Subscription{
		stream: stream,
		cancel: func() {
			t.mu.Lock()
			delete(t.subs[roomID], id)
			if len(t.subs[roomID]) == 0 {
				delete(t.subs, roomID)
			}
			t.mu.Unlock()
		},
	}
}
