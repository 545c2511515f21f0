package signaling

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/vibehub/room-server/pkg/eventstream"
	"github.com/vibehub/room-server/pkg/protocol"
	"go.uber.org/fx"
)

type pairKey struct {
	from protocol.UserID
	to   protocol.UserID
}

// pairOrdering tracks delivery for one ordered (from, to) pair. Arrivals
// ahead of nextSeq are parked in pending and released once the gap
// closes, so the recipient always observes non-decreasing sequence
// numbers. Sequence numbers start at 1.
type pairOrdering struct {
	nextSeq uint64
	pending map[uint64]protocol.SignalingMessage
}

type roomChannel struct {
	subs  map[protocol.UserID]*eventstream.Stream[protocol.SignalingMessage]
	pairs map[pairKey]*pairOrdering
}

// Channel relays session-negotiation messages between exactly two
// members of a room.
type Channel struct {
	mu    sync.Mutex
	rooms map[protocol.RoomID]*roomChannel

	pool   *workerpool.WorkerPool
	logger *slog.Logger
}

type NewChannel_Params struct {
	fx.In

	Pool   *workerpool.WorkerPool
	Logger *slog.Logger
}

func NewChannel(params NewChannel_Params) *Channel {
	return &Channel{
		rooms:  make(map[protocol.RoomID]*roomChannel),
		pool:   params.Pool,
		logger: params.Logger,
	}
}

// Send relays msg to its recipient, enforcing per-pair ordering. It
// fails with ErrPeerUnavailable when the recipient has no live
// subscription, which callers treat as "abandon this pairwise session".
func (c *Channel) Send(msg protocol.SignalingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, exist := c.rooms[msg.RoomID]
	if !exist {
		return fmt.Errorf("%w: room %s has no subscribers", protocol.ErrPeerUnavailable, msg.RoomID)
	}
	stream, exist := room.subs[msg.To]
	if !exist {
		return fmt.Errorf("%w: %s", protocol.ErrPeerUnavailable, msg.To)
	}

	key := pairKey{from: msg.From, to: msg.To}
	pair, exist := room.pairs[key]
	if !exist {
		pair = &pairOrdering{nextSeq: 1, pending: make(map[uint64]protocol.SignalingMessage)}
		room.pairs[key] = pair
	}

	switch {
	case msg.Seq < pair.nextSeq:
		// Duplicate of something already released; dropping it cannot
		// break the non-decreasing guarantee.
		c.logger.Debug("duplicate signaling message dropped",
			slog.String("roomId", msg.RoomID),
			slog.String("from", msg.From), slog.String("to", msg.To),
			slog.Uint64("seq", msg.Seq))
		return nil
	case msg.Seq > pair.nextSeq:
		pair.pending[msg.Seq] = msg
		return nil
	}

	stream.Publish(msg)
	pair.nextSeq++
	for {
		buffered, ready := pair.pending[pair.nextSeq]
		if !ready {
			return nil
		}
		delete(pair.pending, pair.nextSeq)
		stream.Publish(buffered)
		pair.nextSeq++
	}
}

type Subscription struct {
	stream *eventstream.Stream[protocol.SignalingMessage]
	cancel func()
}

func (s *Subscription) Events() <-chan protocol.SignalingMessage { return s.stream.Events() }
func (s *Subscription) Done() <-chan struct{}                    { return s.stream.Done() }

func (s *Subscription) Close() {
	s.cancel()
	s.stream.Close()
}

// Subscribe opens the user's inbound signaling feed for all pairs that
// address them. Closing it drops the user's pair state, so a rejoin
// restarts each pair at sequence 1.
func (c *Channel) Subscribe(roomID protocol.RoomID, userID protocol.UserID) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, exist := c.rooms[roomID]
	if !exist {
		room = &roomChannel{
			subs:  make(map[protocol.UserID]*eventstream.Stream[protocol.SignalingMessage]),
			pairs: make(map[pairKey]*pairOrdering),
		}
		c.rooms[roomID] = room
	}

	if previous, exist := room.subs[userID]; exist {
		previous.Close()
	}

	stream := eventstream.New[protocol.SignalingMessage](c.pool)
	room.subs[userID] = stream

	return &Subscription{
		stream: stream,
		cancel: func() { c.unsubscribe(roomID, userID, stream) },
	}
}

func (c *Channel) unsubscribe(roomID protocol.RoomID, userID protocol.UserID, stream *eventstream.Stream[protocol.SignalingMessage]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, exist := c.rooms[roomID]
	if !exist {
		return
	}
	if current, ok := room.subs[userID]; !ok || current != stream {
		return
	}
	delete(room.subs, userID)
	for key := range room.pairs {
		if key.from == userID || key.to == userID {
			delete(room.pairs, key)
		}
	}
	if len(room.subs) == 0 {
		delete(c.rooms, roomID)
	}
}
