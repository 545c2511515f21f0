package chat

import (
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/vibehub/room-server/internal/store"
	"github.com/vibehub/room-server/pkg/eventstream"
	"github.com/vibehub/room-server/pkg/protocol"
	"github.com/vibehub/room-server/pkg/service"
	"go.uber.org/fx"
)

// roomLog is one room's chat sequencer. Its mutex is the single writer
// that assigns sequence numbers, so concurrent posts can never produce
// duplicates or gaps.
type roomLog struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[uint64]*eventstream.Stream[protocol.ChatMessage]
	nextSub uint64
}

type Channel struct {
	mu    sync.Mutex
	rooms map[protocol.RoomID]*roomLog

	store  store.Store
	pool   *workerpool.WorkerPool
	maxLen int
	logger *slog.Logger
}

type NewChannel_Params struct {
	fx.In

	Config *service.Config
	Store  store.Store
	Pool   *workerpool.WorkerPool
	Logger *slog.Logger
}

func NewChannel(params NewChannel_Params) *Channel {
	return &Channel{
		rooms:  make(map[protocol.RoomID]*roomLog),
		store:  params.Store,
		pool:   params.Pool,
		maxLen: params.Config.ChatMessageLimit,
		logger: params.Logger,
	}
}

func (c *Channel) room(roomID protocol.RoomID) *roomLog {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, exist := c.rooms[roomID]
	if !exist {
		log = &roomLog{subs: make(map[uint64]*eventstream.Stream[protocol.ChatMessage])}
		// A durable store may already hold history for this room; resume
		// the sequence after it instead of renumbering from 1.
		if history, err := c.store.MessagesAfter(roomID, 0); err == nil && len(history) > 0 {
			log.seq = history[len(history)-1].Seq
		}
		c.rooms[roomID] = log
	}
	return log
}

// Post assigns the room's next sequence number and fans the message out
// to every subscriber. It either fully succeeds or leaves no trace: a
// store failure surfaces before the sequence advances or anyone sees
// the message.
func (c *Channel) Post(roomID protocol.RoomID, identity protocol.Identity, text string) (*protocol.ChatMessage, error) {
	if utf8.RuneCountInString(text) > c.maxLen {
		return nil, protocol.ErrMessageTooLong
	}

	log := c.room(roomID)
	log.mu.Lock()
	defer log.mu.Unlock()

	msg := protocol.ChatMessage{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Text:        text,
		Seq:         log.seq + 1,
		Timestamp:   time.Now(),
	}
	if err := c.store.AppendMessage(&msg); err != nil {
		return nil, err
	}
	log.seq = msg.Seq

	for _, stream := range log.subs {
		stream.Publish(msg)
	}
	return &msg, nil
}

type Subscription struct {
	stream *eventstream.Stream[protocol.ChatMessage]
	cancel func()
}

func (s *Subscription) Events() <-chan protocol.ChatMessage { return s.stream.Events() }
func (s *Subscription) Done() <-chan struct{}               { return s.stream.Done() }

func (s *Subscription) Close() {
	s.cancel()
	s.stream.Close()
}

// Subscribe replays stored messages with Seq > afterSeq, then delivers
// live messages, all in sequence order with no gap or duplicate at the
// hand-off. Pass the latest seen sequence to resume; pass 0 for full
// history, or the current head to skip history entirely.
func (c *Channel) Subscribe(roomID protocol.RoomID, afterSeq uint64) (*Subscription, error) {
	log := c.room(roomID)
	log.mu.Lock()
	defer log.mu.Unlock()

	replay, err := c.store.MessagesAfter(roomID, afterSeq)
	if err != nil {
		return nil, err
	}

	stream := eventstream.New[protocol.ChatMessage](c.pool)
	for _, msg := range replay {
		stream.Publish(*msg)
	}

	id := log.nextSub
	log.nextSub++
	log.subs[id] = stream

	return &Subscription{
		stream: stream,
		cancel: func() {
			log.mu.Lock()
			delete(log.subs, id)
			log.mu.Unlock()
		},
	}, nil
}

// Head reports the room's latest assigned sequence number.
func (c *Channel) Head(roomID protocol.RoomID) uint64 {
	log := c.room(roomID)
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.seq
}
