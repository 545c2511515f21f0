package store

import (
	"sort"
	"sync"

	"github.com/vibehub/room-server/pkg/protocol"
)

type memberKey struct {
	roomID protocol.RoomID
	userID protocol.UserID
}

// MemoryStore keeps everything for the room's lifetime only.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[protocol.RoomID]protocol.Room
	members  map[memberKey]protocol.Membership
	messages map[protocol.RoomID][]protocol.ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[protocol.RoomID]protocol.Room),
		members:  make(map[memberKey]protocol.Membership),
		messages: make(map[protocol.RoomID][]protocol.ChatMessage),
	}
}

func (s *MemoryStore) SaveRoom(room *protocol.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = *room
	return nil
}

func (s *MemoryStore) DeleteRoom(roomID protocol.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	delete(s.messages, roomID)
	for key := range s.members {
		if key.roomID == roomID {
			delete(s.members, key)
		}
	}
	return nil
}

func (s *MemoryStore) SaveMembership(m *protocol.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[memberKey{m.RoomID, m.UserID}] = *m
	return nil
}

func (s *MemoryStore) DeleteMembership(roomID protocol.RoomID, userID protocol.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, memberKey{roomID, userID})
	return nil
}

func (s *MemoryStore) AppendMessage(msg *protocol.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], *msg)
	return nil
}

func (s *MemoryStore) MessagesAfter(roomID protocol.RoomID, afterSeq uint64) ([]*protocol.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[roomID]
	// Messages are appended in sequence order already; the search is a
	// guard against replays racing with appends.
	idx := sort.Search(len(log), func(i int) bool { return log[i].Seq > afterSeq })

	result := make([]*protocol.ChatMessage, 0, len(log)-idx)
	for i := idx; i < len(log); i++ {
		msg := log[i]
		result = append(result, &msg)
	}
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
