package store

import (
	"github.com/vibehub/room-server/pkg/protocol"
)

// Store persists room state and the per-room chat log. Rooms are
// ephemeral by default (MemoryStore); a durable implementation keeps
// chat history across restarts.
type Store interface {
	SaveRoom(room *protocol.Room) error
	DeleteRoom(roomID protocol.RoomID) error

	SaveMembership(m *protocol.Membership) error
	DeleteMembership(roomID protocol.RoomID, userID protocol.UserID) error

	AppendMessage(msg *protocol.ChatMessage) error
	// MessagesAfter returns messages with Seq > afterSeq in ascending
	// sequence order.
	MessagesAfter(roomID protocol.RoomID, afterSeq uint64) ([]*protocol.ChatMessage, error)

	Close() error
}
