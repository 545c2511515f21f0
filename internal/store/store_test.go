package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vibehub/room-server/pkg/protocol"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	badgerStore, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestStore_ChatReplayAfterSeq(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for seq := uint64(1); seq <= 5; seq++ {
				require.NoError(t, s.AppendMessage(&protocol.ChatMessage{
					ID:        protocol.RoomID(name) + "-msg",
					RoomID:    "r1",
					UserID:    "alice",
					Text:      "hello",
					Seq:       seq,
					Timestamp: time.Now(),
				}))
			}

			msgs, err := s.MessagesAfter("r1", 2)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			for i, msg := range msgs {
				require.Equal(t, uint64(3+i), msg.Seq)
			}

			msgs, err = s.MessagesAfter("r1", 5)
			require.NoError(t, err)
			require.Empty(t, msgs)

			msgs, err = s.MessagesAfter("unknown", 0)
			require.NoError(t, err)
			require.Empty(t, msgs)
		})
	}
}

func TestStore_RoomDeleteClearsState(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			room := &protocol.Room{ID: "r2", Title: "after hours", MaxParticipants: 4}
			require.NoError(t, s.SaveRoom(room))
			require.NoError(t, s.SaveMembership(&protocol.Membership{RoomID: "r2", UserID: "bob"}))
			require.NoError(t, s.AppendMessage(&protocol.ChatMessage{RoomID: "r2", Seq: 1, Text: "hi"}))

			require.NoError(t, s.DeleteRoom("r2"))

			msgs, err := s.MessagesAfter("r2", 0)
			require.NoError(t, err)
			require.Empty(t, msgs)
		})
	}
}
