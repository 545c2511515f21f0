package store

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vibehub/room-server/pkg/protocol"
)

// Key layout:
//
//	room:{roomID}
//	member:{roomID}:{userID}
//	chat:{roomID}:{seq, 19-digit zero padded}
//
// The padded sequence keeps chat keys in lexicographical order, so a
// prefix scan yields messages already sorted by sequence number.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	options := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func roomKey(roomID protocol.RoomID) []byte {
	return []byte(fmt.Sprintf("room:%s", roomID))
}

func membershipKey(roomID protocol.RoomID, userID protocol.UserID) []byte {
	return []byte(fmt.Sprintf("member:%s:%s", roomID, userID))
}

func chatKey(roomID protocol.RoomID, seq uint64) []byte {
	return []byte(fmt.Sprintf("chat:%s:%019d", roomID, seq))
}

func (s *BadgerStore) setJSON(key []byte, val any) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, bytes)
	})
}

func (s *BadgerStore) SaveRoom(room *protocol.Room) error {
	return s.setJSON(roomKey(room.ID), room)
}

func (s *BadgerStore) DeleteRoom(roomID protocol.RoomID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(roomKey(roomID)); err != nil {
			return err
		}

		for _, prefix := range [][]byte{
			[]byte(fmt.Sprintf("member:%s:", roomID)),
			[]byte(fmt.Sprintf("chat:%s:", roomID)),
		} {
			options := badger.DefaultIteratorOptions
			options.PrefetchValues = false
			it := txn.NewIterator(options)
			var stale [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, key := range stale {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BadgerStore) SaveMembership(m *protocol.Membership) error {
	return s.setJSON(membershipKey(m.RoomID, m.UserID), m)
}

func (s *BadgerStore) DeleteMembership(roomID protocol.RoomID, userID protocol.UserID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(membershipKey(roomID, userID))
	})
}

func (s *BadgerStore) AppendMessage(msg *protocol.ChatMessage) error {
	return s.setJSON(chatKey(msg.RoomID, msg.Seq), msg)
}

func (s *BadgerStore) MessagesAfter(roomID protocol.RoomID, afterSeq uint64) ([]*protocol.ChatMessage, error) {
	var result []*protocol.ChatMessage
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("chat:%s:", roomID))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(chatKey(roomID, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			var msg protocol.ChatMessage
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &msg)
			})
			if err != nil {
				return err
			}
			result = append(result, &msg)
		}
		return nil
	})
	return result, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
