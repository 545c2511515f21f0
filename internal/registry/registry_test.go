package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vibehub/room-server/internal/store"
	"github.com/vibehub/room-server/pkg/protocol"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewRegistry_Params{
		Store:  store.NewMemoryStore(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func validSpec(host string) RoomSpec {
	return RoomSpec{
		Title:           "friday night vibes",
		Category:        protocol.CategoryParty,
		Type:            protocol.TypeDiscussion,
		Host:            protocol.Identity{UserID: host, DisplayName: host},
		MaxParticipants: 4,
		IsPublic:        true,
		Tags:            []string{"music", "late"},
	}
}

func TestCreate_RejectsInvalidSpec(t *testing.T) {
	r := newTestRegistry(t)

	for name, mutate := range map[string]func(*RoomSpec){
		"empty title":       func(s *RoomSpec) { s.Title = "" },
		"too small":         func(s *RoomSpec) { s.MaxParticipants = 1 },
		"too large":         func(s *RoomSpec) { s.MaxParticipants = 51 },
		"unknown category":  func(s *RoomSpec) { s.Category = "karaoke" },
		"unknown room type": func(s *RoomSpec) { s.Type = "lecture" },
		"too many tags":     func(s *RoomSpec) { s.Tags = []string{"a", "b", "c", "d", "e", "f"} },
	} {
		t.Run(name, func(t *testing.T) {
			spec := validSpec("alice")
			mutate(&spec)
			_, err := r.Create(spec)
			require.ErrorIs(t, err, protocol.ErrInvalidSpec)
		})
	}
}

func TestCreate_HostIsFirstMember(t *testing.T) {
	r := newTestRegistry(t)

	room, err := r.Create(validSpec("alice"))
	require.NoError(t, err)
	require.True(t, room.IsActive)
	require.Equal(t, "alice", room.HostID)

	members, err := r.Members(room.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, protocol.RoleHost, members[0].Role)
}

func TestJoin_CapacityUnderConcurrency(t *testing.T) {
	r := newTestRegistry(t)

	spec := validSpec("host")
	spec.MaxParticipants = 5
	room, err := r.Create(spec)
	require.NoError(t, err)

	const contenders = 30
	var wg sync.WaitGroup
	admitted := make(chan protocol.UserID, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i)
			m, err := r.Join(room.ID, protocol.Identity{UserID: userID, DisplayName: userID})
			if err == nil {
				admitted <- m.UserID
			} else {
				require.ErrorIs(t, err, protocol.ErrRoomFull)
			}
		}(i)
	}
	wg.Wait()
	close(admitted)

	members, err := r.Members(room.ID)
	require.NoError(t, err)
	require.LessOrEqual(t, len(members), 5)
}

func TestJoin_FullRoomScenario(t *testing.T) {
	r := newTestRegistry(t)

	spec := validSpec("a")
	spec.MaxParticipants = 2
	room, err := r.Create(spec)
	require.NoError(t, err)

	_, err = r.Join(room.ID, protocol.Identity{UserID: "b", DisplayName: "B"})
	require.NoError(t, err)

	_, err = r.Join(room.ID, protocol.Identity{UserID: "c", DisplayName: "C"})
	require.ErrorIs(t, err, protocol.ErrRoomFull)
}

func TestJoin_RejoinIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	spec := validSpec("host")
	spec.MaxParticipants = 2
	room, err := r.Create(spec)
	require.NoError(t, err)

	first, err := r.Join(room.ID, protocol.Identity{UserID: "bob", DisplayName: "Bob"})
	require.NoError(t, err)

	again, err := r.Join(room.ID, protocol.Identity{UserID: "bob", DisplayName: "Bob"})
	require.NoError(t, err)
	require.Equal(t, first.JoinedAt, again.JoinedAt)

	members, err := r.Members(room.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestJoin_PrivateRoomNeedsGrant(t *testing.T) {
	r := newTestRegistry(t)

	spec := validSpec("host")
	spec.IsPublic = false
	room, err := r.Create(spec)
	require.NoError(t, err)

	_, err = r.Join(room.ID, protocol.Identity{UserID: "stranger"})
	require.ErrorIs(t, err, protocol.ErrRoomNotFound)

	require.NoError(t, r.Grant(room.ID, "invitee"))
	_, err = r.Join(room.ID, protocol.Identity{UserID: "invitee", DisplayName: "Invitee"})
	require.NoError(t, err)
}

func TestLeave_HostPromotionAndIdleRoom(t *testing.T) {
	r := newTestRegistry(t)

	room, err := r.Create(validSpec("host"))
	require.NoError(t, err)

	_, err = r.Join(room.ID, protocol.Identity{UserID: "second", DisplayName: "Second"})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = r.Join(room.ID, protocol.Identity{UserID: "third", DisplayName: "Third"})
	require.NoError(t, err)

	require.NoError(t, r.Leave(room.ID, "host"))

	got, err := r.Get(room.ID)
	require.NoError(t, err)
	require.True(t, got.IsActive)
	require.Equal(t, "second", got.HostID)

	require.NoError(t, r.Leave(room.ID, "second"))
	require.NoError(t, r.Leave(room.ID, "third"))

	got, err = r.Get(room.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	// Leaving twice is a no-op.
	require.NoError(t, r.Leave(room.ID, "third"))
}

func TestList_FiltersAndOrders(t *testing.T) {
	r := newTestRegistry(t)

	sports := validSpec("h1")
	sports.Category = protocol.CategorySports
	older, err := r.Create(sports)
	require.NoError(t, err)

	private := validSpec("h2")
	private.IsPublic = false
	_, err = r.Create(private)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	party, err := r.Create(validSpec("h3"))
	require.NoError(t, err)

	all := r.List(nil)
	require.Len(t, all, 2)
	require.Equal(t, party.ID, all[0].ID, "most recently active first")
	require.Equal(t, older.ID, all[1].ID)

	category := protocol.CategorySports
	filtered := r.List(&category)
	require.Len(t, filtered, 1)
	require.Equal(t, older.ID, filtered[0].ID)
}

type failingStore struct {
	store.Store
	mu                 sync.Mutex
	failSaveMembership bool
}

func (s *failingStore) fail(on bool) {
	s.mu.Lock()
	s.failSaveMembership = on
	s.mu.Unlock()
}

func (s *failingStore) SaveMembership(m *protocol.Membership) error {
	s.mu.Lock()
	failing := s.failSaveMembership
	s.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return s.Store.SaveMembership(m)
}

func TestJoin_StoreFailureRollsBackActivation(t *testing.T) {
	st := &failingStore{Store: store.NewMemoryStore()}
	r := NewRegistry(NewRegistry_Params{
		Store:  st,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	room, err := r.Create(validSpec("alice"))
	require.NoError(t, err)
	require.NoError(t, r.Leave(room.ID, "alice"))

	got, err := r.Get(room.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	st.fail(true)
	_, err = r.Join(room.ID, protocol.Identity{UserID: "bob", DisplayName: "Bob"})
	require.Error(t, err)

	members, err := r.Members(room.ID)
	require.NoError(t, err)
	require.Empty(t, members)

	// the empty room must not come out of the failed join active or listed
	got, err = r.Get(room.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.Empty(t, r.List(nil))

	st.fail(false)
	_, err = r.Join(room.ID, protocol.Identity{UserID: "bob", DisplayName: "Bob"})
	require.NoError(t, err)
	got, err = r.Get(room.ID)
	require.NoError(t, err)
	require.True(t, got.IsActive)
}

func TestCreate_StoreFailureLeavesNoRoom(t *testing.T) {
	st := &failingStore{Store: store.NewMemoryStore()}
	r := NewRegistry(NewRegistry_Params{
		Store:  st,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	st.fail(true)
	_, err := r.Create(validSpec("alice"))
	require.Error(t, err)

	require.Empty(t, r.List(nil))
	r.mu.RLock()
	require.Empty(t, r.rooms)
	r.mu.RUnlock()
}
