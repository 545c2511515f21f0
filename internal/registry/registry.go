package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/vibehub/room-server/internal/store"
	"github.com/vibehub/room-server/pkg/protocol"
	"go.uber.org/fx"
)

// RoomSpec is what a caller submits to create a room. The host becomes
// the first member.
type RoomSpec struct {
	Title           string                `json:"title" validate:"required"`
	Category        protocol.RoomCategory `json:"category" validate:"oneof=sports cultural party gaming"`
	Type            protocol.RoomType     `json:"type" validate:"oneof=planning feedback discussion"`
	Host            protocol.Identity     `json:"host" validate:"required"`
	MaxParticipants int                   `json:"maxParticipants" validate:"gte=2,lte=50"`
	IsPublic        bool                  `json:"isPublic"`
	Tags            []string              `json:"tags" validate:"max=5,dive,required"`
}

// roomState is the arena entry for one room. All mutations of the room
// and its membership go through mu, so capacity checks are atomic under
// concurrent joins.
type roomState struct {
	mu      sync.Mutex
	room    protocol.Room
	members map[protocol.UserID]*protocol.Membership
	// users admitted to a private room through an invite redemption
	grants map[protocol.UserID]struct{}
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[protocol.RoomID]*roomState

	store    store.Store
	logger   *slog.Logger
	validate *validator.Validate
}

type NewRegistry_Params struct {
	fx.In

	Store  store.Store
	Logger *slog.Logger
}

func NewRegistry(params NewRegistry_Params) *Registry {
	return &Registry{
		rooms:    make(map[protocol.RoomID]*roomState),
		store:    params.Store,
		logger:   params.Logger,
		validate: validator.New(),
	}
}

func (r *Registry) Create(spec RoomSpec) (*protocol.Room, error) {
	if err := r.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrInvalidSpec, err)
	}
	if spec.Host.UserID == "" {
		return nil, fmt.Errorf("%w: host user id is empty", protocol.ErrInvalidSpec)
	}

	now := time.Now()
	state := &roomState{
		room: protocol.Room{
			ID:              uuid.NewString(),
			Title:           spec.Title,
			Category:        spec.Category,
			Type:            spec.Type,
			HostID:          spec.Host.UserID,
			CreatedAt:       now,
			MaxParticipants: spec.MaxParticipants,
			IsPublic:        spec.IsPublic,
			IsActive:        true,
			Tags:            spec.Tags,
			LastActiveAt:    now,
		},
		members: make(map[protocol.UserID]*protocol.Membership),
		grants:  make(map[protocol.UserID]struct{}),
	}
	state.members[spec.Host.UserID] = &protocol.Membership{
		RoomID:        state.room.ID,
		UserID:        spec.Host.UserID,
		DisplayName:   spec.Host.DisplayName,
		ContactHandle: spec.Host.ContactHandle,
		JoinedAt:      now,
		Role:          protocol.RoleHost,
	}

	// Persist before registering: a room the store rejected must not
	// linger in the arena where List and Join could still see it.
	if err := r.store.SaveRoom(&state.room); err != nil {
		return nil, err
	}
	if err := r.store.SaveMembership(state.members[spec.Host.UserID]); err != nil {
		if derr := r.store.DeleteRoom(state.room.ID); derr != nil {
			r.logger.Warn("orphaned room record not removed", slog.String("roomId", state.room.ID), slog.String("error", derr.Error()))
		}
		return nil, err
	}

	r.mu.Lock()
	r.rooms[state.room.ID] = state
	r.mu.Unlock()

	r.logger.Info("room created",
		slog.String("roomId", state.room.ID),
		slog.String("hostId", spec.Host.UserID),
		slog.Int("maxParticipants", spec.MaxParticipants))

	room := state.room
	return &room, nil
}

func (r *Registry) state(roomID protocol.RoomID) (*roomState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, exist := r.rooms[roomID]
	if !exist {
		return nil, protocol.ErrRoomNotFound
	}
	return state, nil
}

// Grant marks userID as admitted to a private room. Recorded by invite
// redemption before the actual Join.
func (r *Registry) Grant(roomID protocol.RoomID, userID protocol.UserID) error {
	state, err := r.state(roomID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.grants[userID] = struct{}{}
	return nil
}

// Revoke withdraws an admission grant that never turned into a
// membership, e.g. when the join behind an invite redemption failed.
func (r *Registry) Revoke(roomID protocol.RoomID, userID protocol.UserID) {
	state, err := r.state(roomID)
	if err != nil {
		return
	}
	state.mu.Lock()
	delete(state.grants, userID)
	state.mu.Unlock()
}

// Member returns the existing membership, if any.
func (r *Registry) Member(roomID protocol.RoomID, userID protocol.UserID) (*protocol.Membership, bool) {
	state, err := r.state(roomID)
	if err != nil {
		return nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	m, exist := state.members[userID]
	if !exist {
		return nil, false
	}
	copied := *m
	return &copied, true
}

// Join admits a user. Rejoining is idempotent: an existing membership is
// returned unchanged instead of consuming another slot.
func (r *Registry) Join(roomID protocol.RoomID, identity protocol.Identity) (*protocol.Membership, error) {
	state, err := r.state(roomID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if m, exist := state.members[identity.UserID]; exist {
		copied := *m
		return &copied, nil
	}

	if !state.room.IsPublic {
		if _, granted := state.grants[identity.UserID]; !granted {
			// Private rooms are indistinguishable from missing ones for
			// callers without an invite.
			return nil, protocol.ErrRoomNotFound
		}
	}

	if len(state.members) >= state.room.MaxParticipants {
		return nil, protocol.ErrRoomFull
	}

	m := &protocol.Membership{
		RoomID:        roomID,
		UserID:        identity.UserID,
		DisplayName:   identity.DisplayName,
		ContactHandle: identity.ContactHandle,
		JoinedAt:      time.Now(),
		Role:          protocol.RoleMember,
	}
	prevRoom := state.room
	state.members[identity.UserID] = m
	state.room.IsActive = true
	state.room.LastActiveAt = time.Now()

	if err := r.store.SaveMembership(m); err != nil {
		// Roll the whole admission back; an empty room must not come out
		// of a failed join flagged active.
		delete(state.members, identity.UserID)
		state.room = prevRoom
		return nil, err
	}
	if err := r.store.SaveRoom(&state.room); err != nil {
		r.logger.Warn("room snapshot not persisted", slog.String("roomId", roomID), slog.String("error", err.Error()))
	}

	copied := *m
	return &copied, nil
}

// Leave removes the membership. The earliest-joined remaining member is
// promoted when the host leaves; an emptied room turns inactive but is
// retained for relisting. Leaving twice is a no-op.
func (r *Registry) Leave(roomID protocol.RoomID, userID protocol.UserID) error {
	state, err := r.state(roomID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	m, exist := state.members[userID]
	if !exist {
		return nil
	}
	delete(state.members, userID)
	if err := r.store.DeleteMembership(roomID, userID); err != nil {
		r.logger.Warn("membership not removed from store", slog.String("roomId", roomID), slog.String("error", err.Error()))
	}

	if len(state.members) == 0 {
		state.room.IsActive = false
	} else if m.Role == protocol.RoleHost {
		successor := earliestJoined(state.members)
		successor.Role = protocol.RoleHost
		state.room.HostID = successor.UserID
		if err := r.store.SaveMembership(successor); err != nil {
			r.logger.Warn("host promotion not persisted", slog.String("roomId", roomID), slog.String("error", err.Error()))
		}
		r.logger.Info("host reassigned",
			slog.String("roomId", roomID),
			slog.String("hostId", successor.UserID))
	}

	state.room.LastActiveAt = time.Now()
	if err := r.store.SaveRoom(&state.room); err != nil {
		r.logger.Warn("room snapshot not persisted", slog.String("roomId", roomID), slog.String("error", err.Error()))
	}
	return nil
}

// earliestJoined breaks ties on user id so promotion is deterministic
// even for identical join timestamps.
func earliestJoined(members map[protocol.UserID]*protocol.Membership) *protocol.Membership {
	var successor *protocol.Membership
	for _, m := range members {
		if successor == nil ||
			m.JoinedAt.Before(successor.JoinedAt) ||
			(m.JoinedAt.Equal(successor.JoinedAt) && m.UserID < successor.UserID) {
			successor = m
		}
	}
	return successor
}

func (r *Registry) Get(roomID protocol.RoomID) (*protocol.Room, error) {
	state, err := r.state(roomID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	room := state.room
	return &room, nil
}

// Members returns a snapshot ordered by join time.
func (r *Registry) Members(roomID protocol.RoomID) ([]*protocol.Membership, error) {
	state, err := r.state(roomID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	members := make([]*protocol.Membership, 0, len(state.members))
	for _, m := range state.members {
		copied := *m
		members = append(members, &copied)
	}
	state.mu.Unlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

// Touch records chat or presence activity for List ordering.
func (r *Registry) Touch(roomID protocol.RoomID) {
	state, err := r.state(roomID)
	if err != nil {
		return
	}
	state.mu.Lock()
	state.room.LastActiveAt = time.Now()
	state.mu.Unlock()
}

// List returns public, active rooms sorted most-recently-active first.
func (r *Registry) List(category *protocol.RoomCategory) []protocol.Room {
	r.mu.RLock()
	states := make([]*roomState, 0, len(r.rooms))
	for _, state := range r.rooms {
		states = append(states, state)
	}
	r.mu.RUnlock()

	rooms := make([]protocol.Room, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		room := state.room
		state.mu.Unlock()
		rooms = append(rooms, room)
	}

	visible := lo.Filter(rooms, func(room protocol.Room, _ int) bool {
		if !room.IsPublic || !room.IsActive {
			return false
		}
		return category == nil || room.Category == *category
	})

	sort.Slice(visible, func(i, j int) bool {
		return visible[i].LastActiveAt.After(visible[j].LastActiveAt)
	})
	return visible
}
