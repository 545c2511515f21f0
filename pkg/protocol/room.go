package protocol

import (
	"time"
)

type (
	RoomID = string
	UserID = string
)

type RoomCategory string

const (
	CategorySports   RoomCategory = "sports"
	CategoryCultural RoomCategory = "cultural"
	CategoryParty    RoomCategory = "party"
	CategoryGaming   RoomCategory = "gaming"
)

type RoomType string

const (
	TypePlanning   RoomType = "planning"
	TypeFeedback   RoomType = "feedback"
	TypeDiscussion RoomType = "discussion"
)

type Room struct {
	ID              RoomID       `json:"id"`
	Title           string       `json:"title"`
	Category        RoomCategory `json:"category"`
	Type            RoomType     `json:"type"`
	HostID          UserID       `json:"hostId"`
	CreatedAt       time.Time    `json:"createdAt"`
	MaxParticipants int          `json:"maxParticipants"`
	IsPublic        bool         `json:"isPublic"`
	IsActive        bool         `json:"isActive"`
	Tags            []string     `json:"tags,omitempty"`
	LastActiveAt    time.Time    `json:"lastActiveAt"`
}

type Role string

const (
	RoleHost   Role = "host"
	RoleMember Role = "member"
)

type Membership struct {
	RoomID        RoomID    `json:"roomId"`
	UserID        UserID    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	ContactHandle string    `json:"contactHandle,omitempty"`
	JoinedAt      time.Time `json:"joinedAt"`
	Role          Role      `json:"role"`
}

// Identity is what an already-authenticated caller hands to the room
// subsystem. The subsystem never authenticates on its own.
type Identity struct {
	UserID        UserID `json:"userId"`
	DisplayName   string `json:"displayName"`
	ContactHandle string `json:"contactHandle,omitempty"`
}

type InviteToken struct {
	Token         string    `json:"token"`
	RoomID        RoomID    `json:"roomId"`
	IssuedBy      UserID    `json:"issuedBy"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RemainingUses int       `json:"remainingUses"`
}
