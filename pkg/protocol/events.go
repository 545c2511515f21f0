package protocol

import (
	"encoding/json"
	"time"
)

type ConnectionState string

const (
	StateJoining      ConnectionState = "joining"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateLeft         ConnectionState = "left"
)

type PresenceEventKind string

const (
	PresenceJoined       PresenceEventKind = "joined"
	PresenceLeft         PresenceEventKind = "left"
	PresenceStateChanged PresenceEventKind = "state-changed"
)

type PresenceEvent struct {
	Kind   PresenceEventKind `json:"kind"`
	RoomID RoomID            `json:"roomId"`
	UserID UserID            `json:"userId"`
	State  ConnectionState   `json:"state"`
	At     time.Time         `json:"at"`
}

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// SignalingMessage is one hop of a pairwise session negotiation. Seq is
// assigned by the sender and is monotonic per ordered (From, To) pair.
type SignalingMessage struct {
	Kind    SignalKind      `json:"kind"`
	RoomID  RoomID          `json:"roomId"`
	From    UserID          `json:"from"`
	To      UserID          `json:"to"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

type ChatMessage struct {
	ID          string    `json:"id"`
	RoomID      RoomID    `json:"roomId"`
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
}

// RoomEventKind tags the events the subsystem emits for external
// collaborators, e.g. the achievement service.
type RoomEventKind string

const (
	RoomEventJoined      RoomEventKind = "room-joined"
	RoomEventLeft        RoomEventKind = "room-left"
	RoomEventMessageSent RoomEventKind = "message-sent"
)

type RoomEvent struct {
	Kind   RoomEventKind `json:"kind"`
	RoomID RoomID        `json:"roomId"`
	UserID UserID        `json:"userId"`
	At     time.Time     `json:"at"`
}
