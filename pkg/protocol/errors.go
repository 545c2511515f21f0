package protocol

import "errors"

var (
	ErrInvalidSpec            = errors.New("invalid room spec")
	ErrRoomFull               = errors.New("room is full")
	ErrRoomNotFound           = errors.New("room not found")
	ErrInvalidToken           = errors.New("invite token is invalid or expired")
	ErrTokenExhausted         = errors.New("invite token has no remaining uses")
	ErrMediaAcquisitionFailed = errors.New("unable to acquire capture device")
	ErrPeerUnavailable        = errors.New("peer is not present in the room")
	ErrNegotiationFailed      = errors.New("session negotiation failed")
	ErrMessageTooLong         = errors.New("chat message exceeds the length limit")
	ErrSessionClosed          = errors.New("media session is closed")
)
