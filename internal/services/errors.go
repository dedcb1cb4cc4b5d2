package services

import "errors"

var (
	ErrAlreadyQueued = errors.New("session is already queued")
	ErrRoomNotFound  = errors.New("room not found")
	ErrBadPassword   = errors.New("incorrect room password")
	ErrRoomFull      = errors.New("room is full")
	ErrNotMember     = errors.New("session is not a member of the room")
	ErrInvalidRoom   = errors.New("invalid room")
)
