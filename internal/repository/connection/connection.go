package connection

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("connection not found")
	ErrAlreadyExists = errors.New("connection already exists")
	ErrClosed        = errors.New("connection closed")
)

// Socket is a live duplex connection. Send must not block on the network.
type Socket interface {
	Send(payload []byte) error
	IsOpen() bool
}

// Entry holds the tags a socket got at admission. RoomId never changes.
type Entry struct {
	ClientId   string
	ClientName string
	RoomId     string
	AdmittedAt time.Time
}

// PayloadFunc builds the frame for one recipient.
type PayloadFunc func(clientId string) ([]byte, error)
