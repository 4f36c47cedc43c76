package service

import (
	"context"
	"errors"
	"time"

	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrNoRoomCodesLeft = errors.New("no room codes left")
	ErrActorStopped    = errors.New("room actor stopped")
	ErrEventPanicked   = errors.New("room event panicked")
	ErrNegativeTime    = errors.New("current time must be a non-negative number")
)

const (
	roomIdLength      = 4
	roomIdAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	defaultClientName = "Anonymous"
)

// maxRooms is the size of the room code space.
var maxRooms = pow(len(roomIdAlphabet), roomIdLength)

type iRoomRepo interface {
	Load(context.Context) (room.Table, error)
	Save(context.Context, room.Table) error
}

type iConnRepo interface {
	Admit(sock connection.Socket, roomId, clientName string) (string, error)
	Lookup(connection.Socket) (connection.Entry, error)
	SocketsInRoom(roomId string) []connection.Socket
	Send(sock connection.Socket, payload []byte) error
	Broadcast(roomId string, payload connection.PayloadFunc) (int, error)
	Remove(connection.Socket) (connection.Entry, error)
	Len() int
}

type iGenerator interface {
	GenerateRandomString(length int) string
}

type Config struct {
	// DurableWrites makes every mutation wait for the table to be saved
	// before it is applied and broadcast.
	DurableWrites bool
	WriteTimeout  time.Duration
	// RecoveryGrace is how long a room loaded at startup may stay empty
	// before it is deleted. Zero disables reaping.
	RecoveryGrace time.Duration
}

func pow(base, exp int) int {
	result := 1
	for range exp {
		result *= base
	}

	return result
}
