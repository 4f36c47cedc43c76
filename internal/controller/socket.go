package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/syncwatch/internal/repository/connection"
)

const (
	closeRoomNotFound = 4004
	maxMessageSize    = 4096
)

var errSendQueueFull = errors.New("send queue full")

// socket adapts a websocket connection to connection.Socket. Frames are
// queued and written by writePump so Send never blocks the room actor.
type socket struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	writeWait time.Duration
}

func newSocket(conn *websocket.Conn, sendBuffer int, writeWait time.Duration) *socket {
	return &socket{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		writeWait: writeWait,
	}
}

// Send queues a frame. A full queue means the peer stopped reading, so the
// socket is closed.
func (s *socket) Send(payload []byte) error {
	if s.closed.Load() {
		return connection.ErrClosed
	}

	select {
	case s.send <- payload:
		return nil
	default:
		s.close()
		return errSendQueueFull
	}
}

func (s *socket) IsOpen() bool {
	return !s.closed.Load()
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.conn.Close()
	})
}

func (s *socket) closeWith(code int, text string) {
	deadline := time.Now().Add(s.writeWait)
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	s.close()
}

// writePump owns every data write on the connection. It stops when the
// socket closes, a write fails or times out, or ctx is done.
func (s *socket) writePump(ctx context.Context, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
