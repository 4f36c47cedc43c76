package inmemory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sharetube/syncwatch/internal/repository/connection"
)

type repo struct {
	entries map[connection.Socket]connection.Entry
	rooms   map[string]map[connection.Socket]struct{}
	newId   func() string
	mu      sync.RWMutex
}

func NewRepo() *repo {
	return &repo{
		entries: make(map[connection.Socket]connection.Entry),
		rooms:   make(map[string]map[connection.Socket]struct{}),
		newId:   uuid.NewString,
	}
}

func (r *repo) Admit(sock connection.Socket, roomId, clientName string) (string, error) {
	funcName := "connection.inmemory.Admit"
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[sock]; ok {
		slog.Info(funcName, "error", connection.ErrAlreadyExists)
		return "", connection.ErrAlreadyExists
	}

	clientId := r.newId()
	for r.clientIdTaken(roomId, clientId) {
		clientId = r.newId()
	}

	r.entries[sock] = connection.Entry{
		ClientId:   clientId,
		ClientName: clientName,
		RoomId:     roomId,
		AdmittedAt: time.Now(),
	}

	members, ok := r.rooms[roomId]
	if !ok {
		members = make(map[connection.Socket]struct{})
		r.rooms[roomId] = members
	}
	members[sock] = struct{}{}

	slog.Debug(funcName, "room_id", roomId, "client_id", clientId)
	return clientId, nil
}

func (r *repo) clientIdTaken(roomId, clientId string) bool {
	for sock := range r.rooms[roomId] {
		if r.entries[sock].ClientId == clientId {
			return true
		}
	}

	return false
}

func (r *repo) Lookup(sock connection.Socket) (connection.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[sock]
	if !ok {
		return connection.Entry{}, connection.ErrNotFound
	}

	return entry, nil
}

func (r *repo) SocketsInRoom(roomId string) []connection.Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	socks := make([]connection.Socket, 0, len(r.rooms[roomId]))
	for sock := range r.rooms[roomId] {
		socks = append(socks, sock)
	}

	return socks
}

func (r *repo) Send(sock connection.Socket, payload []byte) error {
	if !sock.IsOpen() {
		return connection.ErrClosed
	}

	return sock.Send(payload)
}

// Broadcast sends a per-recipient payload to every open socket tagged with
// roomId and returns how many sockets accepted it.
func (r *repo) Broadcast(roomId string, payload connection.PayloadFunc) (int, error) {
	r.mu.RLock()
	recipients := make(map[connection.Socket]string, len(r.rooms[roomId]))
	for sock := range r.rooms[roomId] {
		recipients[sock] = r.entries[sock].ClientId
	}
	r.mu.RUnlock()

	var (
		sent int
		errs []error
	)
	for sock, clientId := range recipients {
		if !sock.IsOpen() {
			continue
		}

		data, err := payload(clientId)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to build payload for %s: %w", clientId, err))
			continue
		}

		if err := sock.Send(data); err != nil {
			errs = append(errs, fmt.Errorf("failed to send to %s: %w", clientId, err))
			continue
		}
		sent++
	}

	return sent, errors.Join(errs...)
}

func (r *repo) Remove(sock connection.Socket) (connection.Entry, error) {
	funcName := "connection.inmemory.Remove"
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[sock]
	if !ok {
		return connection.Entry{}, connection.ErrNotFound
	}

	delete(r.entries, sock)
	if members, ok := r.rooms[entry.RoomId]; ok {
		delete(members, sock)
		if len(members) == 0 {
			delete(r.rooms, entry.RoomId)
		}
	}

	slog.Debug(funcName, "room_id", entry.RoomId, "client_id", entry.ClientId)
	return entry, nil
}

func (r *repo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
