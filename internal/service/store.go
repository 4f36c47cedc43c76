package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sharetube/syncwatch/internal/metrics"
	"github.com/sharetube/syncwatch/internal/repository/room"
	"golang.org/x/exp/slices"
)

// store owns the room table. It is only touched from the actor goroutine.
type store struct {
	rooms   room.Table
	repo    iRoomRepo
	writer  *tableWriter
	// timeout bounds a synchronous save in durable mode.
	timeout time.Duration
	codes   iGenerator
	notify  func(ctx context.Context, state room.State, info string)
	logger  *slog.Logger
}

type patch struct {
	CurrentTime *float64
	IsPaused    *bool
	// nil keeps the roster, an empty slice clears it.
	Clients     []room.Client
}

// load replaces the in-memory table with the persisted one. Nobody is
// connected after a restart, so every loaded room comes back paused and
// empty. It returns the ids of the loaded rooms.
func (s *store) load(ctx context.Context) ([]string, error) {
	table, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}

	s.rooms = make(room.Table, len(table))
	recovered := make([]string, 0, len(table))
	for roomId, state := range table {
		state.RoomId = roomId
		state.IsPaused = true
		state.Clients = []room.Client{}
		if state.CurrentTime < 0 || math.IsNaN(state.CurrentTime) || math.IsInf(state.CurrentTime, 0) {
			state.CurrentTime = 0
		}

		s.rooms[roomId] = state
		recovered = append(recovered, roomId)
	}

	return recovered, nil
}

func (s *store) get(roomId string) (room.State, bool) {
	state, ok := s.rooms[roomId]
	if !ok {
		return room.State{}, false
	}

	return state.Clone(), true
}

func (s *store) len() int {
	return len(s.rooms)
}

func (s *store) create(ctx context.Context) (string, error) {
	if len(s.rooms) >= maxRooms {
		return "", ErrNoRoomCodesLeft
	}

	roomId := s.codes.GenerateRandomString(roomIdLength)
	for s.exists(roomId) {
		roomId = s.codes.GenerateRandomString(roomIdLength)
	}

	state := room.State{
		RoomId:      roomId,
		CurrentTime: 0,
		IsPaused:    true,
		Clients:     []room.Client{},
	}
	if err := s.put(ctx, state); err != nil {
		return "", err
	}

	return roomId, nil
}

func (s *store) exists(roomId string) bool {
	_, ok := s.rooms[roomId]
	return ok
}

// update applies p to an existing room, persists the table and notifies the
// room's sockets with info attached.
func (s *store) update(ctx context.Context, roomId string, p *patch, info string) error {
	next, err := s.patched(roomId, p)
	if err != nil {
		return err
	}

	if err := s.put(ctx, next); err != nil {
		return err
	}

	s.notifyRoom(ctx, next, info)
	return nil
}

// forceUpdate is update that keeps the change in memory and notifies even
// when the save fails, like delete. The save error is still returned.
func (s *store) forceUpdate(ctx context.Context, roomId string, p *patch, info string) error {
	next, err := s.patched(roomId, p)
	if err != nil {
		return err
	}

	s.rooms[roomId] = next.Clone()
	err = s.persist(ctx, s.rooms)
	s.notifyRoom(ctx, next, info)

	return err
}

func (s *store) patched(roomId string, p *patch) (room.State, error) {
	current, ok := s.rooms[roomId]
	if !ok {
		return room.State{}, ErrRoomNotFound
	}

	next := current.Clone()
	if p.CurrentTime != nil {
		if *p.CurrentTime < 0 || math.IsNaN(*p.CurrentTime) || math.IsInf(*p.CurrentTime, 0) {
			return room.State{}, ErrNegativeTime
		}

		next.CurrentTime = *p.CurrentTime
	}

	if p.IsPaused != nil {
		next.IsPaused = *p.IsPaused
	}

	if p.Clients != nil {
		next.Clients = slices.Clone(p.Clients)
	}

	return next, nil
}

func (s *store) notifyRoom(ctx context.Context, state room.State, info string) {
	if s.notify != nil {
		s.notify(ctx, state.Clone(), info)
	}
}

// delete always removes the room from memory. In durable mode the save error
// is still returned to the caller.
func (s *store) delete(ctx context.Context, roomId string) error {
	if !s.exists(roomId) {
		return nil
	}

	delete(s.rooms, roomId)
	return s.persist(ctx, s.rooms)
}

func (s *store) put(ctx context.Context, state room.State) error {
	if s.writer != nil {
		s.rooms[state.RoomId] = state.Clone()
		return s.persist(ctx, s.rooms)
	}

	next := s.rooms.Clone()
	next[state.RoomId] = state.Clone()
	if err := s.persist(ctx, next); err != nil {
		return err
	}

	s.rooms = next
	return nil
}

func (s *store) persist(ctx context.Context, table room.Table) error {
	if s.writer != nil {
		s.writer.enqueue(table.Clone())
		return nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.repo.Save(ctx, table); err != nil {
		metrics.PersistErrorsTotal.Inc()
		return fmt.Errorf("failed to save room table: %w", err)
	}

	return nil
}
