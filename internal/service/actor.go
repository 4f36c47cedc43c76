package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/sharetube/syncwatch/internal/metrics"
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/repository/room"
	"github.com/sharetube/syncwatch/pkg/randstr"
	"github.com/sharetube/syncwatch/pkg/wsrouter"
	"golang.org/x/exp/slices"
)

type event struct {
	ctx  context.Context
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// Actor serializes every read and write of the room table on one goroutine.
// All exported methods block until Run has processed the event.
type Actor struct {
	store     *store
	conns     iConnRepo
	protocol  *syncProtocol
	cfg       *Config
	events    chan event
	ready     chan struct{}
	stopped   chan struct{}
	recovered map[string]struct{}
	logger    *slog.Logger
}

func NewActor(roomRepo iRoomRepo, connRepo iConnRepo, cfg *Config, logger *slog.Logger) *Actor {
	a := &Actor{
		conns:     connRepo,
		cfg:       cfg,
		events:    make(chan event),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
		recovered: make(map[string]struct{}),
		logger:    logger,
	}
	a.store = &store{
		rooms:   make(room.Table),
		repo:    roomRepo,
		timeout: cfg.WriteTimeout,
		codes:   randstr.New([]byte(roomIdAlphabet)),
		notify:  a.broadcast,
		logger:  logger,
	}
	a.protocol = newSyncProtocol(a.store, connRepo, logger)

	return a
}

// Ready is closed once the persisted table has been loaded.
func (a *Actor) Ready() <-chan struct{} {
	return a.ready
}

// Run loads the persisted table and processes events until ctx is done.
// Pending saves are flushed before it returns.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.stopped)

	if !a.cfg.DurableWrites {
		a.store.writer = newTableWriter(a.store.repo, a.cfg.WriteTimeout, a.logger)
		defer a.store.writer.close()
	}

	recovered, err := a.store.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load room table: %w", err)
	}

	a.logger.InfoContext(ctx, "room table loaded", "rooms", len(recovered))
	a.updateGauges()

	if len(recovered) > 0 && a.cfg.RecoveryGrace > 0 {
		for _, roomId := range recovered {
			a.recovered[roomId] = struct{}{}
		}

		timer := time.AfterFunc(a.cfg.RecoveryGrace, func() {
			if err := a.submit(ctx, "reap", a.reapRecovered); err != nil && ctx.Err() == nil {
				a.logger.Error("failed to reap recovered rooms", "error", err)
			}
		})
		defer timer.Stop()
	}

	close(a.ready)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("room actor stopped")
			return nil
		case ev := <-a.events:
			ev.done <- a.handle(ev)
		}
	}
}

func (a *Actor) submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ev := event{
		ctx:  ctx,
		name: name,
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case a.events <- ev:
	case <-a.stopped:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted the event always completes, so its result is authoritative.
	return <-ev.done
}

func (a *Actor) handle(ev event) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorContext(ev.ctx, "room event panicked",
				"event", ev.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrEventPanicked, r)
		}

		metrics.EventDuration.WithLabelValues(ev.name).Observe(time.Since(start).Seconds())
		a.updateGauges()
	}()

	return ev.fn(ev.ctx)
}

func (a *Actor) updateGauges() {
	metrics.RoomsActive.Set(float64(a.store.len()))
	metrics.ConnectionsActive.Set(float64(a.conns.Len()))
}

func (a *Actor) CreateRoom(ctx context.Context) (string, error) {
	var roomId string
	err := a.submit(ctx, "create", func(ctx context.Context) error {
		id, err := a.store.create(ctx)
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}

		a.logger.InfoContext(ctx, "room created", "room_id", id)
		roomId = id
		return nil
	})

	return roomId, err
}

func (a *Actor) RoomExists(ctx context.Context, roomId string) (bool, error) {
	var exists bool
	err := a.submit(ctx, "exists", func(context.Context) error {
		exists = a.store.exists(roomId)
		return nil
	})

	return exists, err
}

func (a *Actor) Room(ctx context.Context, roomId string) (room.State, error) {
	var state room.State
	err := a.submit(ctx, "get", func(context.Context) error {
		s, ok := a.store.get(roomId)
		if !ok {
			return ErrRoomNotFound
		}

		state = s
		return nil
	})

	return state, err
}

// Join admits the socket to an existing room and announces it to everyone
// in the room, the joiner included.
func (a *Actor) Join(ctx context.Context, params *JoinParams) (JoinResponse, error) {
	clientName := params.ClientName
	if clientName == "" {
		clientName = defaultClientName
	}

	var resp JoinResponse
	err := a.submit(ctx, "join", func(ctx context.Context) error {
		state, ok := a.store.get(params.RoomId)
		if !ok {
			return ErrRoomNotFound
		}

		clientId, err := a.conns.Admit(params.Socket, params.RoomId, clientName)
		if err != nil {
			return fmt.Errorf("failed to admit connection: %w", err)
		}

		_, wasRecovered := a.recovered[params.RoomId]
		delete(a.recovered, params.RoomId)

		// Runs on error and while a panic unwinds.
		joined := false
		defer func() {
			if joined {
				return
			}

			a.rollbackJoin(ctx, params.Socket, params.RoomId, clientId)
			if wasRecovered {
				a.recovered[params.RoomId] = struct{}{}
			}
		}()

		clients := append(state.Clients, room.Client{Id: clientId, Name: clientName})
		if err := a.store.update(ctx, params.RoomId, &patch{Clients: clients}, clientName+" connected"); err != nil {
			return fmt.Errorf("failed to add client to room: %w", err)
		}
		joined = true

		a.logger.InfoContext(ctx, "client joined", "room_id", params.RoomId, "client_id", clientId)
		resp = JoinResponse{
			ClientId: clientId,
			RoomId:   params.RoomId,
		}
		return nil
	})

	return resp, err
}

// Message handles one inbound frame. Malformed frames and frames for
// vanished rooms are dropped without a reply.
func (a *Actor) Message(ctx context.Context, sock connection.Socket, data []byte) error {
	return a.submit(ctx, "message", func(ctx context.Context) error {
		err := a.protocol.serve(ctx, sock, data)
		if errors.Is(err, wsrouter.ErrUnknownMessageType) || errors.Is(err, wsrouter.ErrInvalidMessage) {
			metrics.MessagesTotal.WithLabelValues("unknown", metrics.OutcomeDropped).Inc()
			a.logger.DebugContext(ctx, "websocket message dropped", "error", err)
		}

		return nil
	})
}

// Leave removes the socket. The last socket to leave deletes the room,
// otherwise the room is paused and told who left.
func (a *Actor) Leave(ctx context.Context, sock connection.Socket) error {
	return a.submit(ctx, "leave", func(ctx context.Context) error {
		entry, err := a.conns.Remove(sock)
		if err != nil {
			a.logger.DebugContext(ctx, "leave for unknown connection", "error", err)
			return nil
		}

		state, ok := a.store.get(entry.RoomId)
		if !ok {
			return nil
		}

		if len(a.conns.SocketsInRoom(entry.RoomId)) == 0 {
			a.logger.InfoContext(ctx, "last client left, deleting room", "room_id", entry.RoomId)
			if err := a.store.delete(ctx, entry.RoomId); err != nil {
				return fmt.Errorf("failed to delete room: %w", err)
			}

			return nil
		}

		name := clientName(state.Clients, entry.ClientId)
		clients := slices.DeleteFunc(state.Clients, func(c room.Client) bool {
			return c.Id == entry.ClientId
		})
		isPaused := true
		if err := a.store.forceUpdate(ctx, entry.RoomId, &patch{
			Clients:  clients,
			IsPaused: &isPaused,
		}, name+" disconnected"); err != nil {
			return fmt.Errorf("failed to remove client from room: %w", err)
		}

		a.logger.InfoContext(ctx, "client left", "room_id", entry.RoomId, "client_id", entry.ClientId)
		return nil
	})
}

// rollbackJoin undoes a join that did not complete: the socket is removed
// and, if the roster already lists the client, the rest of the room is told
// it left.
func (a *Actor) rollbackJoin(ctx context.Context, sock connection.Socket, roomId, clientId string) {
	if _, err := a.conns.Remove(sock); err != nil {
		a.logger.WarnContext(ctx, "failed to remove connection", "error", err)
	}

	state, ok := a.store.get(roomId)
	if !ok {
		return
	}

	isClient := func(c room.Client) bool { return c.Id == clientId }
	if !slices.ContainsFunc(state.Clients, isClient) {
		return
	}

	name := clientName(state.Clients, clientId)
	if err := a.store.forceUpdate(ctx, roomId, &patch{
		Clients: slices.DeleteFunc(state.Clients, isClient),
	}, name+" disconnected"); err != nil {
		a.logger.WarnContext(ctx, "failed to roll back join", "room_id", roomId, "error", err)
	}
}

// DiscardRoom deletes a room that has no sockets. It is used when a create
// or join fails before the socket was admitted.
func (a *Actor) DiscardRoom(ctx context.Context, roomId string) error {
	return a.submit(ctx, "discard", func(ctx context.Context) error {
		if len(a.conns.SocketsInRoom(roomId)) > 0 {
			return nil
		}

		if err := a.store.delete(ctx, roomId); err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}

		return nil
	})
}

func (a *Actor) reapRecovered(ctx context.Context) error {
	var errs []error
	for roomId := range a.recovered {
		if len(a.conns.SocketsInRoom(roomId)) > 0 {
			continue
		}

		a.logger.InfoContext(ctx, "deleting unclaimed recovered room", "room_id", roomId)
		if err := a.store.delete(ctx, roomId); err != nil {
			errs = append(errs, err)
		}
	}
	clear(a.recovered)

	return errors.Join(errs...)
}

func (a *Actor) broadcast(ctx context.Context, state room.State, info string) {
	sent, err := a.conns.Broadcast(state.RoomId, func(clientId string) ([]byte, error) {
		return json.Marshal(newOutput(state, clientId, info))
	})

	metrics.BroadcastsTotal.Inc()
	metrics.DeliveriesTotal.Add(float64(sent))
	if err != nil {
		a.logger.WarnContext(ctx, "failed to deliver room state", "room_id", state.RoomId, "error", err)
	}
}
