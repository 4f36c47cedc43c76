package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sharetube/syncwatch/internal/metrics"
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/repository/room"
	"github.com/sharetube/syncwatch/pkg/ctxlogger"
	"github.com/sharetube/syncwatch/pkg/wsrouter"
	"golang.org/x/exp/slices"
)

// syncThreshold is the drift in seconds below which a sync is ignored.
const syncThreshold = 0.5

var (
	errMissingCurrentTime = errors.New("currentTime is required")
	errNotAdmitted        = errors.New("connection is not admitted")
)

type playbackInput struct {
	CurrentTime *float64 `json:"currentTime"`
}

func (in playbackInput) currentTime() (float64, error) {
	if in.CurrentTime == nil {
		return 0, errMissingCurrentTime
	}

	t := *in.CurrentTime
	if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, ErrNegativeTime
	}

	return t, nil
}

type emptyInput struct{}

// syncProtocol interprets client frames against the room table.
type syncProtocol struct {
	store  *store
	conns  iConnRepo
	router *wsrouter.WSRouter[connection.Socket]
	logger *slog.Logger
}

func newSyncProtocol(store *store, conns iConnRepo, logger *slog.Logger) *syncProtocol {
	p := &syncProtocol{
		store:  store,
		conns:  conns,
		logger: logger,
	}

	r := wsrouter.New[connection.Socket]()
	r.Use(p.loggerMw())
	wsrouter.Handle(r, "sync", p.handleSync)
	wsrouter.Handle(r, "getState", p.handleGetState)
	wsrouter.Handle(r, "pause", p.handlePause)
	wsrouter.Handle(r, "play", p.handlePlay)
	p.router = r

	return p
}

func (p *syncProtocol) serve(ctx context.Context, sock connection.Socket, data []byte) error {
	return p.router.Serve(ctx, sock, data)
}

func (p *syncProtocol) loggerMw() wsrouter.Middleware[connection.Socket] {
	return func(next wsrouter.HandlerFunc[connection.Socket]) wsrouter.HandlerFunc[connection.Socket] {
		return func(ctx context.Context, sock connection.Socket, payload json.RawMessage) error {
			messageType := wsrouter.GetMessageTypeFromCtx(ctx)
			ctx = ctxlogger.AppendCtx(ctx, slog.String("message_type", messageType))
			p.logger.DebugContext(ctx, "websocket message received", "payload", string(payload))

			start := time.Now()
			err := next(ctx, sock, payload)
			if err != nil {
				metrics.MessagesTotal.WithLabelValues(messageType, metrics.OutcomeDropped).Inc()
				p.logger.DebugContext(ctx, "websocket message dropped", "error", err)
				return err
			}

			p.logger.DebugContext(ctx, "websocket message handled",
				"processing_time_us", time.Since(start).Microseconds(),
			)

			return nil
		}
	}
}

// resolve finds the room the socket was admitted to.
func (p *syncProtocol) resolve(sock connection.Socket) (connection.Entry, room.State, error) {
	entry, err := p.conns.Lookup(sock)
	if err != nil {
		return connection.Entry{}, room.State{}, fmt.Errorf("%w: %w", errNotAdmitted, err)
	}

	state, ok := p.store.get(entry.RoomId)
	if !ok {
		return connection.Entry{}, room.State{}, ErrRoomNotFound
	}

	return entry, state, nil
}

func (p *syncProtocol) handleSync(ctx context.Context, sock connection.Socket, input playbackInput) error {
	currentTime, err := input.currentTime()
	if err != nil {
		return err
	}

	_, state, err := p.resolve(sock)
	if err != nil {
		return err
	}

	if math.Abs(state.CurrentTime-currentTime) <= syncThreshold {
		metrics.MessagesTotal.WithLabelValues("sync", metrics.OutcomeDebounced).Inc()
		return nil
	}

	if err := p.store.update(ctx, state.RoomId, &patch{CurrentTime: &currentTime}, ""); err != nil {
		return fmt.Errorf("failed to sync room: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues("sync", metrics.OutcomeApplied).Inc()
	return nil
}

func (p *syncProtocol) handleGetState(ctx context.Context, sock connection.Socket, _ emptyInput) error {
	entry, state, err := p.resolve(sock)
	if err != nil {
		return err
	}

	data, err := json.Marshal(newOutput(state, entry.ClientId, ""))
	if err != nil {
		return fmt.Errorf("failed to marshal room state: %w", err)
	}

	if err := p.conns.Send(sock, data); err != nil {
		return fmt.Errorf("failed to send room state: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues("getState", metrics.OutcomeApplied).Inc()
	return nil
}

func (p *syncProtocol) handlePause(ctx context.Context, sock connection.Socket, input playbackInput) error {
	return p.setPaused(ctx, sock, input, true, "paused")
}

func (p *syncProtocol) handlePlay(ctx context.Context, sock connection.Socket, input playbackInput) error {
	return p.setPaused(ctx, sock, input, false, "resumed")
}

func (p *syncProtocol) setPaused(ctx context.Context, sock connection.Socket, input playbackInput, isPaused bool, verb string) error {
	currentTime, err := input.currentTime()
	if err != nil {
		return err
	}

	entry, state, err := p.resolve(sock)
	if err != nil {
		return err
	}

	info := clientName(state.Clients, entry.ClientId) + " " + verb
	if err := p.store.update(ctx, state.RoomId, &patch{
		CurrentTime: &currentTime,
		IsPaused:    &isPaused,
	}, info); err != nil {
		return fmt.Errorf("failed to %s room: %w", wsrouter.GetMessageTypeFromCtx(ctx), err)
	}

	metrics.MessagesTotal.WithLabelValues(wsrouter.GetMessageTypeFromCtx(ctx), metrics.OutcomeApplied).Inc()
	return nil
}

func clientName(clients []room.Client, clientId string) string {
	i := slices.IndexFunc(clients, func(c room.Client) bool {
		return c.Id == clientId
	})
	if i < 0 {
		return defaultClientName
	}

	return clients[i].Name
}
