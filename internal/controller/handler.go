package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/syncwatch/internal/service"
	"github.com/sharetube/syncwatch/pkg/ctxlogger"
)

const headerRoomId = "X-Room-Id"

func (c controller) createRoom(w http.ResponseWriter, r *http.Request) {
	clientName, ok := c.getClientName(w, r)
	if !ok {
		return
	}

	roomId, err := c.actor.CreateRoom(r.Context())
	if err != nil {
		c.logger.ErrorContext(r.Context(), "failed to create room", "error", err)
		if errors.Is(err, service.ErrNoRoomCodesLeft) {
			c.writeError(w, http.StatusServiceUnavailable, "no room codes left")
			return
		}

		c.writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	ctx := ctxlogger.AppendCtx(r.Context(), slog.String("room_id", roomId))
	conn, err := c.upgrader.Upgrade(w, r, http.Header{headerRoomId: {roomId}})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to upgrade to websocket", "error", err)
		c.discardRoom(ctx, roomId)
		return
	}

	if err := c.serveSocket(ctx, conn, roomId, clientName); err != nil {
		c.logger.WarnContext(ctx, "failed to serve socket", "error", err)
		c.discardRoom(ctx, roomId)
	}
}

func (c controller) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.URL.Query().Get("room")
	if roomId == "" {
		c.logger.DebugContext(r.Context(), "empty room id")
		c.writeError(w, http.StatusBadRequest, "room is required")
		return
	}

	clientName, ok := c.getClientName(w, r)
	if !ok {
		return
	}

	ctx := ctxlogger.AppendCtx(r.Context(), slog.String("room_id", roomId))
	exists, err := c.actor.RoomExists(ctx, roomId)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to check room", "error", err)
		c.writeError(w, http.StatusInternalServerError, "failed to check room")
		return
	}

	if !exists {
		c.logger.DebugContext(ctx, "room not found")
		c.writeError(w, http.StatusNotFound, service.ErrRoomNotFound.Error())
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, http.Header{headerRoomId: {roomId}})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to upgrade to websocket", "error", err)
		return
	}

	if err := c.serveSocket(ctx, conn, roomId, clientName); err != nil {
		c.logger.InfoContext(ctx, "failed to serve socket", "error", err)
	}
}

// serveSocket joins the room and blocks until the connection closes. The
// returned error is only about joining.
func (c controller) serveSocket(ctx context.Context, conn *websocket.Conn, roomId, clientName string) error {
	sock := newSocket(conn, c.cfg.SendBuffer, c.cfg.WriteWait)
	defer sock.close()

	joinResp, err := c.actor.Join(ctx, &service.JoinParams{
		Socket:     sock,
		RoomId:     roomId,
		ClientName: clientName,
	})
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			sock.closeWith(closeRoomNotFound, "room not found")
		} else {
			sock.closeWith(websocket.CloseInternalServerErr, "failed to join room")
		}

		return fmt.Errorf("failed to join room: %w", err)
	}

	ctx = ctxlogger.AppendCtx(ctx, slog.String("client_id", joinResp.ClientId))
	c.logger.InfoContext(ctx, "client connected")
	defer c.disconnect(ctx, sock)

	go sock.writePump(ctx, c.pingPeriod())
	c.readLoop(ctx, sock)

	return nil
}

func (c controller) readLoop(ctx context.Context, sock *socket) {
	conn := sock.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && sock.IsOpen() {
				c.logger.InfoContext(ctx, "websocket closed unexpectedly", "error", err)
			}

			return
		}

		msgCtx := ctxlogger.AppendCtx(ctx, slog.String("ws_request_id", c.generateTimeBasedId()))
		if err := c.actor.Message(msgCtx, sock, data); err != nil {
			if errors.Is(err, service.ErrActorStopped) || ctx.Err() != nil {
				return
			}

			c.logger.WarnContext(msgCtx, "failed to handle message", "error", err)
		}
	}
}

// disconnect runs after the request context may already be canceled.
func (c controller) disconnect(ctx context.Context, sock *socket) {
	sock.close()
	if err := c.actor.Leave(context.WithoutCancel(ctx), sock); err != nil {
		if errors.Is(err, service.ErrActorStopped) {
			c.logger.DebugContext(ctx, "room actor stopped before leave")
			return
		}

		c.logger.WarnContext(ctx, "failed to leave room", "error", err)
		return
	}

	c.logger.InfoContext(ctx, "client disconnected")
}

func (c controller) discardRoom(ctx context.Context, roomId string) {
	if err := c.actor.DiscardRoom(context.WithoutCancel(ctx), roomId); err != nil {
		c.logger.WarnContext(ctx, "failed to discard room", "room_id", roomId, "error", err)
	}
}
