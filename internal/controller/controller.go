package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/service"
	"github.com/sharetube/syncwatch/pkg/validator"
)

type iRoomActor interface {
	CreateRoom(context.Context) (string, error)
	RoomExists(ctx context.Context, roomId string) (bool, error)
	Join(context.Context, *service.JoinParams) (service.JoinResponse, error)
	Message(ctx context.Context, sock connection.Socket, data []byte) error
	Leave(context.Context, connection.Socket) error
	DiscardRoom(ctx context.Context, roomId string) error
}

type Config struct {
	// Password is required as the password query param when set.
	Password string
	// WriteWait bounds a single frame write. A slower peer is disconnected.
	WriteWait  time.Duration
	PongWait   time.Duration
	SendBuffer int
}

type controller struct {
	actor    iRoomActor
	upgrader websocket.Upgrader
	validate *validator.Validator
	cfg      *Config
	logger   *slog.Logger
}

func NewController(actor iRoomActor, cfg *Config, logger *slog.Logger) *controller {
	return &controller{
		actor: actor,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate: validator.NewValidator(),
		cfg:      cfg,
		logger:   logger,
	}
}

func (c controller) pingPeriod() time.Duration {
	return c.cfg.PongWait * 9 / 10
}
