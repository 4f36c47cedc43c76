package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sharetube/syncwatch/internal/controller"
	connInmemory "github.com/sharetube/syncwatch/internal/repository/connection/inmemory"
	"github.com/sharetube/syncwatch/internal/repository/room"
	roomInmemory "github.com/sharetube/syncwatch/internal/repository/room/inmemory"
	roomRedis "github.com/sharetube/syncwatch/internal/repository/room/redis"
	"github.com/sharetube/syncwatch/internal/service"
	"github.com/sharetube/syncwatch/pkg/ctxlogger"
	"github.com/sharetube/syncwatch/pkg/redisclient"
	"github.com/sharetube/syncwatch/pkg/validator"
)

const (
	StorageRedis  = "redis"
	StorageMemory = "memory"

	shutdownTimeout = 30 * time.Second
)

var ErrInvalidConfig = errors.New("invalid config")

type AppConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port" validate:"min=0,max=65535"`
	LogLevel      string        `json:"log_level" validate:"required"`
	Password      string        `json:"-"`
	Storage       string        `json:"storage" validate:"oneof=redis memory"`
	RedisHost     string        `json:"redis_host" validate:"required_if=Storage redis"`
	RedisPort     int           `json:"redis_port" validate:"min=0,max=65535"`
	RedisPassword string        `json:"-"`
	StateKey      string        `json:"state_key" validate:"required_if=Storage redis"`
	StateTTL      time.Duration `json:"state_ttl" validate:"min=0"`
	DurableWrites bool          `json:"durable_writes"`
	RecoveryGrace time.Duration `json:"recovery_grace" validate:"min=0"`
	WriteWait     time.Duration `json:"write_wait" validate:"gt=0"`
	PongWait      time.Duration `json:"pong_wait" validate:"gt=0"`
	SendBuffer    int           `json:"send_buffer" validate:"min=1"`
}

func (cfg *AppConfig) Validate() error {
	validationErrors, ok := validator.NewValidator().Validate(cfg)
	if ok {
		return nil
	}

	messages := make([]string, 0, len(validationErrors))
	for _, ve := range validationErrors {
		messages = append(messages, ve.Message)
	}

	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(messages, "; "))
}

func newLogger(level string) (*slog.Logger, error) {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}

	return slog.New(&h), nil
}

type iRoomRepo interface {
	Load(context.Context) (room.Table, error)
	Save(context.Context, room.Table) error
}

// newRoomRepo returns the configured gateway and a func releasing it.
func newRoomRepo(ctx context.Context, cfg *AppConfig) (iRoomRepo, func(), error) {
	switch cfg.Storage {
	case StorageMemory:
		return roomInmemory.NewRepo(), func() {}, nil
	case StorageRedis:
		rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create redis client: %w", err)
		}

		return roomRedis.NewRepo(rc, cfg.StateKey, cfg.StateTTL), func() { rc.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, cfg.Storage)
	}
}

// Run serves until ctx is done or the process gets a termination signal.
func Run(ctx context.Context, cfg *AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	roomRepo, closeRoomRepo, err := newRoomRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRoomRepo()

	actor := service.NewActor(roomRepo, connInmemory.NewRepo(), &service.Config{
		DurableWrites: cfg.DurableWrites,
		WriteTimeout:  cfg.WriteWait,
		RecoveryGrace: cfg.RecoveryGrace,
	}, logger)

	// The actor stops before sockets are closed, so a shutdown never drains
	// and deletes rooms.
	actorCtx, stopActor := context.WithCancel(context.WithoutCancel(ctx))
	defer stopActor()
	actorDone := make(chan error, 1)
	go func() {
		actorDone <- actor.Run(actorCtx)
	}()

	select {
	case <-actor.Ready():
	case err := <-actorDone:
		return fmt.Errorf("failed to start room actor: %w", err)
	case <-ctx.Done():
		stopActor()
		<-actorDone
		return nil
	}

	socketsCtx, closeSockets := context.WithCancel(context.WithoutCancel(ctx))
	defer closeSockets()

	c := controller.NewController(actor, &controller.Config{
		Password:   cfg.Password,
		WriteWait:  cfg.WriteWait,
		PongWait:   cfg.PongWait,
		SendBuffer: cfg.SendBuffer,
	}, logger)
	server := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: c.GetMux(),
		BaseContext: func(net.Listener) context.Context {
			return socketsCtx
		},
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()
	logger.InfoContext(ctx, "starting server", "address", ln.Addr().String(), "storage", cfg.Storage)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	stopActor()
	if err := <-actorDone; err != nil {
		logger.Error("room actor failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	closeSockets()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
