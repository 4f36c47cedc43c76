package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	connInmemory "github.com/sharetube/syncwatch/internal/repository/connection/inmemory"
	"github.com/sharetube/syncwatch/internal/repository/room"
	roomInmemory "github.com/sharetube/syncwatch/internal/repository/room/inmemory"
	"github.com/stretchr/testify/require"
)

var errSaveFailed = errors.New("save failed")

type fakeSocket struct {
	mu     sync.Mutex
	closed bool
	frames [][]byte
}

func (s *fakeSocket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = append(s.frames, payload)
	return nil
}

func (s *fakeSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.closed
}

func (s *fakeSocket) outputs(t *testing.T) []Output {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	outputs := make([]Output, 0, len(s.frames))
	for _, frame := range s.frames {
		var out Output
		require.NoError(t, json.Unmarshal(frame, &out))
		outputs = append(outputs, out)
	}

	return outputs
}

func (s *fakeSocket) last(t *testing.T) Output {
	t.Helper()
	outputs := s.outputs(t)
	require.NotEmpty(t, outputs, "socket received nothing")

	return outputs[len(outputs)-1]
}

func (s *fakeSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.frames)
}

type panicSocket struct{}

func (panicSocket) Send([]byte) error {
	panic("send exploded")
}

func (panicSocket) IsOpen() bool {
	return true
}

// failingRepo fails every save while fail is set.
type failingRepo struct {
	mu    sync.Mutex
	fail  bool
	saves int
	table room.Table
}

func (r *failingRepo) Load(context.Context) (room.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.table.Clone(), nil
}

func (r *failingRepo) Save(_ context.Context, table room.Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.saves++
	if r.fail {
		return errSaveFailed
	}

	r.table = table.Clone()
	return nil
}

func (r *failingRepo) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fail = fail
}

type seqGenerator struct {
	ids []string
	i   int
}

func (g *seqGenerator) GenerateRandomString(int) string {
	id := g.ids[g.i%len(g.ids)]
	g.i++
	return id
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testActor struct {
	*Actor
	rooms  iRoomRepo
	cancel context.CancelFunc
	done   chan error
}

// stop cancels Run and waits for pending saves to flush.
func (a *testActor) stop(t *testing.T) {
	t.Helper()
	a.cancel()
	select {
	case err := <-a.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("actor did not stop")
	}
}

func startActor(t *testing.T, roomRepo iRoomRepo, cfg *Config) *testActor {
	t.Helper()
	if roomRepo == nil {
		roomRepo = roomInmemory.NewRepo()
	}

	if cfg == nil {
		cfg = &Config{WriteTimeout: time.Second}
	}

	actor := NewActor(roomRepo, connInmemory.NewRepo(), cfg, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- actor.Run(ctx)
	}()

	select {
	case <-actor.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("actor failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("actor did not become ready")
	}

	ta := &testActor{Actor: actor, rooms: roomRepo, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
	})

	return ta
}

func (a *testActor) join(t *testing.T, roomId, name string) (*fakeSocket, string) {
	t.Helper()
	sock := &fakeSocket{}
	resp, err := a.Join(context.Background(), &JoinParams{
		Socket:     sock,
		RoomId:     roomId,
		ClientName: name,
	})
	require.NoError(t, err)

	return sock, resp.ClientId
}

func (a *testActor) send(t *testing.T, sock *fakeSocket, frame string) {
	t.Helper()
	require.NoError(t, a.Message(context.Background(), sock, []byte(frame)))
}

func (a *testActor) state(t *testing.T, roomId string) room.State {
	t.Helper()
	state, err := a.Room(context.Background(), roomId)
	require.NoError(t, err)

	return state
}
