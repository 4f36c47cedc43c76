package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sharetube/syncwatch/internal/metrics"
	"github.com/sharetube/syncwatch/internal/repository/room"
	roomInmemory "github.com/sharetube/syncwatch/internal/repository/room/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchSession(t *testing.T) {
	actor := startActor(t, nil, nil)
	ctx := context.Background()

	roomId, err := actor.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Z0-9]{4}$`, roomId)

	alice, aliceId := actor.join(t, roomId, "Alice")
	out := alice.last(t)
	assert.Equal(t, "Alice connected", out.Info)
	assert.Equal(t, []room.Client{{Id: aliceId, Name: "Alice"}}, out.Clients)
	require.NotNil(t, out.CurrentClient)
	assert.Equal(t, aliceId, *out.CurrentClient)

	bob, bobId := actor.join(t, roomId, "Bob")
	assert.Equal(t, "Bob connected", alice.last(t).Info)
	assert.Equal(t, "Bob connected", bob.last(t).Info)
	assert.Len(t, bob.last(t).Clients, 2)
	assert.Equal(t, bobId, *bob.last(t).CurrentClient)
	assert.Equal(t, aliceId, *alice.last(t).CurrentClient, "each recipient sees its own id")

	actor.send(t, bob, `{"type":"play","currentTime":10.0}`)
	for _, sock := range []*fakeSocket{alice, bob} {
		out := sock.last(t)
		assert.Equal(t, "Bob resumed", out.Info)
		assert.False(t, out.IsPaused)
		assert.Equal(t, 10.0, out.CurrentTime)
	}

	aliceFrames, bobFrames := alice.count(), bob.count()
	actor.send(t, alice, `{"type":"sync","currentTime":10.2}`)
	assert.Equal(t, aliceFrames, alice.count())
	assert.Equal(t, bobFrames, bob.count())
	assert.Equal(t, 10.0, actor.state(t, roomId).CurrentTime)

	require.NoError(t, actor.Leave(ctx, alice))
	assert.Equal(t, aliceFrames, alice.count(), "a departed socket gets nothing")
	out = bob.last(t)
	assert.Equal(t, "Alice disconnected", out.Info)
	assert.True(t, out.IsPaused)
	assert.Equal(t, []room.Client{{Id: bobId, Name: "Bob"}}, out.Clients)

	require.NoError(t, actor.Leave(ctx, bob))
	exists, err := actor.RoomExists(ctx, roomId)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = actor.Join(ctx, &JoinParams{Socket: &fakeSocket{}, RoomId: roomId, ClientName: "Carol"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSyncOutsideThresholdBroadcasts(t *testing.T) {
	actor := startActor(t, nil, nil)
	roomId, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)
	sock, _ := actor.join(t, roomId, "Alice")

	tests := []struct {
		name      string
		time      float64
		broadcast bool
	}{
		{name: "exactly at threshold", time: 0.5, broadcast: false},
		{name: "past threshold", time: 0.51, broadcast: true},
		{name: "backwards jump", time: 0, broadcast: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := sock.count()
			actor.send(t, sock, `{"type":"sync","currentTime":`+strconv.FormatFloat(tt.time, 'f', -1, 64)+`}`)
			if tt.broadcast {
				require.Equal(t, before+1, sock.count())
				out := sock.last(t)
				assert.Equal(t, tt.time, out.CurrentTime)
				assert.Empty(t, out.Info)
			} else {
				assert.Equal(t, before, sock.count())
			}
		})
	}
}

func TestPauseKeepsReportedTime(t *testing.T) {
	actor := startActor(t, nil, nil)
	roomId, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)
	sock, _ := actor.join(t, roomId, "Alice")

	actor.send(t, sock, `{"type":"play","currentTime":3}`)
	actor.send(t, sock, `{"type":"pause","currentTime":3.2}`)

	out := sock.last(t)
	assert.Equal(t, "Alice paused", out.Info)
	assert.True(t, out.IsPaused)
	assert.Equal(t, 3.2, out.CurrentTime, "pause applies regardless of drift")
}

func TestGetStateIsUnicast(t *testing.T) {
	actor := startActor(t, nil, nil)
	roomId, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)
	alice, aliceId := actor.join(t, roomId, "Alice")
	bob, _ := actor.join(t, roomId, "Bob")

	aliceFrames, bobFrames := alice.count(), bob.count()
	actor.send(t, alice, `{"type":"getState"}`)

	require.Equal(t, aliceFrames+1, alice.count())
	assert.Equal(t, bobFrames, bob.count())
	out := alice.last(t)
	assert.Empty(t, out.Info)
	assert.Equal(t, roomId, out.RoomId)
	assert.Equal(t, aliceId, *out.CurrentClient)
}

func TestRoomsAreIsolated(t *testing.T) {
	actor := startActor(t, nil, nil)
	first, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)
	second, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	alice, _ := actor.join(t, first, "Alice")
	bob, _ := actor.join(t, second, "Bob")
	bobFrames := bob.count()

	actor.send(t, alice, `{"type":"play","currentTime":30}`)

	assert.Equal(t, bobFrames, bob.count())
	assert.True(t, actor.state(t, second).IsPaused)
	assert.Zero(t, actor.state(t, second).CurrentTime)
	assert.False(t, actor.state(t, first).IsPaused)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	actor := startActor(t, nil, nil)
	roomId, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)
	sock, _ := actor.join(t, roomId, "Alice")
	before := sock.count()
	dropped := testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues("unknown", metrics.OutcomeDropped))

	for _, frame := range []string{
		`not json`,
		`{"type":"rewind","currentTime":1}`,
		`{"type":"play"}`,
		`{"type":"pause","currentTime":"ten"}`,
		`{"type":"sync","currentTime":-4}`,
		`{"currentTime":5}`,
	} {
		actor.send(t, sock, frame)
	}

	assert.Equal(t, before, sock.count())
	state := actor.state(t, roomId)
	assert.True(t, state.IsPaused)
	assert.Zero(t, state.CurrentTime)
	assert.Equal(t, dropped+3, testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues("unknown", metrics.OutcomeDropped)))
}

func TestMessageFromUnadmittedSocketIsDropped(t *testing.T) {
	actor := startActor(t, nil, nil)
	sock := &fakeSocket{}

	actor.send(t, sock, `{"type":"getState"}`)
	actor.send(t, sock, `{"type":"play","currentTime":1}`)

	assert.Zero(t, sock.count())
}

func TestLeaveUnknownSocketIsNoop(t *testing.T) {
	actor := startActor(t, nil, nil)
	assert.NoError(t, actor.Leave(context.Background(), &fakeSocket{}))
}

func TestPanicDoesNotStopActor(t *testing.T) {
	actor := startActor(t, nil, nil)
	ctx := context.Background()
	roomId, err := actor.CreateRoom(ctx)
	require.NoError(t, err)

	_, err = actor.Join(ctx, &JoinParams{Socket: panicSocket{}, RoomId: roomId, ClientName: "Boom"})
	assert.ErrorIs(t, err, ErrEventPanicked)

	other, err := actor.CreateRoom(ctx)
	require.NoError(t, err)
	sock, _ := actor.join(t, other, "Alice")
	assert.Equal(t, "Alice connected", sock.last(t).Info)
}

func TestPanickingJoinLeavesRoomClean(t *testing.T) {
	actor := startActor(t, nil, nil)
	ctx := context.Background()
	roomId, err := actor.CreateRoom(ctx)
	require.NoError(t, err)

	_, err = actor.Join(ctx, &JoinParams{Socket: panicSocket{}, RoomId: roomId, ClientName: "Boom"})
	require.ErrorIs(t, err, ErrEventPanicked)
	assert.Empty(t, actor.state(t, roomId).Clients)

	alice, aliceId := actor.join(t, roomId, "Alice")
	assert.Equal(t, []room.Client{{Id: aliceId, Name: "Alice"}}, alice.last(t).Clients)

	require.NoError(t, actor.Leave(ctx, alice))
	exists, err := actor.RoomExists(ctx, roomId)
	require.NoError(t, err)
	assert.False(t, exists, "the room drains once its only real client leaves")
}

func TestFailedJoinIsNotAdmitted(t *testing.T) {
	repo := &failingRepo{}
	actor := startActor(t, repo, &Config{DurableWrites: true, WriteTimeout: time.Second})
	ctx := context.Background()
	roomId, err := actor.CreateRoom(ctx)
	require.NoError(t, err)

	repo.setFail(true)
	ghost := &fakeSocket{}
	_, err = actor.Join(ctx, &JoinParams{Socket: ghost, RoomId: roomId, ClientName: "Ghost"})
	require.ErrorIs(t, err, errSaveFailed)
	repo.setFail(false)

	actor.send(t, ghost, `{"type":"getState"}`)
	assert.Zero(t, ghost.count())

	alice, _ := actor.join(t, roomId, "Alice")
	assert.Len(t, alice.last(t).Clients, 1)
	require.NoError(t, actor.Leave(ctx, alice))

	exists, err := actor.RoomExists(ctx, roomId)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDurableLeaveFailureStillRemovesClient(t *testing.T) {
	repo := &failingRepo{}
	actor := startActor(t, repo, &Config{DurableWrites: true, WriteTimeout: time.Second})
	ctx := context.Background()
	roomId, err := actor.CreateRoom(ctx)
	require.NoError(t, err)
	alice, _ := actor.join(t, roomId, "Alice")
	bob, bobId := actor.join(t, roomId, "Bob")

	repo.setFail(true)
	assert.ErrorIs(t, actor.Leave(ctx, alice), errSaveFailed)

	out := bob.last(t)
	assert.Equal(t, "Alice disconnected", out.Info)
	assert.Equal(t, []room.Client{{Id: bobId, Name: "Bob"}}, out.Clients)

	state := actor.state(t, roomId)
	assert.True(t, state.IsPaused)
	assert.Equal(t, []room.Client{{Id: bobId, Name: "Bob"}}, state.Clients)
}

func TestRoomCodesAreDistinct(t *testing.T) {
	actor := startActor(t, nil, nil)
	ctx := context.Background()

	const n = 3000
	seen := make(map[string]struct{}, n)
	for range n {
		roomId, err := actor.CreateRoom(ctx)
		require.NoError(t, err)
		require.Regexp(t, `^[A-Z0-9]{4}$`, roomId)

		_, dup := seen[roomId]
		require.False(t, dup, "room code %s issued twice", roomId)
		seen[roomId] = struct{}{}
	}

	assert.Len(t, seen, n)
}

func TestDurableWriteFailureRejectsMutation(t *testing.T) {
	repo := &failingRepo{}
	actor := startActor(t, repo, &Config{DurableWrites: true, WriteTimeout: time.Second})
	roomId, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)
	sock, _ := actor.join(t, roomId, "Alice")
	before := sock.count()

	repo.setFail(true)
	actor.send(t, sock, `{"type":"play","currentTime":7}`)

	assert.Equal(t, before, sock.count(), "nothing is broadcast for a rejected mutation")
	state := actor.state(t, roomId)
	assert.True(t, state.IsPaused)
	assert.Zero(t, state.CurrentTime)

	_, err = actor.CreateRoom(context.Background())
	assert.ErrorIs(t, err, errSaveFailed)
}

func TestDurableWritesPersistBeforeReturning(t *testing.T) {
	repo := roomInmemory.NewRepo()
	actor := startActor(t, repo, &Config{DurableWrites: true, WriteTimeout: time.Second})
	roomId, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)

	table, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, table, roomId)
}

func TestStopFlushesPendingSave(t *testing.T) {
	repo := roomInmemory.NewRepo()
	actor := startActor(t, repo, nil)
	roomId, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)
	sock, clientId := actor.join(t, roomId, "Alice")
	actor.send(t, sock, `{"type":"play","currentTime":90}`)

	actor.stop(t)

	table, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, table, roomId)
	assert.Equal(t, 90.0, table[roomId].CurrentTime)
	assert.False(t, table[roomId].IsPaused)
	assert.Equal(t, []room.Client{{Id: clientId, Name: "Alice"}}, table[roomId].Clients)

	_, err = actor.CreateRoom(context.Background())
	assert.ErrorIs(t, err, ErrActorStopped)
}

func TestRecoveredRoomsComeBackPaused(t *testing.T) {
	repo := roomInmemory.NewRepo()
	require.NoError(t, repo.Save(context.Background(), room.Table{
		"AAAA": {RoomId: "AAAA", CurrentTime: 55, IsPaused: false, Clients: []room.Client{{Id: "old", Name: "ghost"}}},
	}))

	actor := startActor(t, repo, nil)
	state := actor.state(t, "AAAA")
	assert.True(t, state.IsPaused)
	assert.Empty(t, state.Clients)
	assert.Equal(t, 55.0, state.CurrentTime)

	sock, clientId := actor.join(t, "AAAA", "Alice")
	assert.Equal(t, []room.Client{{Id: clientId, Name: "Alice"}}, sock.last(t).Clients)
}

func TestUnclaimedRecoveredRoomsAreReaped(t *testing.T) {
	repo := roomInmemory.NewRepo()
	require.NoError(t, repo.Save(context.Background(), room.Table{
		"AAAA": {RoomId: "AAAA", CurrentTime: 1},
		"BBBB": {RoomId: "BBBB", CurrentTime: 2},
	}))

	actor := startActor(t, repo, &Config{WriteTimeout: time.Second, RecoveryGrace: 100 * time.Millisecond})
	actor.join(t, "BBBB", "Alice")

	require.Eventually(t, func() bool {
		exists, err := actor.RoomExists(context.Background(), "AAAA")
		return err == nil && !exists
	}, 5*time.Second, 20*time.Millisecond)

	exists, err := actor.RoomExists(context.Background(), "BBBB")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDiscardRoom(t *testing.T) {
	actor := startActor(t, nil, nil)
	ctx := context.Background()
	empty, err := actor.CreateRoom(ctx)
	require.NoError(t, err)
	busy, err := actor.CreateRoom(ctx)
	require.NoError(t, err)
	actor.join(t, busy, "Alice")

	require.NoError(t, actor.DiscardRoom(ctx, empty))
	require.NoError(t, actor.DiscardRoom(ctx, busy))

	_, err = actor.Room(ctx, empty)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = actor.Room(ctx, busy)
	assert.NoError(t, err)
}

func TestJoinDefaultsClientName(t *testing.T) {
	actor := startActor(t, nil, nil)
	roomId, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)

	sock, _ := actor.join(t, roomId, "")
	assert.Equal(t, "Anonymous connected", sock.last(t).Info)
}

func TestConcurrentJoinsAreSerialized(t *testing.T) {
	actor := startActor(t, nil, nil)
	roomId, err := actor.CreateRoom(context.Background())
	require.NoError(t, err)

	const n = 20
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := actor.Join(context.Background(), &JoinParams{Socket: &fakeSocket{}, RoomId: roomId, ClientName: "c"})
			errs <- err
		}()
	}

	for range n {
		require.NoError(t, <-errs)
	}

	assert.Len(t, actor.state(t, roomId).Clients, n)
}
