package spacehub

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/space-broker/internal/domain/space"
	"github.com/davidleathers/space-broker/internal/infrastructure/bridge"
)

type inbox struct {
	id string

	mu  sync.Mutex
	got []space.Notification
}

func (i *inbox) ID() string { return i.id }

func (i *inbox) Deliver(n space.Notification) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, n)
}

func (i *inbox) take() []space.Notification {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.got
	i.got = nil
	return out
}

type directory struct {
	mu    sync.Mutex
	conns map[string]*inbox
}

func (d *directory) add(id string) *inbox {
	d.mu.Lock()
	defer d.mu.Unlock()
	in := &inbox{id: id}
	d.conns[id] = in
	return in
}

func (d *directory) Lookup(id string) (space.Recipient, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	in, ok := d.conns[id]
	return in, ok
}

type replicator struct {
	mu       sync.Mutex
	attached map[string]bridge.ApplyFunc
	detached []string
	// catchUp, when set, runs inside Attach like a log replay would.
	catchUp func(ctx context.Context, apply bridge.ApplyFunc)
}

func (r *replicator) Attach(ctx context.Context, name string, apply bridge.ApplyFunc) {
	r.mu.Lock()
	r.attached[name] = apply
	catchUp := r.catchUp
	r.mu.Unlock()
	if catchUp != nil {
		catchUp(ctx, apply)
	}
}

func (r *replicator) Detach(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attached, name)
	r.detached = append(r.detached, name)
}

func (r *replicator) applyFunc(name string) (bridge.ApplyFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.attached[name]
	return fn, ok
}

type upstream struct {
	mu  sync.Mutex
	out []space.Mutation
}

func (u *upstream) Forward(m space.Mutation) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.out = append(u.out, m)
}

func (u *upstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.out)
}

type gauge struct {
	nopRecorder
	mu     sync.Mutex
	spaces int
}

func (g *gauge) SetSpaces(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spaces = n
}

type hubFixture struct {
	hub      *Hub
	dir      *directory
	repl     *replicator
	upstream *upstream
	gauge    *gauge
}

func newHubFixture(t *testing.T) *hubFixture {
	f := &hubFixture{
		dir:      &directory{conns: map[string]*inbox{}},
		repl:     &replicator{attached: map[string]bridge.ApplyFunc{}},
		upstream: &upstream{},
		gauge:    &gauge{},
	}
	f.hub = New(Deps{
		Directory:  f.dir,
		Upstream:   f.upstream,
		Replicator: f.repl,
		Recorder:   f.gauge,
	}, zaptest.NewLogger(t))
	return f
}

func everybody(name string) space.NamedFilter {
	return space.NamedFilter{Name: name, Filter: space.Everybody{}}
}

func TestHub_WatchCreatesAndAttaches(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)

	w := f.dir.add("w1")
	f.hub.Watch(ctx, "world.lobby", "lobby", w)

	assert.Equal(t, 1, f.hub.Len())
	assert.Equal(t, 1, f.gauge.spaces)
	_, ok := f.repl.applyFunc("world.lobby")
	assert.True(t, ok, "replay starts with the space")

	sp, ok := f.hub.Space("world.lobby")
	require.True(t, ok)
	assert.Equal(t, "lobby", sp.LocalName())

	// A second watcher shares the space.
	f.hub.Watch(ctx, "world.lobby", "lobby", f.dir.add("w2"))
	assert.Equal(t, 1, f.hub.Len())
	assert.Equal(t, 2, sp.WatcherCount())
}

func TestHub_UnknownSpace(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)

	err := f.hub.AddUser(ctx, "world.nowhere", space.SpaceUser{ID: 1, Name: "A"}, "c1")
	assert.ErrorIs(t, err, ErrSpaceNotFound)
	assert.ErrorIs(t, f.hub.Unwatch(ctx, "world.nowhere", "w1"), ErrSpaceNotFound)
	assert.Zero(t, f.upstream.count())
}

func TestHub_OperationsReachWatchers(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)
	w := f.dir.add("w1")
	f.hub.Watch(ctx, "world.lobby", "lobby", w)
	require.NoError(t, f.hub.AddFilter(ctx, "world.lobby", "w1", everybody("all")))

	require.NoError(t, f.hub.AddUser(ctx, "world.lobby", space.SpaceUser{ID: 1, Name: "Alice"}, "c1"))
	require.NoError(t, f.hub.UpdateUser(ctx, "world.lobby",
		space.SpaceUser{ID: 1, CameraState: true}, space.FieldMask{space.FieldCameraState}))
	require.NoError(t, f.hub.UpdateMetadata(ctx, "world.lobby", map[string]any{"topic": "standup"}))

	got := w.take()
	require.Len(t, got, 3)
	assert.Equal(t, space.KindAddUser, got[0].Kind)
	assert.Equal(t, "lobby", got[0].Space)
	assert.Equal(t, space.KindUpdateUser, got[1].Kind)
	assert.Equal(t, space.KindUpdateMetadata, got[2].Kind)
	assert.Equal(t, 3, f.upstream.count())

	require.NoError(t, f.hub.UpdateFilter(ctx, "world.lobby", "w1",
		space.NamedFilter{Name: "all", Filter: space.NewContainsName("bob")}))
	got = w.take()
	require.Len(t, got, 1)
	assert.Equal(t, space.KindRemoveUser, got[0].Kind)

	require.NoError(t, f.hub.RemoveFilter(ctx, "world.lobby", "w1", "all"))
	assert.ErrorIs(t, f.hub.RemoveFilter(ctx, "world.lobby", "w1", "all"), space.ErrFilterNotFound)
}

func TestHub_Events(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)
	f.hub.Watch(ctx, "world.lobby", "lobby", f.dir.add("w1"))

	alice := f.dir.add("c-alice")
	bob := f.dir.add("c-bob")
	require.NoError(t, f.hub.AddUser(ctx, "world.lobby", space.SpaceUser{ID: 1, Name: "Alice", Tags: []string{space.AdminTag}}, "c-alice"))
	require.NoError(t, f.hub.AddUser(ctx, "world.lobby", space.SpaceUser{ID: 2, Name: "Bob"}, "c-bob"))

	ev := space.Event{Type: "reaction", Payload: json.RawMessage(`{"emoji":"wave"}`)}
	require.NoError(t, f.hub.PublicEvent(ctx, "world.lobby", 1, ev))
	assert.Empty(t, alice.take(), "sender does not receive its own public event")
	require.Len(t, bob.take(), 1)

	require.NoError(t, f.hub.PrivateEvent(ctx, "world.lobby", 2, 1, ev))
	require.Len(t, alice.take(), 1)
	assert.ErrorIs(t, f.hub.PrivateEvent(ctx, "world.lobby", 2, 9, ev), space.ErrReceiverNotFound)

	assert.ErrorIs(t, f.hub.KickOff(ctx, "world.lobby", 2, 1), space.ErrForbidden)
	require.NoError(t, f.hub.KickOff(ctx, "world.lobby", 1, 2))
	kicked := bob.take()
	require.Len(t, kicked, 1)
	assert.Equal(t, space.KindKickOff, kicked[0].Kind)
	assert.Equal(t, int64(2), kicked[0].UserID)
}

func TestHub_ApplyDoesNotForward(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)
	w := f.dir.add("w1")
	f.hub.Watch(ctx, "world.lobby", "lobby", w)
	require.NoError(t, f.hub.AddFilter(ctx, "world.lobby", "w1", everybody("all")))
	w.take()

	apply, ok := f.repl.applyFunc("world.lobby")
	require.True(t, ok)

	require.NoError(t, apply(ctx, space.Mutation{
		Kind:  space.MutationAddUser,
		Space: "world.lobby",
		User:  &space.SpaceUser{ID: 7, Name: "Remote"},
	}))
	require.NoError(t, apply(ctx, space.Mutation{
		Kind:     space.MutationUpdateMetadata,
		Space:    "world.lobby",
		Metadata: map[string]any{"k": "v"},
	}))
	require.NoError(t, apply(ctx, space.Mutation{
		Kind:   space.MutationRemoveUser,
		Space:  "world.lobby",
		UserID: 7,
	}))

	kinds := []space.Kind{}
	for _, n := range w.take() {
		kinds = append(kinds, n.Kind)
	}
	assert.Equal(t, []space.Kind{space.KindAddUser, space.KindUpdateMetadata, space.KindRemoveUser}, kinds)
	assert.Zero(t, f.upstream.count(), "replayed mutations are never forwarded")

	t.Run("rejects", func(t *testing.T) {
		err := apply(ctx, space.Mutation{Kind: space.MutationUpdateUser, Space: "world.lobby"})
		assert.ErrorIs(t, err, ErrIncomplete)

		err = apply(ctx, space.Mutation{Kind: "rename", Space: "world.lobby"})
		assert.ErrorIs(t, err, ErrUnknownMutation)

		err = apply(ctx, space.Mutation{Kind: space.MutationRemoveUser, Space: "world.lobby", UserID: 42})
		assert.ErrorIs(t, err, space.ErrUserNotFound)

		err = f.hub.Apply(ctx, space.Mutation{Kind: space.MutationRemoveUser, Space: "world.other", UserID: 1})
		assert.ErrorIs(t, err, ErrSpaceNotFound)
	})
}

func TestHub_CollectsEmptySpaces(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)

	f.hub.Watch(ctx, "world.lobby", "lobby", f.dir.add("w1"))
	require.NoError(t, f.hub.AddUser(ctx, "world.lobby", space.SpaceUser{ID: 1, Name: "A"}, "c1"))

	// A user still pins the space.
	require.NoError(t, f.hub.Unwatch(ctx, "world.lobby", "w1"))
	assert.Equal(t, 1, f.hub.Len())
	assert.ErrorIs(t, f.hub.Unwatch(ctx, "world.lobby", "w1"), space.ErrWatcherNotFound)

	require.NoError(t, f.hub.RemoveUser(ctx, "world.lobby", 1))
	assert.Zero(t, f.hub.Len())
	assert.Zero(t, f.gauge.spaces)
	assert.Equal(t, []string{"world.lobby"}, f.repl.detached)

	// Watching again starts from a fresh space.
	f.hub.Watch(ctx, "world.lobby", "lobby", f.dir.add("w2"))
	sp, ok := f.hub.Space("world.lobby")
	require.True(t, ok)
	assert.Empty(t, sp.Users())
}

func TestHub_Dump(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)
	f.hub.Watch(ctx, "world.b", "b", f.dir.add("w1"))
	f.hub.Watch(ctx, "world.a", "a", f.dir.add("w2"))
	require.NoError(t, f.hub.AddUser(ctx, "world.a", space.SpaceUser{ID: 1, Name: "Alice"}, "c1"))

	dump := f.hub.Dump()
	require.Len(t, dump, 2)
	assert.Equal(t, "world.a", dump[0].Name)
	assert.Equal(t, 1, dump[0].UserCount)
	assert.Equal(t, "A***", dump[0].Users[0].Name)
	assert.Equal(t, "world.b", dump[1].Name)
}

func TestHub_ConcurrentWatchAndCollect(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "w" + string(rune('a'+i))
			w := f.dir.add(id)
			for j := 0; j < 50; j++ {
				f.hub.Watch(ctx, "world.lobby", "lobby", w)
				_ = f.hub.AddFilter(ctx, "world.lobby", id, everybody("all"))
				_ = f.hub.Unwatch(ctx, "world.lobby", id)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, f.hub.Len())
	assert.Zero(t, f.gauge.spaces)
}

func TestHub_LocalOperationsWaitForCatchUp(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)

	attached := make(chan bridge.ApplyFunc)
	finish := make(chan struct{})
	f.repl.catchUp = func(ctx context.Context, apply bridge.ApplyFunc) {
		attached <- apply
		<-finish
	}

	watched := make(chan error, 1)
	go func() { watched <- f.hub.Watch(ctx, "world.lobby", "lobby", f.dir.add("w1")) }()
	apply := <-attached

	joined := make(chan error, 1)
	go func() {
		joined <- f.hub.AddUser(ctx, "world.lobby", space.SpaceUser{ID: 5, Name: "Bob"}, "c-bob")
	}()

	// History: Bob joined and left through another edge before this one hosted the space.
	require.NoError(t, apply(ctx, space.Mutation{Kind: space.MutationAddUser, Space: "world.lobby", User: &space.SpaceUser{ID: 5, Name: "Bob"}}))
	require.NoError(t, apply(ctx, space.Mutation{Kind: space.MutationAddUser, Space: "world.lobby", User: &space.SpaceUser{ID: 6, Name: "Cy"}}))
	require.NoError(t, apply(ctx, space.Mutation{Kind: space.MutationRemoveUser, Space: "world.lobby", UserID: 5}))
	select {
	case err := <-joined:
		t.Fatalf("local join ran during catch-up: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 1, f.hub.Len(), "replayed removal does not collect a space still catching up")

	close(finish)
	require.NoError(t, <-watched)
	require.NoError(t, <-joined)

	sp, ok := f.hub.Space("world.lobby")
	require.True(t, ok)
	assert.ElementsMatch(t, []int64{5, 6}, userIDs(sp.Users()))
	for _, m := range sp.Users() {
		if m.ID == 5 {
			assert.Equal(t, "c-bob", m.ClientID())
		}
	}
}

func TestHub_WatchHonoursContextDuringCatchUp(t *testing.T) {
	f := newHubFixture(t)
	finish := make(chan struct{})
	f.repl.catchUp = func(context.Context, bridge.ApplyFunc) { <-finish }

	first := make(chan error, 1)
	go func() { first <- f.hub.Watch(context.Background(), "world.lobby", "lobby", f.dir.add("w1")) }()
	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.hub.Watch(ctx, "world.lobby", "lobby", f.dir.add("w2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, f.hub.AddUser(ctx, "world.lobby", space.SpaceUser{ID: 1, Name: "A"}, "c1"), context.DeadlineExceeded)

	close(finish)
	require.NoError(t, <-first)
}

func TestHub_RemoveUserOwnedBy(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)
	require.NoError(t, f.hub.Watch(ctx, "world.lobby", "lobby", f.dir.add("w1")))

	require.NoError(t, f.hub.AddUser(ctx, "world.lobby", space.SpaceUser{ID: 5, Name: "Eve"}, "old-conn"))
	// Eve reconnects before the old socket times out.
	require.NoError(t, f.hub.AddUser(ctx, "world.lobby", space.SpaceUser{ID: 5, Name: "Eve"}, "new-conn"))
	forwarded := f.upstream.count()

	assert.ErrorIs(t, f.hub.RemoveUserOwnedBy(ctx, "world.lobby", 5, "old-conn"), space.ErrUserMoved)
	sp, _ := f.hub.Space("world.lobby")
	require.Len(t, sp.Users(), 1)
	assert.Equal(t, forwarded, f.upstream.count(), "a refused removal is not forwarded")

	require.NoError(t, f.hub.RemoveUserOwnedBy(ctx, "world.lobby", 5, "new-conn"))
	assert.Empty(t, sp.Users())
	assert.ErrorIs(t, f.hub.RemoveUserOwnedBy(ctx, "world.lobby", 5, "new-conn"), space.ErrUserNotFound)
}

type edge struct {
	hub    *Hub
	bridge *bridge.Bridge
	dir    *directory
}

func startEdge(t *testing.T, id string, mr *miniredis.Miniredis) *edge {
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zaptest.NewLogger(t).Named(id)
	transport := bridge.NewRedisStreams(client, bridge.RedisOptions{MaxLen: 10000, Block: 20 * time.Millisecond, Batch: 100})
	b := bridge.New(bridge.Config{
		NodeID:         id,
		StreamPrefix:   "space",
		QueueSize:      4096,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		CatchUpTimeout: 5 * time.Second,
	}, transport, logger, nil)
	b.Start()
	t.Cleanup(func() { _ = b.Close() })

	dir := &directory{conns: map[string]*inbox{}}
	return &edge{
		hub:    New(Deps{Directory: dir, Upstream: b, Replicator: b}, logger),
		dir:    dir,
		bridge: b,
	}
}

func TestHub_RejoinThroughAnotherEdge(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	const lobby = "world.lobby"

	edgeA := startEdge(t, "edge-a", mr)
	require.NoError(t, edgeA.hub.Watch(ctx, lobby, "lobby", edgeA.dir.add("watcher-a")))
	edgeA.dir.add("c-ada")
	edgeA.dir.add("c-bob-old")
	require.NoError(t, edgeA.hub.AddUser(ctx, lobby, space.SpaceUser{ID: 1, Name: "Ada", Tags: []string{space.AdminTag}}, "c-ada"))
	require.NoError(t, edgeA.hub.AddUser(ctx, lobby, space.SpaceUser{ID: 2, Name: "Bob"}, "c-bob-old"))
	for i := 0; i < 250; i++ {
		require.NoError(t, edgeA.hub.UpdateMetadata(ctx, lobby, map[string]any{"round": i}))
	}
	require.NoError(t, edgeA.hub.KickOff(ctx, lobby, 1, 2))
	require.NoError(t, edgeA.hub.RemoveUser(ctx, lobby, 2))

	// Every mutation edge A made is in the log before Bob comes back.
	logClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer logClient.Close()
	require.Eventually(t, func() bool {
		n, err := logClient.XLen(ctx, "space:"+lobby).Result()
		return err == nil && n == 254
	}, 5*time.Second, 5*time.Millisecond)

	edgeB := startEdge(t, "edge-b", mr)
	bob := edgeB.dir.add("c-bob")
	require.NoError(t, edgeB.hub.Watch(ctx, lobby, "lobby", bob))
	require.NoError(t, edgeB.hub.AddUser(ctx, lobby, space.SpaceUser{ID: 2, Name: "Bob"}, "c-bob"))

	spA, _ := edgeA.hub.Space(lobby)
	spB, _ := edgeB.hub.Space(lobby)
	require.Eventually(t, func() bool {
		return slices.Equal(userIDs(spA.Users()), []int64{1, 2})
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int64{1, 2}, userIDs(spB.Users()), "stale history must not remove a user hosted here")
	assert.EqualValues(t, 249, spB.Metadata()["round"])
	for _, n := range bob.take() {
		assert.NotEqual(t, space.KindKickOff, n.Kind, "an old kick is history, not news")
	}
}

func userIDs(members []*space.Member) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}
