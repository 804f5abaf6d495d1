package space

import (
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

type inbox struct {
	id string

	mu  sync.Mutex
	got []Notification
}

func newInbox(id string) *inbox { return &inbox{id: id} }

func (i *inbox) ID() string { return i.id }

func (i *inbox) Deliver(n Notification) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, n)
}

func (i *inbox) take() []Notification {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.got
	i.got = nil
	return out
}

func (i *inbox) ofKind(k Kind) []Notification {
	var out []Notification
	for _, n := range i.take() {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

type directory map[string]*inbox

func (d directory) Lookup(id string) (Recipient, bool) {
	r, ok := d[id]
	return r, ok
}

type upstreamLog struct {
	mu  sync.Mutex
	out []Mutation
}

func (u *upstreamLog) Forward(m Mutation) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.out = append(u.out, m)
}

func (u *upstreamLog) mutations() []Mutation {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Mutation(nil), u.out...)
}

type countingRecorder struct {
	mu          sync.Mutex
	queued      map[Kind]int
	consistency map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{queued: map[Kind]int{}, consistency: map[string]int{}}
}

func (r *countingRecorder) NotificationQueued(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued[k]++
}

func (r *countingRecorder) ConsistencyError(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consistency[op]++
}

type fixture struct {
	space    *Space
	dir      directory
	upstream *upstreamLog
	recorder *countingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:      directory{},
		upstream: &upstreamLog{},
		recorder: newCountingRecorder(),
	}
	f.space = New("world.lobby", "lobby", Deps{
		Directory: f.dir,
		Upstream:  f.upstream,
		Recorder:  f.recorder,
		Logger:    zaptest.NewLogger(t),
	})
	return f
}

// join adds a user hosted on this node with its own inbox.
func (f *fixture) join(t *testing.T, u SpaceUser) *inbox {
	t.Helper()
	in := newInbox("conn-" + u.Name)
	f.dir[in.id] = in
	if err := f.space.LocalAddUser(u, in.id); err != nil {
		t.Fatalf("join %s: %v", u.Name, err)
	}
	return in
}

func (f *fixture) watch(t *testing.T, id string, filters ...NamedFilter) *inbox {
	t.Helper()
	in := newInbox(id)
	f.space.Watch(in)
	for _, nf := range filters {
		if err := f.space.AddFilter(id, nf); err != nil {
			t.Fatalf("add filter %s: %v", nf.Name, err)
		}
	}
	in.take()
	return in
}

func userIDs(ns []Notification) []int64 {
	out := make([]int64, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.UserID)
	}
	return out
}
