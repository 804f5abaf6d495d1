package space

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func containsName(name, value string) NamedFilter {
	return NamedFilter{Name: name, Filter: NewContainsName(value)}
}

func everybody(name string) NamedFilter {
	return NamedFilter{Name: name, Filter: Everybody{}}
}

func TestAddFilter_InitialSync(t *testing.T) {
	f := newFixture(t)
	f.join(t, SpaceUser{ID: 1, Name: "Alice"})
	f.join(t, SpaceUser{ID: 2, Name: "Albert"})
	f.join(t, SpaceUser{ID: 3, Name: "Carol"})

	w := f.watch(t, "w1")
	require.NoError(t, f.space.AddFilter("w1", containsName("al", "AL")))

	got := w.take()
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []int64{1, 2}, userIDs(got))
	for _, n := range got {
		assert.Equal(t, KindAddUser, n.Kind)
		assert.Equal(t, "al", n.Filter)
		assert.Equal(t, "lobby", n.Space)
		require.NotNil(t, n.User)
	}

	t.Run("duplicate filter name", func(t *testing.T) {
		err := f.space.AddFilter("w1", everybody("al"))
		assert.ErrorIs(t, err, ErrDuplicateFilter)
		assert.Empty(t, w.take())
		assert.Len(t, f.space.Filters("w1"), 1)
	})

	t.Run("unknown watcher", func(t *testing.T) {
		err := f.space.AddFilter("ghost", everybody("all"))
		assert.ErrorIs(t, err, ErrWatcherNotFound)
	})
}

func TestUpdateFilter_SymmetricDifference(t *testing.T) {
	f := newFixture(t)
	f.join(t, SpaceUser{ID: 1, Name: "Alice"})
	f.join(t, SpaceUser{ID: 2, Name: "Bob"})
	w := f.watch(t, "w1", containsName("main", "al"))

	require.NoError(t, f.space.UpdateFilter("w1", everybody("main")))

	got := w.take()
	require.Len(t, got, 1)
	assert.Equal(t, KindAddUser, got[0].Kind)
	assert.Equal(t, int64(2), got[0].UserID)
	assert.Equal(t, "main", got[0].Filter)

	t.Run("narrowing emits removals only", func(t *testing.T) {
		require.NoError(t, f.space.UpdateFilter("w1", containsName("main", "bo")))
		got := w.take()
		require.Len(t, got, 1)
		assert.Equal(t, KindRemoveUser, got[0].Kind)
		assert.Equal(t, int64(1), got[0].UserID)
	})

	t.Run("unknown filter name", func(t *testing.T) {
		err := f.space.UpdateFilter("w1", everybody("other"))
		assert.ErrorIs(t, err, ErrFilterNotFound)
		assert.Empty(t, w.take())
	})
}

func TestRemoveFilter_EmitsNothing(t *testing.T) {
	f := newFixture(t)
	f.join(t, SpaceUser{ID: 1, Name: "Alice"})
	w := f.watch(t, "w1", everybody("all"))

	require.NoError(t, f.space.RemoveFilter("w1", "all"))
	assert.Empty(t, w.take())
	assert.Empty(t, f.space.Filters("w1"))

	require.NoError(t, f.space.LocalUpdateUser(SpaceUser{ID: 1, Name: "Alicia"}, FieldMask{FieldName}))
	assert.Empty(t, w.take(), "no filter, no membership notifications")

	assert.ErrorIs(t, f.space.RemoveFilter("w1", "all"), ErrFilterNotFound)
}

func TestUpdateUser_CrossesFilterBoundary(t *testing.T) {
	f := newFixture(t)
	f.join(t, SpaceUser{ID: 1, Name: "Alice"})
	byName := f.watch(t, "by-name", containsName("al", "al"))
	all := f.watch(t, "all", everybody("everyone"))

	require.NoError(t, f.space.UpdateUser(SpaceUser{ID: 1, Name: "Zara"}, FieldMask{FieldName}))

	got := byName.take()
	require.Len(t, got, 1)
	assert.Equal(t, KindRemoveUser, got[0].Kind)
	assert.Equal(t, int64(1), got[0].UserID)
	assert.Equal(t, "al", got[0].Filter)

	got = all.take()
	assert.Empty(t, filterKinds(got, KindAddUser, KindRemoveUser))
	require.Len(t, got, 1)
	assert.Equal(t, KindUpdateUser, got[0].Kind)
	assert.Equal(t, FieldMask{FieldName}, got[0].Mask)

	t.Run("moving back in synthesizes a full add", func(t *testing.T) {
		require.NoError(t, f.space.UpdateUser(SpaceUser{ID: 1, Name: "Alba"}, FieldMask{FieldName}))
		got := byName.take()
		require.Len(t, got, 1)
		assert.Equal(t, KindAddUser, got[0].Kind)
		require.NotNil(t, got[0].User)
		assert.Equal(t, "Alba", got[0].User.Name)
	})

	t.Run("unmatched before and after is suppressed", func(t *testing.T) {
		f.join(t, SpaceUser{ID: 2, Name: "Bob"})
		byName.take()
		require.NoError(t, f.space.UpdateUser(SpaceUser{ID: 2, Name: "Bobby"}, FieldMask{FieldName}))
		assert.Empty(t, byName.take())
	})
}

func filterKinds(ns []Notification, kinds ...Kind) []Notification {
	var out []Notification
	for _, n := range ns {
		for _, k := range kinds {
			if n.Kind == k {
				out = append(out, n)
			}
		}
	}
	return out
}

func TestUpdateUser_OneNotificationPerFilter(t *testing.T) {
	f := newFixture(t)
	f.join(t, SpaceUser{ID: 1, Name: "Alice"})
	w := f.watch(t, "w1",
		containsName("al", "al"),
		everybody("all"),
		NamedFilter{Name: "live", Filter: LiveStreaming{}},
	)

	require.NoError(t, f.space.UpdateUser(SpaceUser{ID: 1, MegaphoneState: true}, FieldMask{FieldMegaphoneState}))

	got := w.take()
	require.Len(t, got, 3)
	byFilter := map[string]Kind{}
	for _, n := range got {
		byFilter[n.Filter] = n.Kind
	}
	assert.Equal(t, map[string]Kind{
		"al":   KindUpdateUser,
		"all":  KindUpdateUser,
		"live": KindAddUser,
	}, byFilter)
}

func TestRemoveUser(t *testing.T) {
	f := newFixture(t)
	f.join(t, SpaceUser{ID: 1, Name: "Alice"})
	matching := f.watch(t, "m", containsName("al", "al"))
	other := f.watch(t, "o", containsName("zz", "zz"))

	require.NoError(t, f.space.RemoveUser(1))

	got := matching.take()
	require.Len(t, got, 1)
	assert.Equal(t, KindRemoveUser, got[0].Kind)
	assert.Empty(t, other.take())
	assert.True(t, f.space.IsEmpty())
	assert.False(t, f.space.Collectable(), "watchers keep the space alive")

	t.Run("absent user", func(t *testing.T) {
		err := f.space.RemoveUser(1)
		assert.ErrorIs(t, err, ErrUserNotFound)
		assert.Equal(t, 1, f.recorder.consistency["remove_user"])
	})
}

func TestAddUser_ForwardsAndNotifies(t *testing.T) {
	f := newFixture(t)
	w := f.watch(t, "w1", everybody("all"))

	require.NoError(t, f.space.AddUser(SpaceUser{ID: 5, Name: "Eve"}, "c5"))

	got := w.take()
	require.Len(t, got, 1)
	assert.Equal(t, KindAddUser, got[0].Kind)
	assert.Equal(t, "Eve", got[0].User.Name)

	muts := f.upstream.mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, MutationAddUser, muts[0].Kind)
	assert.Equal(t, "world.lobby", muts[0].Space)

	t.Run("local path does not forward", func(t *testing.T) {
		require.NoError(t, f.space.LocalAddUser(SpaceUser{ID: 6, Name: "Fay"}, ""))
		require.NoError(t, f.space.LocalUpdateUser(SpaceUser{ID: 6, Name: "Fae"}, FieldMask{FieldName}))
		require.NoError(t, f.space.LocalRemoveUser(6))
		assert.Len(t, f.upstream.mutations(), 1)
	})

	t.Run("duplicate join is reported, not rejected", func(t *testing.T) {
		require.NoError(t, f.space.AddUser(SpaceUser{ID: 5, Name: "Eva"}, "c5"))
		assert.Equal(t, 1, f.recorder.consistency["add_user"])
		users := f.space.Users()
		require.Len(t, users, 1)
		assert.Equal(t, "Eva", users[0].Name)
	})

	t.Run("rejected update is not forwarded", func(t *testing.T) {
		before := len(f.upstream.mutations())
		err := f.space.UpdateUser(SpaceUser{ID: 404}, FieldMask{FieldName})
		assert.ErrorIs(t, err, ErrUserNotFound)
		assert.Len(t, f.upstream.mutations(), before)
	})
}

func TestMetadata(t *testing.T) {
	f := newFixture(t)
	w1 := f.watch(t, "w1")
	w2 := f.watch(t, "w2", containsName("zz", "zz"))

	f.space.UpdateMetadata(map[string]any{"theme": "dark"})

	for _, w := range []*inbox{w1, w2} {
		got := w.take()
		require.Len(t, got, 1)
		assert.Equal(t, KindUpdateMetadata, got[0].Kind)
		assert.Empty(t, got[0].Filter)
		assert.Equal(t, "dark", got[0].Metadata["theme"])
	}

	f.space.LocalUpdateMetadata(map[string]any{"quiet": true}, false)
	assert.Empty(t, w1.take())
	assert.Equal(t, map[string]any{"theme": "dark", "quiet": true}, f.space.Metadata())
	assert.Len(t, f.upstream.mutations(), 1)
}

func TestPublicEvent(t *testing.T) {
	f := newFixture(t)
	s := f.join(t, SpaceUser{ID: 1, Name: "Sam"})
	a := f.join(t, SpaceUser{ID: 2, Name: "Ann"})
	b := f.join(t, SpaceUser{ID: 3, Name: "Ben"})
	require.NoError(t, f.space.LocalAddUser(SpaceUser{ID: 4, Name: "Remote"}, ""))

	ev := Event{Type: "reaction", Payload: json.RawMessage(`{"emoji":"wave"}`)}
	require.NoError(t, f.space.PublicEvent(1, ev))

	assert.Empty(t, s.take())
	for _, in := range []*inbox{a, b} {
		got := in.take()
		require.Len(t, got, 1)
		assert.Equal(t, KindPublicEvent, got[0].Kind)
		assert.Equal(t, int64(1), got[0].SenderID)
		assert.Equal(t, "reaction", got[0].Event.Type)
	}
	require.Len(t, f.upstream.mutations(), 1)

	t.Run("unknown sender", func(t *testing.T) {
		err := f.space.PublicEvent(99, ev)
		assert.ErrorIs(t, err, ErrSenderNotFound)
		assert.Empty(t, a.take())
		assert.Len(t, f.upstream.mutations(), 1)
	})

	t.Run("missing event", func(t *testing.T) {
		assert.ErrorIs(t, f.space.PublicEvent(1, Event{}), ErrMissingEvent)
	})
}

func TestPrivateEvent(t *testing.T) {
	f := newFixture(t)
	s := f.join(t, SpaceUser{ID: 1, Name: "Sam"})
	r := f.join(t, SpaceUser{ID: 2, Name: "Rae"})
	o := f.join(t, SpaceUser{ID: 3, Name: "Oli"})

	ev := Event{Type: "poke"}
	require.NoError(t, f.space.PrivateEvent(1, 2, ev))
	got := r.take()
	require.Len(t, got, 1)
	assert.Equal(t, KindPrivateEvent, got[0].Kind)
	assert.Equal(t, int64(2), got[0].ReceiverID)
	assert.Empty(t, s.take())
	assert.Empty(t, o.take())

	t.Run("absent receiver is rejected without delivery", func(t *testing.T) {
		err := f.space.PrivateEvent(1, 42, ev)
		assert.ErrorIs(t, err, ErrReceiverNotFound)
		assert.Empty(t, s.take())
		assert.Empty(t, r.take())
		assert.Empty(t, o.take())
		assert.Len(t, f.upstream.mutations(), 1)
	})

	t.Run("absent sender is rejected without delivery", func(t *testing.T) {
		err := f.space.PrivateEvent(42, 2, ev)
		assert.ErrorIs(t, err, ErrSenderNotFound)
		assert.Empty(t, r.take())
	})
}

func TestEventProcessor(t *testing.T) {
	p := NewProcessor().
		RegisterPublic("wave", func(ev Event, sender SpaceUser) Event {
			ev.Payload = json.RawMessage(fmt.Sprintf(`{"from":%q}`, sender.Name))
			return ev
		}).
		RegisterPrivate("poke", func(ev Event, sender, receiver SpaceUser) Event {
			ev.Payload = json.RawMessage(fmt.Sprintf(`{"to":%q}`, receiver.Name))
			return ev
		})

	dir := directory{}
	s := New("w.s", "s", Deps{Directory: dir, Processor: p})
	a, b := newInbox("a"), newInbox("b")
	dir["a"], dir["b"] = a, b
	require.NoError(t, s.LocalAddUser(SpaceUser{ID: 1, Name: "Ann"}, "a"))
	require.NoError(t, s.LocalAddUser(SpaceUser{ID: 2, Name: "Ben"}, "b"))

	require.NoError(t, s.DeliverPublicEvent(1, Event{Type: "wave"}))
	got := b.take()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"from":"Ann"}`, string(got[0].Event.Payload))

	require.NoError(t, s.DeliverPrivateEvent(2, 1, Event{Type: "poke"}))
	got = a.take()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"to":"Ann"}`, string(got[0].Event.Payload))

	require.NoError(t, s.DeliverPublicEvent(1, Event{Type: "other", Payload: json.RawMessage(`1`)}))
	got = b.take()
	require.Len(t, got, 1)
	assert.Equal(t, json.RawMessage(`1`), got[0].Event.Payload)
}

func TestKickOff(t *testing.T) {
	f := newFixture(t)
	admin := f.join(t, SpaceUser{ID: 1, Name: "Root", Tags: []string{AdminTag}})
	victim := f.join(t, SpaceUser{ID: 2, Name: "Vic"})
	f.join(t, SpaceUser{ID: 3, Name: "Pat"})

	require.NoError(t, f.space.KickOff(1, 2))
	for _, in := range []*inbox{admin, victim} {
		got := in.ofKind(KindKickOff)
		require.Len(t, got, 1)
		assert.Equal(t, int64(2), got[0].UserID)
	}
	require.Len(t, f.upstream.mutations(), 1)
	assert.Equal(t, MutationKickOff, f.upstream.mutations()[0].Kind)

	t.Run("non admin is forbidden", func(t *testing.T) {
		assert.ErrorIs(t, f.space.KickOff(3, 2), ErrForbidden)
		assert.Empty(t, victim.take())
	})
}

func TestWatch_ReattachReplaysMatches(t *testing.T) {
	f := newFixture(t)
	f.join(t, SpaceUser{ID: 1, Name: "Alice"})
	f.join(t, SpaceUser{ID: 2, Name: "Bob"})
	f.watch(t, "w1", containsName("al", "al"))

	fresh := newInbox("w1")
	f.space.Watch(fresh)

	got := fresh.take()
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].UserID)
	assert.Equal(t, 1, f.space.WatcherCount())

	assert.True(t, f.space.Unwatch("w1"))
	assert.False(t, f.space.Unwatch("w1"))
}

func TestDump(t *testing.T) {
	f := newFixture(t)
	f.join(t, SpaceUser{ID: 1, Name: "Alice", CameraState: true})
	require.NoError(t, f.space.LocalAddUser(SpaceUser{ID: 2, Name: "Bob"}, ""))
	f.watch(t, "w1")
	f.space.LocalUpdateMetadata(map[string]any{"b": 1, "a": 2}, false)

	d := f.space.Dump()
	assert.Equal(t, "world.lobby", d.Name)
	assert.Equal(t, 2, d.UserCount)
	assert.Equal(t, 1, d.WatcherCount)
	assert.Equal(t, []string{"a", "b"}, d.MetadataKeys)
	require.Len(t, d.Users, 2)
	assert.Equal(t, DumpUser{ID: 1, Name: "A***", Local: true, CameraState: true}, d.Users[0])
	assert.False(t, d.Users[1].Local)
}

// Concurrent filter installs and removals must never leave a watcher with
// an add for a user already gone or a remove for a user still present.
func TestConcurrentInstallAndRemove(t *testing.T) {
	f := newFixture(t)
	const users = 50
	for i := 1; i <= users; i++ {
		require.NoError(t, f.space.LocalAddUser(SpaceUser{ID: int64(i), Name: fmt.Sprintf("user%d", i)}, ""))
	}
	w := newInbox("w")
	f.space.Watch(w)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= users; i++ {
			_ = f.space.LocalRemoveUser(int64(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = f.space.AddFilter("w", everybody(fmt.Sprintf("f%d", i)))
		}
	}()
	wg.Wait()

	// Replay the notification stream per filter: adds must precede removes
	// and the final view must match the (empty) registry.
	views := map[string]map[int64]bool{}
	for _, n := range w.take() {
		view, ok := views[n.Filter]
		if !ok {
			view = map[int64]bool{}
			views[n.Filter] = view
		}
		switch n.Kind {
		case KindAddUser:
			assert.False(t, view[n.UserID], "double add of %d on %s", n.UserID, n.Filter)
			view[n.UserID] = true
		case KindRemoveUser:
			assert.True(t, view[n.UserID], "remove of %d on %s before add", n.UserID, n.Filter)
			delete(view, n.UserID)
		}
	}
	for name, view := range views {
		assert.Empty(t, view, "filter %s still sees removed users", name)
	}
	assert.True(t, f.space.IsEmpty())
}
