package spacehub

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/space-broker/internal/domain/space"
	"github.com/davidleathers/space-broker/internal/infrastructure/telemetry"
)

// Hub owns every space hosted on this node, keyed by durable name.
// Spaces are created when the first watcher subscribes and collected once
// they hold neither users nor watchers. A new space first catches up with
// the upstream log; local operations wait for that, replays do not.
// Lock order is hub, then space.
type Hub struct {
	mu     sync.RWMutex
	spaces map[string]*entry

	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

type entry struct {
	sp *space.Space
	// ready is closed once the upstream catch-up has finished.
	ready chan struct{}
}

func (e *entry) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// New creates an empty hub.
func New(deps Deps, logger *zap.Logger) *Hub {
	if deps.Replicator == nil {
		deps.Replicator = nopReplicator{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Hub{
		spaces: make(map[string]*entry),
		deps:   deps,
		logger: logger.Named("spacehub"),
		tracer: telemetry.Tracer("space-broker/spacehub"),
	}
}

// Watch attaches rec to the space. When this node did not host the space
// yet, it is created and caught up with upstream before rec is attached.
func (h *Hub) Watch(ctx context.Context, name, localName string, rec space.Recipient) error {
	ctx, span := h.start(ctx, "watch", name)
	defer span.End()

	for {
		e, err := h.acquire(ctx, span, name, localName)
		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		h.mu.RLock()
		if h.spaces[name] == e {
			e.sp.Watch(rec)
			h.mu.RUnlock()
			return nil
		}
		// Collected between catch-up and attaching; start over.
		h.mu.RUnlock()
	}
}

// acquire returns the ready entry for name, creating and catching it up
// if needed.
func (h *Hub) acquire(ctx context.Context, span trace.Span, name, localName string) (*entry, error) {
	h.mu.Lock()
	e, ok := h.spaces[name]
	if !ok {
		e = &entry{
			sp: space.New(name, localName, space.Deps{
				Directory: h.deps.Directory,
				Upstream:  h.deps.Upstream,
				Processor: h.deps.Processor,
				Recorder:  h.deps.Recorder,
				Logger:    h.logger,
			}),
			ready: make(chan struct{}),
		}
		h.spaces[name] = e
		h.deps.Recorder.SetSpaces(len(h.spaces))
	}
	h.mu.Unlock()

	if !ok {
		h.deps.Replicator.Attach(ctx, name, h.Apply)
		close(e.ready)
		h.logger.Info("space created",
			zap.String("space", name),
			zap.String("local_name", localName),
			zap.Int("users", len(e.sp.Users())),
		)
		span.SetAttributes(attribute.Bool("created", true))
		return e, nil
	}
	select {
	case <-e.ready:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unwatch detaches a watcher and collects the space if nothing holds it.
func (h *Hub) Unwatch(ctx context.Context, name, watcherID string) error {
	err := h.do(ctx, "unwatch", name, func(sp *space.Space) error {
		if !sp.Unwatch(watcherID) {
			return space.ErrWatcherNotFound
		}
		return nil
	})
	if err == nil {
		h.collect(name)
	}
	return err
}

func (h *Hub) AddFilter(ctx context.Context, name, watcherID string, nf space.NamedFilter) error {
	return h.do(ctx, "add_filter", name, func(sp *space.Space) error {
		return sp.AddFilter(watcherID, nf)
	})
}

func (h *Hub) UpdateFilter(ctx context.Context, name, watcherID string, nf space.NamedFilter) error {
	return h.do(ctx, "update_filter", name, func(sp *space.Space) error {
		return sp.UpdateFilter(watcherID, nf)
	})
}

func (h *Hub) RemoveFilter(ctx context.Context, name, watcherID, filterName string) error {
	return h.do(ctx, "remove_filter", name, func(sp *space.Space) error {
		return sp.RemoveFilter(watcherID, filterName)
	})
}

// AddUser joins a user owned by connection clientID.
func (h *Hub) AddUser(ctx context.Context, name string, u space.SpaceUser, clientID string) error {
	return h.do(ctx, "add_user", name, func(sp *space.Space) error {
		return sp.AddUser(u, clientID)
	})
}

func (h *Hub) UpdateUser(ctx context.Context, name string, partial space.SpaceUser, mask space.FieldMask) error {
	return h.do(ctx, "update_user", name, func(sp *space.Space) error {
		return sp.UpdateUser(partial, mask)
	})
}

func (h *Hub) RemoveUser(ctx context.Context, name string, id int64) error {
	err := h.do(ctx, "remove_user", name, func(sp *space.Space) error {
		return sp.RemoveUser(id)
	})
	if err == nil {
		h.collect(name)
	}
	return err
}

// RemoveUserOwnedBy removes a user only while clientID still hosts it.
func (h *Hub) RemoveUserOwnedBy(ctx context.Context, name string, id int64, clientID string) error {
	err := h.do(ctx, "remove_user", name, func(sp *space.Space) error {
		return sp.RemoveUserOwnedBy(id, clientID)
	})
	if err == nil {
		h.collect(name)
	}
	return err
}

func (h *Hub) UpdateMetadata(ctx context.Context, name string, md map[string]any) error {
	return h.do(ctx, "update_metadata", name, func(sp *space.Space) error {
		sp.UpdateMetadata(md)
		return nil
	})
}

func (h *Hub) PublicEvent(ctx context.Context, name string, senderID int64, ev space.Event) error {
	return h.do(ctx, "public_event", name, func(sp *space.Space) error {
		return sp.PublicEvent(senderID, ev)
	})
}

func (h *Hub) PrivateEvent(ctx context.Context, name string, senderID, receiverID int64, ev space.Event) error {
	return h.do(ctx, "private_event", name, func(sp *space.Space) error {
		return sp.PrivateEvent(senderID, receiverID, ev)
	})
}

func (h *Hub) KickOff(ctx context.Context, name string, senderID, userID int64) error {
	return h.do(ctx, "kick_off", name, func(sp *space.Space) error {
		return sp.KickOff(senderID, userID)
	})
}

// Apply replays a mutation received from upstream through the local entry
// points, so it is dispatched but never forwarded again.
func (h *Hub) Apply(ctx context.Context, m space.Mutation) error {
	err := h.run(ctx, "apply", m.Space, false, func(sp *space.Space) error {
		return apply(sp, m)
	})
	if err == nil && m.Kind == space.MutationRemoveUser {
		h.collect(m.Space)
	}
	return err
}

func apply(sp *space.Space, m space.Mutation) error {
	switch m.Kind {
	case space.MutationAddUser:
		if m.User == nil {
			return ErrIncomplete
		}
		return sp.LocalAddUser(*m.User, "")
	case space.MutationUpdateUser:
		if m.User == nil {
			return ErrIncomplete
		}
		return sp.LocalUpdateUser(*m.User, m.Mask)
	case space.MutationRemoveUser:
		return sp.LocalRemoveUser(m.UserID)
	case space.MutationUpdateMetadata:
		sp.LocalUpdateMetadata(m.Metadata, true)
		return nil
	case space.MutationPublicEvent:
		if m.Event == nil {
			return ErrIncomplete
		}
		return sp.DeliverPublicEvent(m.SenderID, *m.Event)
	case space.MutationPrivateEvent:
		if m.Event == nil {
			return ErrIncomplete
		}
		return sp.DeliverPrivateEvent(m.SenderID, m.ReceiverID, *m.Event)
	case space.MutationKickOff:
		sp.DeliverKickOff(m.SenderID, m.UserID)
		return nil
	default:
		return ErrUnknownMutation.WithDetails(map[string]interface{}{"kind": string(m.Kind)})
	}
}

// Space returns a hosted space.
func (h *Hub) Space(name string) (*space.Space, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.spaces[name]
	if !ok {
		return nil, false
	}
	return e.sp, true
}

// Len returns the number of hosted spaces.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.spaces)
}

// Dump describes every hosted space, ordered by durable name.
func (h *Hub) Dump() []space.Dump {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]space.Dump, 0, len(h.spaces))
	for _, e := range h.spaces {
		out = append(out, e.sp.Dump())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *Hub) do(ctx context.Context, op, name string, fn func(sp *space.Space) error) error {
	return h.run(ctx, op, name, true, fn)
}

// run calls fn on the named space under the hub read lock. With wait set it
// first waits for the space to finish catching up with upstream.
func (h *Hub) run(ctx context.Context, op, name string, wait bool, fn func(sp *space.Space) error) error {
	ctx, span := h.start(ctx, op, name)
	defer span.End()

	for {
		h.mu.RLock()
		e, ok := h.spaces[name]
		if !ok {
			h.mu.RUnlock()
			err := ErrSpaceNotFound.WithDetails(map[string]interface{}{"space": name})
			telemetry.RecordError(span, err)
			return err
		}
		if !wait || e.isReady() {
			err := fn(e.sp)
			h.mu.RUnlock()
			telemetry.RecordError(span, err)
			return err
		}
		h.mu.RUnlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			telemetry.RecordError(span, ctx.Err())
			return ctx.Err()
		}
	}
}

func (h *Hub) start(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, "spacehub."+op, trace.WithAttributes(attribute.String("space", name)))
}

func (h *Hub) collect(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.spaces[name]
	if !ok || !e.isReady() || !e.sp.Collectable() {
		return
	}
	delete(h.spaces, name)
	h.deps.Replicator.Detach(name)
	h.deps.Recorder.SetSpaces(len(h.spaces))
	h.logger.Info("space collected", zap.String("space", name))
}
