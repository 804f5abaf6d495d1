package space

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// AdminTag is the role tag allowed to kick other users off a space.
const AdminTag = "admin"

// Deps are the collaborators a Space talks to. Nil members fall back to
// no-op implementations, except Directory which is required for user
// broadcasts.
type Deps struct {
	Directory Directory
	Upstream  Upstream
	Processor EventProcessor
	Recorder  Recorder
	Logger    *zap.Logger
}

// Space holds the users and watchers of one named group on this node.
// All methods are safe for concurrent use; mutations and the notifications
// they produce are serialized by a single per-space lock, so dispatch
// always observes post-mutation state.
type Space struct {
	name      string
	localName string

	mu       sync.Mutex
	users    *UserRegistry
	watchers *WatcherRegistry
	metadata map[string]any

	directory Directory
	upstream  Upstream
	processor EventProcessor
	recorder  Recorder
	logger    *zap.Logger
}

// New creates an empty space. name is the durable name shared across nodes;
// localName is what clients see in notifications.
func New(name, localName string, deps Deps) *Space {
	s := &Space{
		name:      name,
		localName: localName,
		users:     NewUserRegistry(),
		watchers:  NewWatcherRegistry(),
		metadata:  make(map[string]any),
		directory: deps.Directory,
		upstream:  deps.Upstream,
		processor: deps.Processor,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
	}
	if s.directory == nil {
		s.directory = emptyDirectory{}
	}
	if s.upstream == nil {
		s.upstream = nopUpstream{}
	}
	if s.processor == nil {
		s.processor = NewProcessor()
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("space", name))
	return s
}

// Name returns the durable name.
func (s *Space) Name() string { return s.name }

// LocalName returns the client-facing name.
func (s *Space) LocalName() string { return s.localName }

// Watch attaches rec. Re-attaching an id already present swaps its handle
// and replays the users matched by the filters it still holds.
func (s *Space) Watch(rec Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.watchers.Attach(rec) {
		s.logger.Debug("watcher added", zap.String("watcher", rec.ID()))
		return
	}
	replayed := 0
	for _, nf := range s.watchers.Filters(rec.ID()) {
		replayed += s.syncFilter(rec, nf)
	}
	s.logger.Debug("watcher re-attached",
		zap.String("watcher", rec.ID()),
		zap.Int("replayed", replayed),
	)
}

// Unwatch detaches the watcher and drops its filters. It reports whether
// the watcher was attached.
func (s *Space) Unwatch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.watchers.Detach(id)
	if ok {
		s.logger.Debug("watcher removed", zap.String("watcher", id))
	}
	return ok
}

// AddFilter installs nf for the watcher and sends it every matching user.
func (s *Space) AddFilter(watcherID string, nf NamedFilter) error {
	if nf.Filter == nil {
		return ErrMalformedFilter
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.watchers.addFilter(watcherID, nf)
	if err != nil {
		return err
	}
	added := s.syncFilter(w.recipient, nf)
	s.logger.Debug("filter added",
		zap.String("watcher", watcherID),
		zap.String("filter", nf.Name),
		zap.Int("added", added),
	)
	return nil
}

// UpdateFilter replaces the watcher's filter of the same name and sends the
// difference between the two views.
func (s *Space) UpdateFilter(watcherID string, nf NamedFilter) error {
	if nf.Filter == nil {
		return ErrMalformedFilter
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, old, err := s.watchers.replaceFilter(watcherID, nf)
	if err != nil {
		return err
	}
	added, removed := s.filterDelta(w.recipient, nf.Name, old.Filter, nf.Filter)
	s.logger.Debug("filter updated",
		zap.String("watcher", watcherID),
		zap.String("filter", nf.Name),
		zap.Int("added", added),
		zap.Int("removed", removed),
	)
	return nil
}

// RemoveFilter drops the named filter. No removals are sent: the watcher
// discards its own view of that filter.
func (s *Space) RemoveFilter(watcherID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.watchers.removeFilter(watcherID, name); err != nil {
		return err
	}
	s.logger.Debug("filter removed", zap.String("watcher", watcherID), zap.String("filter", name))
	return nil
}

// AddUser joins a user connected to this node and forwards the join upstream.
func (s *Space) AddUser(u SpaceUser, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.addUser(u, clientID); err != nil {
		return err
	}
	s.upstream.Forward(Mutation{Kind: MutationAddUser, Space: s.name, User: ptr(u.Clone())})
	return nil
}

// LocalAddUser applies a join without forwarding it.
func (s *Space) LocalAddUser(u SpaceUser, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUser(u, clientID)
}

func (s *Space) addUser(u SpaceUser, clientID string) error {
	m, prev, err := s.users.Add(u, clientID)
	switch {
	case errors.Is(err, ErrDuplicateUser):
		// Re-sync may legitimately announce a user twice; the entry was overwritten.
		s.consistency("add_user", err, zap.Int64("user_id", u.ID))
	case err != nil:
		return err
	}
	s.logger.Debug("user added", zap.Int64("user_id", u.ID))
	s.propagate(change{kind: KindAddUser, before: prev, after: m})
	return nil
}

// UpdateUser merges the masked fields of partial and forwards the update.
func (s *Space) UpdateUser(partial SpaceUser, mask FieldMask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateUser(partial, mask); err != nil {
		return err
	}
	s.upstream.Forward(Mutation{
		Kind:  MutationUpdateUser,
		Space: s.name,
		User:  ptr(partial.Clone()),
		Mask:  slices.Clone(mask),
	})
	return nil
}

// LocalUpdateUser applies an update without forwarding it.
func (s *Space) LocalUpdateUser(partial SpaceUser, mask FieldMask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateUser(partial, mask)
}

func (s *Space) updateUser(partial SpaceUser, mask FieldMask) error {
	before, after, err := s.users.Update(partial, mask)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.consistency("update_user", err, zap.Int64("user_id", partial.ID))
		}
		return err
	}
	s.logger.Debug("user updated", zap.Int64("user_id", partial.ID), zap.Int("fields", len(mask)))
	s.propagate(change{kind: KindUpdateUser, before: before, after: after, partial: &partial, mask: mask})
	return nil
}

// RemoveUser removes a user and forwards the removal.
func (s *Space) RemoveUser(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.removeUser(id); err != nil {
		return err
	}
	s.upstream.Forward(Mutation{Kind: MutationRemoveUser, Space: s.name, UserID: id})
	return nil
}

// RemoveUserOwnedBy removes a user only while it is hosted by clientID. A
// user that rejoined through another connection is left alone and
// ErrUserMoved is returned.
func (s *Space) RemoveUserOwnedBy(id int64, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.users.Get(id)
	if !ok {
		s.consistency("remove_user", ErrUserNotFound, zap.Int64("user_id", id))
		return ErrUserNotFound
	}
	if m.clientID != clientID {
		return ErrUserMoved
	}
	if err := s.removeUser(id); err != nil {
		return err
	}
	s.upstream.Forward(Mutation{Kind: MutationRemoveUser, Space: s.name, UserID: id})
	return nil
}

// LocalRemoveUser applies a removal without forwarding it.
func (s *Space) LocalRemoveUser(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeUser(id)
}

func (s *Space) removeUser(id int64) error {
	m, err := s.users.Remove(id)
	if err != nil {
		s.consistency("remove_user", err, zap.Int64("user_id", id))
		return err
	}
	s.logger.Debug("user removed", zap.Int64("user_id", id))
	s.propagate(change{kind: KindRemoveUser, after: m})
	return nil
}

// UpdateMetadata merges md into the space metadata, broadcasts it to every
// watcher and forwards it.
func (s *Space) UpdateMetadata(md map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateMetadata(md, true)
	s.upstream.Forward(Mutation{Kind: MutationUpdateMetadata, Space: s.name, Metadata: maps.Clone(md)})
}

// LocalUpdateMetadata merges md without forwarding. With emit false the
// change is applied silently.
func (s *Space) LocalUpdateMetadata(md map[string]any, emit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateMetadata(md, emit)
}

func (s *Space) updateMetadata(md map[string]any, emit bool) {
	maps.Copy(s.metadata, md)
	if !emit {
		return
	}
	s.watchers.each(func(w *watcher) {
		s.send(w.recipient, Notification{
			Space:    s.localName,
			Kind:     KindUpdateMetadata,
			Metadata: maps.Clone(md),
		})
	})
}

// Metadata returns a copy of the space metadata.
func (s *Space) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.metadata)
}

// PublicEvent delivers ev to every user connected here except the sender
// and forwards it so other nodes deliver to theirs.
func (s *Space) PublicEvent(senderID int64, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.publicEvent(senderID, ev); err != nil {
		return err
	}
	s.upstream.Forward(Mutation{Kind: MutationPublicEvent, Space: s.name, SenderID: senderID, Event: &ev})
	return nil
}

// DeliverPublicEvent delivers a relayed public event locally.
func (s *Space) DeliverPublicEvent(senderID int64, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicEvent(senderID, ev)
}

func (s *Space) publicEvent(senderID int64, ev Event) error {
	if ev.Type == "" {
		return ErrMissingEvent
	}
	sender, ok := s.users.members[senderID]
	if !ok {
		s.consistency("public_event", ErrSenderNotFound, zap.Int64("sender_id", senderID))
		return ErrSenderNotFound
	}
	out := s.processor.ProcessPublic(ev, sender.SpaceUser.Clone())
	s.broadcastUsers(senderID, Notification{
		Space:    s.localName,
		Kind:     KindPublicEvent,
		SenderID: senderID,
		Event:    &out,
	})
	return nil
}

// PrivateEvent delivers ev to the receiver's connection if it is hosted
// here and forwards it. Both users must be present.
func (s *Space) PrivateEvent(senderID, receiverID int64, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.privateEvent(senderID, receiverID, ev); err != nil {
		return err
	}
	s.upstream.Forward(Mutation{
		Kind:       MutationPrivateEvent,
		Space:      s.name,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Event:      &ev,
	})
	return nil
}

// DeliverPrivateEvent delivers a relayed private event locally.
func (s *Space) DeliverPrivateEvent(senderID, receiverID int64, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privateEvent(senderID, receiverID, ev)
}

func (s *Space) privateEvent(senderID, receiverID int64, ev Event) error {
	if ev.Type == "" {
		return ErrMissingEvent
	}
	receiver, ok := s.users.members[receiverID]
	if !ok {
		s.consistency("private_event", ErrReceiverNotFound, zap.Int64("receiver_id", receiverID))
		return ErrReceiverNotFound
	}
	sender, ok := s.users.members[senderID]
	if !ok {
		s.consistency("private_event", ErrSenderNotFound, zap.Int64("sender_id", senderID))
		return ErrSenderNotFound
	}
	if receiver.clientID == "" {
		return nil
	}
	rec, ok := s.directory.Lookup(receiver.clientID)
	if !ok {
		return nil
	}
	out := s.processor.ProcessPrivate(ev, sender.SpaceUser.Clone(), receiver.SpaceUser.Clone())
	s.send(rec, Notification{
		Space:      s.localName,
		Kind:       KindPrivateEvent,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Event:      &out,
	})
	return nil
}

// KickOff tells every user connected to the space that userID is kicked.
// Only a sender carrying AdminTag may do so.
func (s *Space) KickOff(senderID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.users.members[senderID]
	if !ok {
		s.consistency("kick_off", ErrSenderNotFound, zap.Int64("sender_id", senderID))
		return ErrSenderNotFound
	}
	if !sender.HasTag(AdminTag) {
		return ErrForbidden
	}
	s.kickOff(senderID, userID)
	s.upstream.Forward(Mutation{Kind: MutationKickOff, Space: s.name, SenderID: senderID, UserID: userID})
	return nil
}

// DeliverKickOff relays a kick decided on another node.
func (s *Space) DeliverKickOff(senderID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kickOff(senderID, userID)
}

func (s *Space) kickOff(senderID, userID int64) {
	s.logger.Info("user kicked off", zap.Int64("user_id", userID), zap.Int64("sender_id", senderID))
	s.broadcastUsers(0, Notification{
		Space:    s.localName,
		Kind:     KindKickOff,
		SenderID: senderID,
		UserID:   userID,
	})
}

// broadcastUsers sends n to the connection of every user hosted here,
// skipping except. Watching is not required.
func (s *Space) broadcastUsers(except int64, n Notification) {
	s.users.each(func(m *Member) {
		if m.ID == except || m.clientID == "" {
			return
		}
		if rec, ok := s.directory.Lookup(m.clientID); ok {
			s.send(rec, n)
		}
	})
}

func (s *Space) send(rec Recipient, n Notification) {
	rec.Deliver(n)
	s.recorder.NotificationQueued(n.Kind)
}

func (s *Space) consistency(op string, err error, fields ...zap.Field) {
	s.recorder.ConsistencyError(op)
	s.logger.Warn("space consistency error",
		append(fields, zap.String("op", op), zap.Error(err))...,
	)
}

// IsEmpty reports whether no user is registered.
func (s *Space) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users.Len() == 0
}

// Collectable reports whether the space has neither users nor watchers.
func (s *Space) Collectable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users.Len() == 0 && s.watchers.Len() == 0
}

// Users returns a copy of the registry ordered by id.
func (s *Space) Users() []*Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users.Snapshot()
}

// Filters returns the filters the watcher currently holds.
func (s *Space) Filters(watcherID string) []NamedFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchers.Filters(watcherID)
}

// WatcherCount returns the number of attached watchers.
func (s *Space) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchers.Len()
}

type emptyDirectory struct{}

func (emptyDirectory) Lookup(string) (Recipient, bool) { return nil, false }

func ptr[T any](v T) *T { return &v }
