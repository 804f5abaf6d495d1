package space

import "encoding/json"

// Kind is the event kind carried by a notification.
type Kind string

const (
	KindAddUser        Kind = "addSpaceUser"
	KindUpdateUser     Kind = "updateSpaceUser"
	KindRemoveUser     Kind = "removeSpaceUser"
	KindUpdateMetadata Kind = "updateSpaceMetadata"
	KindPublicEvent    Kind = "publicEvent"
	KindPrivateEvent   Kind = "privateEvent"
	KindKickOff        Kind = "kickOff"
)

// Notification is what a watcher or a user's connection receives. Every
// notification is tagged with the space's local name, the filter it was
// produced for (empty when unfiltered) and its kind.
type Notification struct {
	Space  string `json:"space"`
	Filter string `json:"filter,omitempty"`
	Kind   Kind   `json:"kind"`

	User     *SpaceUser     `json:"user,omitempty"`
	UserID   int64          `json:"userId,omitempty"`
	Mask     FieldMask      `json:"mask,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	SenderID   int64  `json:"senderId,omitempty"`
	ReceiverID int64  `json:"receiverId,omitempty"`
	Event      *Event `json:"event,omitempty"`
}

// Event is an opaque application payload routed through a space.
type Event struct {
	Type    string          `json:"type" cbor:"type" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// MutationKind enumerates the replicated operations exchanged with upstream.
type MutationKind string

const (
	MutationAddUser        MutationKind = "add_user"
	MutationUpdateUser     MutationKind = "update_user"
	MutationRemoveUser     MutationKind = "remove_user"
	MutationUpdateMetadata MutationKind = "update_metadata"
	MutationPublicEvent    MutationKind = "public_event"
	MutationPrivateEvent   MutationKind = "private_event"
	MutationKickOff        MutationKind = "kick_off"
)

// Stateful reports whether the kind changes registry or metadata state, as
// opposed to delivering a one-off event.
func (k MutationKind) Stateful() bool {
	switch k {
	case MutationAddUser, MutationUpdateUser, MutationRemoveUser, MutationUpdateMetadata:
		return true
	}
	return false
}

// Mutation is a space operation in replicable form. Space is the durable name.
type Mutation struct {
	Kind       MutationKind   `cbor:"kind"`
	Space      string         `cbor:"space"`
	User       *SpaceUser     `cbor:"user,omitempty"`
	Mask       FieldMask      `cbor:"mask,omitempty"`
	UserID     int64          `cbor:"userId,omitempty"`
	Metadata   map[string]any `cbor:"metadata,omitempty"`
	SenderID   int64          `cbor:"senderId,omitempty"`
	ReceiverID int64          `cbor:"receiverId,omitempty"`
	Event      *Event         `cbor:"event,omitempty"`
}

// Upstream accepts locally originated mutations for replication. Forward
// must not block.
type Upstream interface {
	Forward(m Mutation)
}

type nopUpstream struct{}

func (nopUpstream) Forward(Mutation) {}

// Recorder observes dispatch outcomes; the metrics registry implements it.
type Recorder interface {
	NotificationQueued(kind Kind)
	ConsistencyError(op string)
}

type nopRecorder struct{}

func (nopRecorder) NotificationQueued(Kind) {}
func (nopRecorder) ConsistencyError(string) {}
