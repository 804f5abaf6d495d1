package websocket

import (
	"github.com/davidleathers/space-broker/internal/domain/errors"
	"github.com/davidleathers/space-broker/internal/domain/space"
)

// Client frame types
const (
	FrameWatchSpace     = "watch_space"
	FrameUnwatchSpace   = "unwatch_space"
	FrameAddUser        = "add_user"
	FrameUpdateUser     = "update_user"
	FrameRemoveUser     = "remove_user"
	FrameAddFilter      = "add_filter"
	FrameUpdateFilter   = "update_filter"
	FrameRemoveFilter   = "remove_filter"
	FrameUpdateMetadata = "update_metadata"
	FramePublicEvent    = "public_event"
	FramePrivateEvent   = "private_event"
	FrameKickOff        = "kick_off"
)

// Server frame types
const (
	FrameNotification = "notification"
	FrameError        = "error"
)

// ClientFrame is one message from a client. Space is the local space name;
// the durable name is derived from the connection's world.
type ClientFrame struct {
	Type  string `json:"type" validate:"required,oneof=watch_space unwatch_space add_user update_user remove_user add_filter update_filter remove_filter update_metadata public_event private_event kick_off"`
	ID    string `json:"id,omitempty" validate:"max=64"`
	Space string `json:"space" validate:"required,max=255"`

	User       *space.SpaceUser `json:"user,omitempty" validate:"required_if=Type add_user,required_if=Type update_user"`
	Mask       []string         `json:"mask,omitempty" validate:"required_if=Type update_user"`
	UserID     int64            `json:"userId,omitempty" validate:"required_if=Type remove_user,required_if=Type kick_off,gte=0"`
	Filter     *FilterFrame     `json:"filter,omitempty" validate:"required_if=Type add_filter,required_if=Type update_filter"`
	FilterName string           `json:"filterName,omitempty" validate:"required_if=Type remove_filter"`
	Metadata   map[string]any   `json:"metadata,omitempty" validate:"required_if=Type update_metadata"`
	SenderID   int64            `json:"senderId,omitempty" validate:"gte=0"`
	ReceiverID int64            `json:"receiverId,omitempty" validate:"required_if=Type private_event,gte=0"`
	Event      *space.Event     `json:"event,omitempty" validate:"required_if=Type public_event,required_if=Type private_event"`
}

// FilterFrame names a filter union.
type FilterFrame struct {
	Name string `json:"name" validate:"required,max=255"`
	space.FilterSpec
}

// NamedFilter builds the domain filter.
func (f *FilterFrame) NamedFilter() (space.NamedFilter, error) {
	filter, err := f.Build()
	if err != nil {
		return space.NamedFilter{}, err
	}
	return space.NamedFilter{Name: f.Name, Filter: filter}, nil
}

// ServerFrame is one message to a client.
type ServerFrame struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Notification *space.Notification `json:"notification,omitempty"`
	Code         string              `json:"code,omitempty"`
	Message      string              `json:"message,omitempty"`
}

var (
	ErrMalformedFrame = errors.NewProtocolError("MALFORMED_FRAME", "frame is not valid JSON")
	ErrInvalidFrame   = errors.NewProtocolError("INVALID_FRAME", "frame failed validation")
	ErrRateLimited    = errors.NewProtocolError("RATE_LIMITED", "too many frames")
	ErrNotOwner       = &errors.AppError{Type: errors.ErrorTypeForbidden, Code: "NOT_OWNER", Message: "user was not joined through this connection"}
	ErrAmbiguousUser  = errors.NewProtocolError("AMBIGUOUS_SENDER", "senderId is required when several users are joined")
)
