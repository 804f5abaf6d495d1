package space

import (
	"github.com/davidleathers/space-broker/internal/domain/errors"
)

// Protocol errors reject a single message.
var (
	ErrMalformedFilter = errors.NewProtocolError("MALFORMED_FILTER", "filter must set exactly one variant")
	ErrUnknownField    = errors.NewProtocolError("UNKNOWN_FIELD", "field mask names an unknown field")
	ErrMissingEvent    = errors.NewProtocolError("MISSING_EVENT", "event payload is required")
	ErrInvalidUser     = errors.NewProtocolError("INVALID_USER", "user id must be positive")
)

// Consistency errors leave registries unchanged.
var (
	ErrDuplicateUser    = errors.NewConsistencyError("DUPLICATE_USER", "user already present in space")
	ErrUserNotFound     = errors.NewConsistencyError("USER_NOT_FOUND", "user not found in space")
	ErrSenderNotFound   = errors.NewConsistencyError("SENDER_NOT_FOUND", "event sender not found in space")
	ErrReceiverNotFound = errors.NewConsistencyError("RECEIVER_NOT_FOUND", "event receiver not found in space")
	ErrWatcherNotFound  = errors.NewConsistencyError("WATCHER_NOT_FOUND", "watcher not attached to space")
	ErrFilterNotFound   = errors.NewConsistencyError("FILTER_NOT_FOUND", "filter not registered for watcher")
	ErrUserMoved        = errors.NewConsistencyError("USER_MOVED", "user is hosted by another connection")
)

var (
	ErrDuplicateFilter = errors.NewConflictError("DUPLICATE_FILTER", "filter name already registered for watcher")
	ErrForbidden       = errors.NewForbiddenError("sender is not allowed to perform this action")
)
