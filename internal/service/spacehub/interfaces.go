package spacehub

import (
	"context"

	"github.com/davidleathers/space-broker/internal/domain/errors"
	"github.com/davidleathers/space-broker/internal/domain/space"
	"github.com/davidleathers/space-broker/internal/infrastructure/bridge"
)

// Replicator replays upstream mutations into hosted spaces.
type Replicator interface {
	// Attach returns once the space has caught up with the upstream log.
	Attach(ctx context.Context, name string, apply bridge.ApplyFunc)
	Detach(name string)
}

// Recorder observes space activity and the number of hosted spaces.
type Recorder interface {
	space.Recorder
	SetSpaces(n int)
}

// Deps are the hub's collaborators. Only Directory is required.
type Deps struct {
	Directory  space.Directory
	Upstream   space.Upstream
	Replicator Replicator
	Processor  space.EventProcessor
	Recorder   Recorder
}

var (
	ErrSpaceNotFound   = errors.NewConsistencyError("SPACE_NOT_FOUND", "space is not hosted on this node")
	ErrUnknownMutation = errors.NewProtocolError("UNKNOWN_MUTATION", "mutation kind is not recognized")
	ErrIncomplete      = errors.NewProtocolError("INCOMPLETE_MUTATION", "mutation is missing its payload")
)

type nopReplicator struct{}

func (nopReplicator) Attach(context.Context, string, bridge.ApplyFunc) {}
func (nopReplicator) Detach(string)                                    {}

type nopRecorder struct{}

func (nopRecorder) NotificationQueued(space.Kind) {}
func (nopRecorder) ConsistencyError(string)       {}
func (nopRecorder) SetSpaces(int)                 {}
