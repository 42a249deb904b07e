package dispatch

import "github.com/pkg/errors"

// ErrInvalidArgument marks malformed or missing input. It is a caller error
// and is never retried. Test for it with errors.Is.
var ErrInvalidArgument = errors.New("invalid argument")

// InvalidArgumentf returns an error wrapping ErrInvalidArgument.
func InvalidArgumentf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// ErrNoNodesAvailable is returned when a search has no online node to run
// on. The namespace is misconfigured or not provisioned yet.
var ErrNoNodesAvailable = errors.Wrap(ErrInvalidArgument, "no nodes available")

// ErrNoReplicaFound is returned when an enabled namespace has no replica
// with online nodes.
var ErrNoReplicaFound = errors.Wrap(ErrInvalidArgument, "no replica found")
