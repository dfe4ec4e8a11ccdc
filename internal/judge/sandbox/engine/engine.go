package engine

import (
	"context"
	"errors"

	"nojudge/internal/judge/sandbox/spec"
)

var (
	// ErrTimeout means the outer wall clock expired and the container was force-removed.
	ErrTimeout = errors.New("sandbox timeout")
	// ErrOutputLimit means a stream exceeded its byte ceiling and the container was aborted.
	ErrOutputLimit = errors.New("sandbox output limit exceeded")
)

// Engine runs one ContainerSpec to completion inside an isolated container.
// Run blocks until the container exits, the timeout fires, or ctx is canceled;
// in every case the container is removed before Run returns.
type Engine interface {
	Run(ctx context.Context, cs spec.ContainerSpec) (spec.Outcome, error)
}
