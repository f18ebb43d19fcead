package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/store"
)

// election wraps the store's advisory-lock leader election (spec §9). The
// lock itself is connection-scoped in Postgres: a crashed or disconnected
// leader releases it for free, so election only needs to track local
// intent, not run any failure-detection protocol of its own.
type election struct {
	st       store.Store
	isLeader bool
	logger   zerolog.Logger
}

func newElection(st store.Store) *election {
	return &election{st: st, logger: log.WithComponent("scheduler")}
}

// tryAcquire is non-blocking: it returns immediately with whether this node
// is now the leader.
func (e *election) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.st.TryAcquireLeaderLock(ctx)
	if err != nil {
		return false, err
	}
	e.isLeader = ok
	if ok {
		e.logger.Info().Msg("acquired scheduler leadership")
	}
	return ok, nil
}

func (e *election) release(ctx context.Context) {
	if !e.isLeader {
		return
	}
	if err := e.st.ReleaseLeaderLock(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("failed to release scheduler leadership")
	}
	e.isLeader = false
	e.logger.Info().Msg("released scheduler leadership")
}
