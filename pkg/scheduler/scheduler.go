package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/store"
)

// Config holds the intervals and retry-backoff bounds for the scheduler's
// leader-only loops (spec §4.7, §9).
type Config struct {
	ReaperIntervalSecs       int
	RetryBaseDelaySecs       int64
	RetryMaxDelaySecs        int64
	DLQCheckIntervalSecs     int
	DelayedCheckIntervalSecs int
}

// DefaultConfig matches the original implementation's defaults
// (original_source/crates/valka-core/src/config.rs SchedulerConfig).
func DefaultConfig() Config {
	return Config{
		ReaperIntervalSecs:       10,
		RetryBaseDelaySecs:       1,
		RetryMaxDelaySecs:        3600,
		DLQCheckIntervalSecs:     30,
		DelayedCheckIntervalSecs: 5,
	}
}

// electionRetryInterval is how often a non-leader node retries acquiring
// leadership, per spec §9 ("others retry every 5s").
const electionRetryInterval = 5 * time.Second

// Service runs the single-leader maintenance loops: lease reaping, retry
// scheduling, dead-letter processing, and delayed-task promotion (spec
// §4.7; component J). Grounded on
// original_source/crates/valka-scheduler/src/{election,reaper,retry,dlq,
// delayed}.rs and the teacher's ticker-driven Scheduler.run loop shape.
type Service struct {
	st     store.Store
	cfg    Config
	logger zerolog.Logger
	elect  *election
}

// NewService constructs a scheduler bound to st. Every node in the cluster
// runs one; only the node that wins the advisory lock executes the leader
// loops.
func NewService(st store.Store, cfg Config) *Service {
	return &Service{
		st:     st,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		elect:  newElection(st),
	}
}

// Run blocks until ctx is cancelled, repeatedly attempting leadership and,
// once acquired, running the leader loop until either ctx is cancelled or
// leadership is lost (which, for an advisory lock that only this process
// can lose by disconnecting, in practice only happens on shutdown).
func (s *Service) Run(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		acquired, err := s.elect.tryAcquire(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduler election error")
			acquired = false
		}
		if !acquired {
			select {
			case <-ctx.Done():
				return
			case <-time.After(electionRetryInterval):
				continue
			}
		}

		s.runLeaderLoop(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

// runLeaderLoop ticks the four maintenance loops until ctx is cancelled. It
// returns (releasing the lock) only on shutdown; the advisory lock has no
// other path to voluntary release once held.
func (s *Service) runLeaderLoop(ctx context.Context) {
	defer s.elect.release(context.Background())

	reaperTicker := time.NewTicker(time.Duration(s.cfg.ReaperIntervalSecs) * time.Second)
	defer reaperTicker.Stop()
	retryTicker := time.NewTicker(time.Duration(s.cfg.ReaperIntervalSecs) * time.Second)
	defer retryTicker.Stop()
	dlqTicker := time.NewTicker(time.Duration(s.cfg.DLQCheckIntervalSecs) * time.Second)
	defer dlqTicker.Stop()
	delayedTicker := time.NewTicker(time.Duration(s.cfg.DelayedCheckIntervalSecs) * time.Second)
	defer delayedTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler shutting down")
			return
		case <-reaperTicker.C:
			if _, err := s.reapExpiredLeases(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reaper error")
			}
		case <-retryTicker.C:
			if _, err := s.processRetries(ctx); err != nil {
				s.logger.Error().Err(err).Msg("retry processor error")
			}
		case <-dlqTicker.C:
			if _, err := s.processDeadLetters(ctx); err != nil {
				s.logger.Error().Err(err).Msg("DLQ processor error")
			}
		case <-delayedTicker.C:
			if _, err := s.promoteDelayedTasks(ctx); err != nil {
				s.logger.Error().Err(err).Msg("delayed task promoter error")
			}
		}
	}
}
