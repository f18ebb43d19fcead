package scheduler

import (
	"context"
	"time"
)

// computeRetryDelay returns the exponential backoff delay for a retry
// attempt: base * 2^attempt, capped at maxDelay (spec §4.7). Grounded on
// original_source/crates/valka-scheduler/src/retry.rs.
func computeRetryDelay(attemptCount int32, baseDelaySecs, maxDelaySecs int64) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	delay := baseDelaySecs
	for i := int32(0); i < attemptCount; i++ {
		if delay >= maxDelaySecs { // overflow guard, mirrors the original's saturating_mul
			delay = maxDelaySecs
			break
		}
		delay *= 2
	}
	if delay > maxDelaySecs {
		delay = maxDelaySecs
	}
	return time.Duration(delay) * time.Second
}

// processRetries assigns scheduled_at to every RETRY task that doesn't yet
// have one, so the delayed-task promoter can bring it back to PENDING once
// the backoff elapses.
func (s *Service) processRetries(ctx context.Context) (int, error) {
	candidates, err := s.st.FindRetryCandidates(ctx)
	if err != nil {
		return 0, err
	}

	for _, task := range candidates {
		delay := computeRetryDelay(task.AttemptCount, s.cfg.RetryBaseDelaySecs, s.cfg.RetryMaxDelaySecs)
		scheduledAt := time.Now().UTC().Add(delay)
		if _, _, err := s.st.ScheduleRetry(ctx, task.ID, scheduledAt); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to schedule retry")
			continue
		}
		s.logger.Info().Str("task_id", task.ID).Int32("attempt", task.AttemptCount).
			Time("next_at", scheduledAt).Msg("scheduled retry")
	}
	return len(candidates), nil
}
