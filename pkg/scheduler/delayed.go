package scheduler

import "context"

// promoteDelayedTasks brings every RETRY task whose scheduled_at has
// elapsed back to PENDING, making it eligible for dequeue again. Grounded
// on original_source/crates/valka-scheduler/src/delayed.rs.
func (s *Service) promoteDelayedTasks(ctx context.Context) (int, error) {
	promoted, err := s.st.PromoteDelayedTasks(ctx)
	if err != nil {
		return 0, err
	}
	if len(promoted) > 0 {
		s.logger.Info().Int("count", len(promoted)).Msg("promoted delayed tasks to PENDING")
	}
	return len(promoted), nil
}
