package scheduler

import "context"

// processDeadLetters archives every FAILED task that has exhausted its
// retries into the dead-letter table and flips its status to DEAD_LETTER.
// Grounded on original_source/crates/valka-scheduler/src/dlq.rs. This is a
// belt-and-suspenders sweep: the reaper already dead-letters tasks whose
// lease expired past max_retries; this loop catches any task that reached
// FAILED by another path (e.g. a worker reporting a non-retryable error).
func (s *Service) processDeadLetters(ctx context.Context) (int, error) {
	candidates, err := s.st.FindDeadLetterCandidates(ctx)
	if err != nil {
		return 0, err
	}
	for _, task := range candidates {
		s.deadLetter(ctx, task, "moved to dead letter queue")
	}
	return len(candidates), nil
}
