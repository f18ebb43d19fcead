package scheduler

import (
	"context"

	"github.com/iwhitebird/valka/pkg/ids"
	"github.com/iwhitebird/valka/pkg/metrics"
	"github.com/iwhitebird/valka/pkg/types"
)

// reapExpiredLeases fails every TaskRun whose lease has expired and, per
// task, either schedules a retry or moves it to the dead-letter queue
// depending on attempt_count vs max_retries (spec §4.7). Grounded on
// original_source/crates/valka-scheduler/src/reaper.rs.
func (s *Service) reapExpiredLeases(ctx context.Context) (int, error) {
	expired, err := s.st.FindExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}

	for _, run := range expired {
		if _, _, err := s.st.FailTaskRun(ctx, run.ID, "lease expired"); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to fail expired run")
			continue
		}

		task, ok, err := s.st.GetTask(ctx, run.TaskID)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", run.TaskID).Msg("failed to load task for reaped run")
			continue
		}
		if !ok {
			continue
		}

		if task.AttemptCount < task.MaxRetries {
			if _, _, err := s.st.UpdateTaskStatus(ctx, task.ID, types.StatusRetry); err != nil {
				s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to set task to RETRY")
			}
			s.logger.Info().Str("task_id", task.ID).Msg("expired lease: scheduling retry")
			continue
		}

		s.deadLetter(ctx, task, "expired lease: moved to DLQ (max retries exceeded)")
	}

	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Msg("reaped expired leases")
	}
	return len(expired), nil
}

// deadLetter archives task into the dead-letter queue and flips its status,
// shared by the reaper (lease exhausted) and the DLQ processor (FAILED past
// max_retries) paths.
func (s *Service) deadLetter(ctx context.Context, task types.Task, logMsg string) {
	runs, err := s.st.GetRunsForTask(ctx, task.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to load runs for DLQ entry")
	}
	var errMsg *string
	if len(runs) > 0 {
		errMsg = runs[0].ErrorMessage
	}

	dl := types.DeadLetter{
		ID:           ids.New(),
		TaskID:       task.ID,
		QueueName:    task.QueueName,
		TaskName:     task.TaskName,
		Input:        task.Input,
		ErrorMessage: errMsg,
		AttemptCount: task.AttemptCount,
		Metadata:     task.Metadata,
	}
	if _, err := s.st.InsertDeadLetter(ctx, dl); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to insert DLQ entry")
		return
	}

	if _, _, err := s.st.MoveToDeadLetter(ctx, task.ID); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to move task to DLQ")
		return
	}
	metrics.RecordTaskDeadLettered(task.QueueName)
	s.logger.Warn().Str("task_id", task.ID).Msg(logMsg)
}
