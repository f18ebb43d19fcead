package dispatcher

import (
	"context"
	"time"
)

const (
	heartbeatCheckInterval = 5 * time.Second
	suspectAfter           = 10 * time.Second
	deadAfter              = 30 * time.Second
)

// WorkerLiveness is the classification a heartbeat check assigns to a
// worker, used only for logging; dead workers are the only ones acted on.
type WorkerLiveness int

const (
	LivenessAlive WorkerLiveness = iota
	LivenessSuspect
	LivenessDead
)

func classifyHeartbeat(lastHeartbeat time.Time, now time.Time) WorkerLiveness {
	elapsed := now.Sub(lastHeartbeat)
	switch {
	case elapsed > deadAfter:
		return LivenessDead
	case elapsed > suspectAfter:
		return LivenessSuspect
	default:
		return LivenessAlive
	}
}

// runHeartbeatChecker polls every handle on heartbeatCheckInterval and
// deregisters any worker whose last heartbeat is older than deadAfter
// (spec §4.6 "Session liveness").
func (s *Service) runHeartbeatChecker(ctx context.Context) {
	ticker := time.NewTicker(heartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			var dead []string
			s.mu.RLock()
			for id, h := range s.workers {
				switch classifyHeartbeat(h.LastHeartbeat(), now) {
				case LivenessDead:
					dead = append(dead, id)
				case LivenessSuspect:
					s.logger.Warn().Str("worker_id", id).Str("worker_name", h.WorkerName).
						Msg("worker heartbeat suspect")
				}
			}
			s.mu.RUnlock()

			for _, id := range dead {
				s.logger.Warn().Str("worker_id", id).Msg("worker heartbeat timeout, deregistering")
				s.DeregisterWorker(ctx, id)
			}
		}
	}
}
