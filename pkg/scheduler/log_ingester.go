package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/store"
	"github.com/iwhitebird/valka/pkg/types"
)

// LogIngesterConfig controls batching of worker log uploads into storage
// (spec §4.8). Matches original_source's LogIngesterConfig defaults.
type LogIngesterConfig struct {
	BatchSize       int
	FlushIntervalMs int64
}

// DefaultLogIngesterConfig matches
// original_source/crates/valka-core/src/config.rs.
func DefaultLogIngesterConfig() LogIngesterConfig {
	return LogIngesterConfig{BatchSize: 100, FlushIntervalMs: 500}
}

// LogIngester batches types.LogEntry values arriving on its input channel
// and flushes them to the store on size or time, whichever comes first.
// Every node runs one of these regardless of scheduler leadership, since
// log uploads land on whichever node holds the worker's stream (spec §4.8;
// the log half of component H). Grounded on
// original_source/crates/valka-server/src/server.rs's run_log_ingester.
type LogIngester struct {
	st     store.Store
	cfg    LogIngesterConfig
	in     chan types.LogEntry
	logger zerolog.Logger
}

// NewLogIngester returns a LogIngester and the channel callers should send
// LogEntry values on (pkg/session hands this channel to dispatcher.Service
// so a worker's LogBatch messages land here).
func NewLogIngester(st store.Store, cfg LogIngesterConfig) (*LogIngester, chan<- types.LogEntry) {
	li := &LogIngester{
		st:     st,
		cfg:    cfg,
		in:     make(chan types.LogEntry, 1024),
		logger: log.WithComponent("log-ingester"),
	}
	return li, li.in
}

// Run drains the input channel until ctx is cancelled, flushing the
// buffered batch on size threshold, on a fixed interval, and once more on
// shutdown, after draining whatever is still waiting on the input channel,
// so nothing queued is lost.
func (li *LogIngester) Run(ctx context.Context) {
	li.logger.Info().Msg("log ingester started")
	defer li.logger.Info().Msg("log ingester stopped")

	buffer := make([]store.InsertLogEntry, 0, li.cfg.BatchSize)
	flushInterval := time.NewTicker(time.Duration(li.cfg.FlushIntervalMs) * time.Millisecond)
	defer flushInterval.Stop()

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case entry := <-li.in:
					buffer = append(buffer, store.InsertLogEntry{
						TaskRunID: entry.TaskRunID, TimestampMs: entry.TimestampMs, Level: entry.Level,
						Message: entry.Message, Metadata: entry.Metadata,
					})
				default:
					break drain
				}
			}
			li.flush(context.Background(), &buffer)
			return
		case entry := <-li.in:
			buffer = append(buffer, store.InsertLogEntry{
				TaskRunID:   entry.TaskRunID,
				TimestampMs: entry.TimestampMs,
				Level:       entry.Level,
				Message:     entry.Message,
				Metadata:    entry.Metadata,
			})
			if len(buffer) >= li.cfg.BatchSize {
				li.flush(ctx, &buffer)
			}
		case <-flushInterval.C:
			li.flush(ctx, &buffer)
		}
	}
}

func (li *LogIngester) flush(ctx context.Context, buffer *[]store.InsertLogEntry) {
	if len(*buffer) == 0 {
		return
	}
	entries := *buffer
	*buffer = make([]store.InsertLogEntry, 0, li.cfg.BatchSize)

	count, err := li.st.BatchInsertLogs(ctx, entries)
	if err != nil {
		li.logger.Warn().Err(err).Int("count", len(entries)).Msg("failed to flush log entries")
		return
	}
	li.logger.Debug().Int64("count", count).Msg("flushed log entries")
}
