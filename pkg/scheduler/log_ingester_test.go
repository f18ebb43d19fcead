package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/pkg/store"
	"github.com/iwhitebird/valka/pkg/types"
)

func TestLogIngester_FlushesOnBatchSize(t *testing.T) {
	st := store.NewMemory()
	li, in := NewLogIngester(st, LogIngesterConfig{BatchSize: 2, FlushIntervalMs: 60_000})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { li.Run(ctx); close(done) }()

	in <- types.LogEntry{TaskRunID: "r1", Message: "one", Level: types.LogInfo}
	in <- types.LogEntry{TaskRunID: "r1", Message: "two", Level: types.LogInfo}

	require.Eventually(t, func() bool {
		logs, err := st.GetLogsForRun(context.Background(), "r1", 10, nil)
		return err == nil && len(logs) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestLogIngester_FlushesRemainingOnShutdown(t *testing.T) {
	st := store.NewMemory()
	li, in := NewLogIngester(st, LogIngesterConfig{BatchSize: 100, FlushIntervalMs: 60_000})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { li.Run(ctx); close(done) }()

	in <- types.LogEntry{TaskRunID: "r1", Message: "lonely", Level: types.LogInfo}
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	logs, err := st.GetLogsForRun(context.Background(), "r1", 10, nil)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
