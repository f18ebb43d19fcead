package workerclient

import (
	"encoding/json"
	"time"

	"github.com/iwhitebird/valka/pkg/types"
)

// TaskContext is passed to a TaskHandler for one task attempt, grounded on
// original_source/crates/valka-sdk/src/context.rs's TaskContext.
type TaskContext struct {
	TaskID        string
	TaskRunID     string
	QueueName     string
	TaskName      string
	AttemptNumber int32
	Input         json.RawMessage
	Metadata      json.RawMessage

	sendLog func(types.LogEntry)
}

// BindInput unmarshals the task's input payload into v.
func (c TaskContext) BindInput(v any) error {
	if len(c.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.Input, v)
}

func (c TaskContext) logAt(level types.LogLevel, message string) {
	if c.sendLog == nil {
		return
	}
	c.sendLog(types.LogEntry{
		TaskRunID:   c.TaskRunID,
		TimestampMs: time.Now().UnixMilli(),
		Level:       level,
		Message:     message,
	})
}

// Debug emits a DEBUG-level log line for this task run.
func (c TaskContext) Debug(message string) { c.logAt(types.LogDebug, message) }

// Log emits an INFO-level log line for this task run.
func (c TaskContext) Log(message string) { c.logAt(types.LogInfo, message) }

// Warn emits a WARN-level log line for this task run.
func (c TaskContext) Warn(message string) { c.logAt(types.LogWarn, message) }

// Error emits an ERROR-level log line for this task run.
func (c TaskContext) Error(message string) { c.logAt(types.LogError, message) }
