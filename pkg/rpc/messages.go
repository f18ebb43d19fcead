package rpc

import (
	"encoding/json"
	"time"

	"github.com/iwhitebird/valka/pkg/types"
)

// WireTask is the wire form of types.Task (spec §4.10).
type WireTask struct {
	ID             string          `json:"id"`
	QueueName      string          `json:"queue_name"`
	TaskName       string          `json:"task_name"`
	PartitionID    int32           `json:"partition_id"`
	Status         string          `json:"status"`
	Priority       int32           `json:"priority"`
	MaxRetries     int32           `json:"max_retries"`
	AttemptCount   int32           `json:"attempt_count"`
	TimeoutSeconds int32           `json:"timeout_seconds"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func taskToWire(t types.Task) WireTask {
	return WireTask{
		ID:             t.ID,
		QueueName:      t.QueueName,
		TaskName:       t.TaskName,
		PartitionID:    t.PartitionID,
		Status:         t.Status.String(),
		Priority:       t.Priority,
		MaxRetries:     t.MaxRetries,
		AttemptCount:   t.AttemptCount,
		TimeoutSeconds: t.TimeoutSeconds,
		IdempotencyKey: t.IdempotencyKey,
		Input:          json.RawMessage(t.Input),
		Output:         json.RawMessage(t.Output),
		Metadata:       json.RawMessage(t.Metadata),
		ScheduledAt:    t.ScheduledAt,
		ErrorMessage:   t.ErrorMessage,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// WireSignal is the wire form of types.Signal.
type WireSignal struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	SignalName     string          `json:"signal_name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

func signalToWire(s types.Signal) WireSignal {
	return WireSignal{
		ID:             s.ID,
		TaskID:         s.TaskID,
		SignalName:     s.SignalName,
		Payload:        json.RawMessage(s.Payload),
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt,
		DeliveredAt:    s.DeliveredAt,
		AcknowledgedAt: s.AcknowledgedAt,
	}
}

// WireDeadLetter is the wire form of types.DeadLetter.
type WireDeadLetter struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	QueueName    string          `json:"queue_name"`
	TaskName     string          `json:"task_name"`
	Input        json.RawMessage `json:"input,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	AttemptCount int32           `json:"attempt_count"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func deadLetterToWire(d types.DeadLetter) WireDeadLetter {
	return WireDeadLetter{
		ID:           d.ID,
		TaskID:       d.TaskID,
		QueueName:    d.QueueName,
		TaskName:     d.TaskName,
		Input:        json.RawMessage(d.Input),
		ErrorMessage: d.ErrorMessage,
		AttemptCount: d.AttemptCount,
		Metadata:     json.RawMessage(d.Metadata),
		CreatedAt:    d.CreatedAt,
	}
}

// WireTaskEvent is the wire form of types.TaskEvent.
type WireTaskEvent struct {
	EventID        string `json:"event_id"`
	TaskID         string `json:"task_id"`
	QueueName      string `json:"queue_name"`
	PreviousStatus int32  `json:"previous_status"`
	NewStatus      int32  `json:"new_status"`
	WorkerID       string `json:"worker_id,omitempty"`
	NodeID         string `json:"node_id,omitempty"`
	AttemptNumber  int32  `json:"attempt_number"`
	ErrorMessage   string `json:"error_message,omitempty"`
	TimestampMs    int64  `json:"timestamp_ms"`
}

func eventToWire(e types.TaskEvent) WireTaskEvent {
	return WireTaskEvent{
		EventID:        e.EventID,
		TaskID:         e.TaskID,
		QueueName:      e.QueueName,
		PreviousStatus: int32(e.PreviousStatus),
		NewStatus:      int32(e.NewStatus),
		WorkerID:       e.WorkerID,
		NodeID:         e.NodeID,
		AttemptNumber:  e.AttemptNumber,
		ErrorMessage:   e.ErrorMessage,
		TimestampMs:    e.TimestampMs,
	}
}

func eventFromWire(w WireTaskEvent) types.TaskEvent {
	return types.TaskEvent{
		EventID:        w.EventID,
		TaskID:         w.TaskID,
		QueueName:      w.QueueName,
		PreviousStatus: types.TaskStatus(w.PreviousStatus),
		NewStatus:      types.TaskStatus(w.NewStatus),
		WorkerID:       w.WorkerID,
		NodeID:         w.NodeID,
		AttemptNumber:  w.AttemptNumber,
		ErrorMessage:   w.ErrorMessage,
		TimestampMs:    w.TimestampMs,
	}
}

// WireTaskLog is the wire form of types.TaskLog.
type WireTaskLog struct {
	ID          int64           `json:"id"`
	TaskRunID   string          `json:"task_run_id"`
	TimestampMs int64           `json:"timestamp_ms"`
	Level       int32           `json:"level"`
	Message     string          `json:"message"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func taskLogToWire(l types.TaskLog) WireTaskLog {
	return WireTaskLog{
		ID:          l.ID,
		TaskRunID:   l.TaskRunID,
		TimestampMs: l.TimestampMs,
		Level:       int32(l.Level),
		Message:     l.Message,
		Metadata:    json.RawMessage(l.Metadata),
	}
}

// --- Internal forwarding service (spec §9; grounded on internal_grpc.rs) ---

type ForwardTaskRequest struct {
	TaskID      string `json:"task_id"`
	QueueName   string `json:"queue_name"`
	PartitionID int32  `json:"partition_id"`
}

type ForwardTaskResponse struct {
	Accepted bool `json:"accepted"`
}

type ForwardEventRequest struct {
	Event WireTaskEvent `json:"event"`
}

type ForwardEventResponse struct{}

type RelayLogsRequest struct {
	TaskRunID string `json:"task_run_id"`
}

type PingRequest struct {
	NodeID      string `json:"node_id"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type PingResponse struct {
	NodeID      string `json:"node_id"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// --- Control/API service (spec §4.10; grounded on grpc.rs) ---

type CreateTaskRequest struct {
	QueueName         string          `json:"queue_name"`
	TaskName          string          `json:"task_name"`
	Input             json.RawMessage `json:"input,omitempty"`
	Priority          int32           `json:"priority"`
	MaxRetries        int32           `json:"max_retries"`
	TimeoutSeconds    int32           `json:"timeout_seconds"`
	IdempotencyKey    *string         `json:"idempotency_key,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	ScheduledAtUnixMs *int64          `json:"scheduled_at_unix_ms,omitempty"`
}

type TaskResponse struct {
	Task WireTask `json:"task"`
}

type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

type ListTasksRequest struct {
	QueueName *string `json:"queue_name,omitempty"`
	Status    *string `json:"status,omitempty"`
	Limit     int64   `json:"limit"`
	PageToken *string `json:"page_token,omitempty"`
}

type ListTasksResponse struct {
	Tasks         []WireTask `json:"tasks"`
	NextPageToken *string    `json:"next_page_token,omitempty"`
}

type CancelTaskRequest struct {
	TaskID string `json:"task_id"`
}

type SendSignalRequest struct {
	TaskID     string          `json:"task_id"`
	SignalName string          `json:"signal_name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type SignalResponse struct {
	Signal WireSignal `json:"signal"`
}

type ListSignalsRequest struct {
	TaskID string  `json:"task_id"`
	Status *string `json:"status,omitempty"`
}

type ListSignalsResponse struct {
	Signals []WireSignal `json:"signals"`
}

type ListDeadLettersRequest struct {
	QueueName *string `json:"queue_name,omitempty"`
	Limit     int64   `json:"limit"`
	Offset    int64   `json:"offset"`
}

type ListDeadLettersResponse struct {
	DeadLetters []WireDeadLetter `json:"dead_letters"`
}

type SubscribeEventsRequest struct{}

type SubscribeLogsRequest struct {
	TaskRunID      string `json:"task_run_id"`
	IncludeHistory bool   `json:"include_history"`
}
