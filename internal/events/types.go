// Package events provides real-time event streaming for task lifecycle events
package events

import (
	"encoding/json"
	"time"

	"github.com/cloud-shuttle/dray/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	// EventBuildStarted is emitted when a build begins
	EventBuildStarted EventType = "build.started"
	// EventBuildFinished is emitted when a build ends, successfully or not
	EventBuildFinished EventType = "build.finished"

	// EventTaskPending is emitted when a task is registered or left waiting
	EventTaskPending EventType = "task.pending"
	// EventTaskRunnable is emitted when all of a task's dependencies are done
	EventTaskRunnable EventType = "task.runnable"
	// EventTaskRunning is emitted when a run body starts
	EventTaskRunning EventType = "task.running"
	// EventTaskDone is emitted when a task completes successfully
	EventTaskDone EventType = "task.done"
	// EventTaskFailed is emitted when a run body fails and will be retried
	EventTaskFailed EventType = "task.failed"
	// EventTaskDisabled is emitted when a task exceeds its failure ceiling
	EventTaskDisabled EventType = "task.disabled"
	// EventTaskUnsatisfied is emitted when an external task is given up on
	EventTaskUnsatisfied EventType = "task.unsatisfied"
	// EventTaskBlocked is emitted when a task cannot run because a dependency failed
	EventTaskBlocked EventType = "task.blocked"
	// EventTaskChecked is emitted after every completion check
	EventTaskChecked EventType = "task.checked"
)

// ForState maps a lifecycle state to the event announcing it
func ForState(s types.TaskState) EventType {
	return EventType("task." + string(s))
}

// Event represents a single task lifecycle event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds
	BuildID   string         `json:"build_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// MarshalData converts the Data map to JSON for storage
func (e *Event) MarshalData() ([]byte, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	return json.Marshal(e.Data)
}

// UnmarshalData parses JSON data into the Data map
func (e *Event) UnmarshalData(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &e.Data)
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, buildID, taskID string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		BuildID:   buildID,
		TaskID:    taskID,
		Data:      data,
	}
}

// EventFilter defines filters for streamed events
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	BuildID string      `json:"build_id,omitempty"`
	TaskID  string      `json:"task_id,omitempty"`
	Since   int64       `json:"since,omitempty"` // Unix milliseconds
}
