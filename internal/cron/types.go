// Package cron schedules user-defined tasks: one-shot reminders, recurring
// prompts, and cron-expression triggers. The scheduler ticks, fires what is
// due (slightly early, so reminders land on time after dispatch latency),
// and hands execution to a Runner. Task and execution state persist as JSON
// under the data directory.
package cron

import (
	"time"
)

// TriggerType selects how a task's next run is computed.
type TriggerType string

const (
	TriggerOnce     TriggerType = "once"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
)

// TaskType selects what firing a task does.
type TaskType string

const (
	// TaskReminder sends ReminderMessage to the task's chat verbatim.
	TaskReminder TaskType = "reminder"

	// TaskAgent runs Prompt through the full reasoning pipeline and sends
	// the result to the task's chat.
	TaskAgent TaskType = "task"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusScheduled TaskStatus = "scheduled"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusDisabled  TaskStatus = "disabled"
	StatusCancelled TaskStatus = "cancelled"
)

// maxFailures is the consecutive-failure count at which a task is
// quarantined: marked failed and disabled until a human re-enables it.
const maxFailures = 5

// TriggerConfig is the serialized trigger parameters. Which fields matter
// depends on the task's TriggerType.
type TriggerConfig struct {
	// At is the fire time for once triggers.
	At time.Time `json:"at,omitempty"`

	// IntervalSeconds is the period for interval triggers.
	IntervalSeconds int `json:"interval_seconds,omitempty"`

	// StartTime anchors interval alignment; zero means task creation time.
	StartTime time.Time `json:"start_time,omitempty"`

	// Expression is the 5-field cron expression for cron triggers.
	Expression string `json:"expression,omitempty"`
}

// Task is one scheduled unit of work.
type Task struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	TriggerType     TriggerType    `json:"trigger_type"`
	TriggerConfig   TriggerConfig  `json:"trigger_config"`
	TaskType        TaskType       `json:"task_type"`
	ReminderMessage string         `json:"reminder_message,omitempty"`
	Prompt          string         `json:"prompt,omitempty"`
	ScriptPath      string         `json:"script_path,omitempty"`
	Action          string         `json:"action,omitempty"`
	ChannelID       string         `json:"channel_id"`
	ChatID          string         `json:"chat_id"`
	UserID          string         `json:"user_id"`
	Enabled         bool           `json:"enabled"`
	Status          TaskStatus     `json:"status"`
	Deletable       bool           `json:"deletable"`
	LastRun         *time.Time     `json:"last_run,omitempty"`
	NextRun         *time.Time     `json:"next_run,omitempty"`
	RunCount        int            `json:"run_count"`
	FailCount       int            `json:"fail_count"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.LastRun != nil {
		v := *t.LastRun
		clone.LastRun = &v
	}
	if t.NextRun != nil {
		v := *t.NextRun
		clone.NextRun = &v
	}
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Execution records one completed firing of a task.
type Execution struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	TaskName   string        `json:"task_name"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
}
