package app

import "time"

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one background code-generation request. Content generation is
// mocked: the runner produces canned snippets after a simulated delay.
type Task struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Prompt      string     `json:"prompt"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	// Ingested marks that this task's result has been (or is being) spliced
	// into its thread's chain. It is set before the ingestion network call
	// begins, as the guard against duplicate ingestion.
	Ingested bool `json:"ingested"`
}
