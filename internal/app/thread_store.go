package app

import "time"

// Thread is the persisted record of one conversation.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadMessage is one persisted chain turn. The log is append-only per
// thread.
type ThreadMessage struct {
	ID              string    `json:"id"`
	ThreadID        string    `json:"thread_id"`
	Role            string    `json:"role"`
	Text            string    `json:"text"`
	ContinuationRef string    `json:"continuation_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// TaskRecord is the persisted shape of a background task.
type TaskRecord struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	Prompt      string    `json:"prompt"`
	Status      string    `json:"status"`
	Result      string    `json:"result,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Ingested    bool      `json:"ingested"`
}

// ThreadStore is the best-effort persistence collaborator. Callers treat
// every write as fire-and-forget: a failed write is logged, never surfaced
// into the conversational flow.
type ThreadStore interface {
	SaveThread(t Thread) error
	GetThread(id string) (Thread, error)
	ListThreads() ([]Thread, error)
	DeleteThreadMessages(threadID string) error
	AppendMessage(m ThreadMessage) error
	ListMessages(threadID string) ([]ThreadMessage, error)
	SaveTask(t TaskRecord) error
	ListTasks(threadID string) ([]TaskRecord, error)
	Close() error
}
