package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Application wires the demo together: gateway client, per-thread
// conversations, the shared task runner, and best-effort persistence.
type Application struct {
	Config Config
	Log    zerolog.Logger
	Client *Client
	Store  ThreadStore
	Tasks  *TaskRunner

	recorder *Recorder

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// Conversation is one live thread: a chain controller plus its branches and
// merge engine.
type Conversation struct {
	ID       string
	Title    string
	Category string

	Chain    *ChainController
	Branches *BranchSet
	Merger   *MergeEngine
}

func NewApplication(cfg Config, mock bool, logger zerolog.Logger) (*Application, error) {
	var client *Client
	if mock {
		client = NewClient("mock", cfg.Model, "mock://")
	} else {
		client = NewClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	}

	var store ThreadStore
	if st, err := NewSQLiteThreadStore(cfg.StorageRoot); err == nil {
		store = st
	} else {
		// Fallback when SQLite is unavailable.
		logger.Warn().Err(err).Msg("sqlite unavailable, using file store")
		store = NewFileThreadStore(cfg.StorageRoot)
	}

	return &Application{
		Config:        cfg,
		Log:           logger,
		Client:        client,
		Store:         store,
		Tasks:         NewTaskRunner(logger, time.Duration(cfg.TaskDelayMS)*time.Millisecond),
		recorder:      NewRecorder(store, logger),
		conversations: map[string]*Conversation{},
	}, nil
}

// OpenThread creates a new thread with a live conversation bound to it.
func (a *Application) OpenThread(title string) *Conversation {
	id := uuid.NewString()
	now := time.Now()

	chain := NewChainController(a.Client, a.Log)
	chain.SetThreadID(id)
	chain.Notify(a.recorder.Events())

	conv := &Conversation{
		ID:       id,
		Title:    title,
		Chain:    chain,
		Branches: NewBranchSet(a.Client, a.Log),
	}
	conv.Merger = NewMergeEngine(chain, NewGatewaySummarizer(a.Client), a.Log,
		time.Duration(a.Config.SummaryTimeoutSec)*time.Second)

	a.mu.Lock()
	a.conversations[id] = conv
	a.mu.Unlock()

	// Best-effort thread record; the in-memory conversation works either way.
	if err := a.Store.SaveThread(Thread{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}); err != nil {
		a.Log.Warn().Err(err).Str("thread", id).Msg("thread persistence failed")
	}
	return conv
}

// Conversation returns the live conversation for a thread, if any.
func (a *Application) Conversation(threadID string) (*Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conv, ok := a.conversations[threadID]
	return conv, ok
}

// Send runs one user turn on the main chain. The first user message also
// titles and categorizes the thread (best-effort, no extra latency on the
// critical path beyond the categorize call in the background).
func (a *Application) Send(ctx context.Context, conv *Conversation, text string, deep bool) (SendResult, error) {
	kind := KindFast
	if deep {
		kind = KindDeep
	}

	firstTurn := len(conv.Chain.Turns()) == 0
	result, err := conv.Chain.Send(ctx, text, kind)
	if err != nil {
		return SendResult{}, err
	}

	if firstTurn {
		if conv.Title == "" {
			conv.Title = deriveThreadTitle(text)
		}
		go a.categorizeThread(conv, text)
	}
	a.touchThread(conv)
	return result, nil
}

func (a *Application) categorizeThread(conv *Conversation, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conv.Category = CategorizeThread(ctx, a.Client, conv.Title, firstMessage)
	a.touchThread(conv)
}

// Categorize re-runs categorization on demand, seeded from the first user
// turn when one exists.
func (a *Application) Categorize(ctx context.Context, conv *Conversation) string {
	var first string
	for _, turn := range conv.Chain.Turns() {
		if turn.Role == RoleUser {
			first = turn.Text
			break
		}
	}
	conv.Category = CategorizeThread(ctx, a.Client, conv.Title, first)
	a.touchThread(conv)
	return conv.Category
}

func (a *Application) touchThread(conv *Conversation) {
	thread := Thread{
		ID:        conv.ID,
		Title:     conv.Title,
		Category:  conv.Category,
		UpdatedAt: time.Now(),
	}
	if existing, err := a.Store.GetThread(conv.ID); err == nil {
		thread.CreatedAt = existing.CreatedAt
	} else {
		thread.CreatedAt = thread.UpdatedAt
	}
	if err := a.Store.SaveThread(thread); err != nil {
		a.Log.Warn().Err(err).Str("thread", conv.ID).Msg("thread persistence failed")
	}
}

// SubmitTask queues a mocked code task against the conversation's thread.
func (a *Application) SubmitTask(ctx context.Context, conv *Conversation, prompt string) Task {
	task := a.Tasks.Submit(ctx, conv.ID, prompt)
	a.persistTask(task)
	return task
}

// IngestCompletedTasks splices finished task output into the chain, oldest
// completion first.
func (a *Application) IngestCompletedTasks(ctx context.Context, conv *Conversation) (int, error) {
	n, err := a.Tasks.IngestCompleted(ctx, conv.ID, conv.Chain)
	for _, task := range a.Tasks.List() {
		if task.ThreadID == conv.ID {
			a.persistTask(task)
		}
	}
	return n, err
}

func (a *Application) persistTask(task Task) {
	rec := TaskRecord{
		ID:          task.ID,
		ThreadID:    task.ThreadID,
		Prompt:      task.Prompt,
		Status:      string(task.Status),
		Result:      task.Result,
		CreatedAt:   task.CreatedAt,
		CompletedAt: task.CompletedAt,
		Ingested:    task.Ingested,
	}
	if err := a.Store.SaveTask(rec); err != nil {
		a.Log.Warn().Err(err).Str("task", task.ID).Msg("task persistence failed")
	}
}

// Threads lists persisted threads, newest activity first.
func (a *Application) Threads() ([]Thread, error) {
	return a.Store.ListThreads()
}

// Find resolves a natural-language query against persisted threads.
func (a *Application) Find(ctx context.Context, query string) ([]Thread, error) {
	threads, err := a.Store.ListThreads()
	if err != nil {
		return nil, err
	}
	return FindThreads(ctx, a.Client, query, threads), nil
}

// Close shuts down conversations and persistence.
func (a *Application) Close() {
	a.mu.Lock()
	convs := make([]*Conversation, 0, len(a.conversations))
	for _, c := range a.conversations {
		convs = append(convs, c)
	}
	a.mu.Unlock()
	for _, c := range convs {
		c.Chain.Close()
	}
	a.recorder.Close()
	if err := a.Store.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("store close failed")
	}
}
