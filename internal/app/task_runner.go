package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskRunner executes mocked code-generation tasks in the background and
// feeds their results back into conversation chains as context turns.
type TaskRunner struct {
	log   zerolog.Logger
	delay time.Duration
	clock func() time.Time

	mu    sync.Mutex
	tasks map[string]*Task
	order []string
}

func NewTaskRunner(logger zerolog.Logger, delay time.Duration) *TaskRunner {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &TaskRunner{
		log:   logger.With().Str("component", "tasks").Logger(),
		delay: delay,
		clock: time.Now,
		tasks: map[string]*Task{},
	}
}

// Submit registers a task and starts it in the background. The returned copy
// reflects the task at submission time.
func (r *TaskRunner) Submit(ctx context.Context, threadID, prompt string) Task {
	task := &Task{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Prompt:    prompt,
		Status:    TaskPending,
		CreatedAt: r.clock(),
	}
	r.mu.Lock()
	r.tasks[task.ID] = task
	r.order = append(r.order, task.ID)
	r.mu.Unlock()

	go r.run(ctx, task.ID)
	r.log.Info().Str("task", task.ID).Msg("task submitted")
	return *task
}

func (r *TaskRunner) run(ctx context.Context, id string) {
	r.setStatus(id, TaskRunning, "", "")

	select {
	case <-ctx.Done():
		r.setStatus(id, TaskFailed, "", ctx.Err().Error())
		return
	case <-time.After(r.delay):
	}

	r.mu.Lock()
	task, ok := r.tasks[id]
	var prompt string
	if ok {
		prompt = task.Prompt
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.setStatus(id, TaskDone, generateTaskCode(prompt), "")
}

func (r *TaskRunner) setStatus(id string, status TaskStatus, result, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return
	}
	task.Status = status
	if result != "" {
		task.Result = result
	}
	if errMsg != "" {
		task.Error = errMsg
	}
	if status == TaskDone || status == TaskFailed {
		task.CompletedAt = r.clock()
	}
}

// Get returns a copy of the task.
func (r *TaskRunner) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// List returns copies of all tasks in submission order.
func (r *TaskRunner) List() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}
	return out
}

// takeCompleted returns finished, not-yet-ingested tasks for a thread in
// ascending completion order, marking each one ingested before it is
// returned. Marking happens before any network call so a second watcher pass
// can never ingest the same task twice.
func (r *TaskRunner) takeCompleted(threadID string) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ready []*Task
	for _, id := range r.order {
		t := r.tasks[id]
		if t.ThreadID == threadID && t.Status == TaskDone && !t.Ingested {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].CompletedAt.Before(ready[j].CompletedAt)
	})
	out := make([]Task, 0, len(ready))
	for _, t := range ready {
		t.Ingested = true
		out = append(out, *t)
	}
	return out
}

// IngestCompleted splices every finished task for the thread into the chain,
// oldest completion first, via the controller's queued ingestion. Ingestion
// failures are logged and recorded on the task; the task stays marked so it
// is not retried implicitly.
func (r *TaskRunner) IngestCompleted(ctx context.Context, threadID string, chain *ChainController) (int, error) {
	ready := r.takeCompleted(threadID)
	ingested := 0
	for _, task := range ready {
		if _, err := chain.IngestContext(ctx, taskContextText(task)); err != nil {
			r.log.Error().Err(err).Str("task", task.ID).Msg("task ingestion failed")
			r.setStatus(task.ID, TaskDone, "", fmt.Sprintf("ingest: %v", err))
			return ingested, err
		}
		ingested++
	}
	return ingested, nil
}

func taskContextText(task Task) string {
	return fmt.Sprintf("Task finished: %s\n\nGenerated code:\n%s",
		truncateEllipsis(collapseWhitespace(task.Prompt), 160), task.Result)
}

// generateTaskCode returns a canned snippet keyed off the prompt. Real
// content generation is out of scope; the point is plausible output with a
// completion timestamp.
func generateTaskCode(prompt string) string {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "http") || strings.Contains(p, "server"):
		return "```go\n" +
			"mux := http.NewServeMux()\n" +
			"mux.HandleFunc(\"/healthz\", func(w http.ResponseWriter, r *http.Request) {\n" +
			"\tw.WriteHeader(http.StatusOK)\n" +
			"})\n" +
			"log.Fatal(http.ListenAndServe(\":8080\", mux))\n" +
			"```"
	case strings.Contains(p, "json") || strings.Contains(p, "parse"):
		return "```go\n" +
			"var payload map[string]any\n" +
			"if err := json.Unmarshal(data, &payload); err != nil {\n" +
			"\treturn fmt.Errorf(\"decode payload: %w\", err)\n" +
			"}\n" +
			"```"
	case strings.Contains(p, "test"):
		return "```go\n" +
			"func TestExample(t *testing.T) {\n" +
			"\tgot := Example()\n" +
			"\tif got != \"expected\" {\n" +
			"\t\tt.Fatalf(\"got %q\", got)\n" +
			"\t}\n" +
			"}\n" +
			"```"
	case strings.Contains(p, "cli") || strings.Contains(p, "command"):
		return "```go\n" +
			"root := &cobra.Command{Use: \"tool\"}\n" +
			"root.AddCommand(versionCmd)\n" +
			"if err := root.Execute(); err != nil {\n" +
			"\tos.Exit(1)\n" +
			"}\n" +
			"```"
	default:
		return "```go\n" +
			"// " + truncateEllipsis(collapseWhitespace(prompt), 80) + "\n" +
			"func Generated() string {\n" +
			"\treturn \"done\"\n" +
			"}\n" +
			"```"
	}
}
