// Package httpapi exposes the conversation engine over a small JSON API. The
// handlers are thin: decode, call into the app layer, encode. All semantics
// live below.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"sidethread/internal/app"
)

type Server struct {
	app *app.Application
	log zerolog.Logger
	mux *http.ServeMux

	httpServer *http.Server
}

func NewServer(application *app.Application, logger zerolog.Logger) *Server {
	s := &Server{
		app: application,
		log: logger.With().Str("component", "httpapi").Logger(),
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /v1/threads", s.handleListThreads)
	s.mux.HandleFunc("POST /v1/threads", s.handleOpenThread)
	s.mux.HandleFunc("GET /v1/threads/{id}", s.handleGetThread)
	s.mux.HandleFunc("POST /v1/threads/{id}/messages", s.handleSend)
	s.mux.HandleFunc("POST /v1/threads/{id}/reset", s.handleReset)
	s.mux.HandleFunc("POST /v1/threads/{id}/categorize", s.handleCategorize)

	s.mux.HandleFunc("GET /v1/threads/{id}/branches", s.handleListBranches)
	s.mux.HandleFunc("POST /v1/threads/{id}/branches", s.handleFork)
	s.mux.HandleFunc("GET /v1/threads/{id}/branches/{branch}", s.handleGetBranch)
	s.mux.HandleFunc("POST /v1/threads/{id}/branches/{branch}/messages", s.handleBranchSend)
	s.mux.HandleFunc("POST /v1/threads/{id}/branches/{branch}/close", s.handleCloseBranch)

	s.mux.HandleFunc("GET /v1/threads/{id}/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /v1/threads/{id}/tasks", s.handleSubmitTask)
	s.mux.HandleFunc("POST /v1/threads/{id}/tasks/ingest", s.handleIngestTasks)

	s.mux.HandleFunc("POST /v1/find", s.handleFind)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks until the server stops or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Msg("listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	switch {
	case errors.Is(err, app.ErrChainUnavailable):
		body.Code = "chain_unavailable"
	case errors.Is(err, app.ErrBranchBusy):
		body.Code = "branch_busy"
	case errors.Is(err, app.ErrNotForkable):
		body.Code = "not_forkable"
	case errors.Is(err, app.ErrSummarizeTimeout):
		body.Code = "summarize_timeout"
	}
	s.writeJSON(w, status, body)
}

func decode[T any](r *http.Request, dst *T) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// conversation resolves the {id} path value to a live conversation.
func (s *Server) conversation(w http.ResponseWriter, r *http.Request) (*app.Conversation, bool) {
	conv, ok := s.app.Conversation(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("thread not found"))
		return nil, false
	}
	return conv, true
}

func (s *Server) branch(w http.ResponseWriter, r *http.Request, conv *app.Conversation) (*app.Branch, bool) {
	b, ok := conv.Branches.Get(r.PathValue("branch"))
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("branch not found"))
		return nil, false
	}
	return b, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type threadView struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Category string     `json:"category,omitempty"`
	Turns    []app.Turn `json:"turns"`
}

func viewOf(conv *app.Conversation) threadView {
	return threadView{
		ID:       conv.ID,
		Title:    conv.Title,
		Category: conv.Category,
		Turns:    conv.Chain.Turns(),
	}
}

func (s *Server) handleListThreads(w http.ResponseWriter, _ *http.Request) {
	threads, err := s.app.Threads()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleOpenThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	conv := s.app.OpenThread(req.Title)
	s.writeJSON(w, http.StatusCreated, viewOf(conv))
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(conv))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
		Deep bool   `json:"deep"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("text required"))
		return
	}
	result, err := s.app.Send(r.Context(), conv, req.Text, req.Deep)
	if err != nil {
		s.writeError(w, statusForSendError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_turn":      result.UserTurn,
		"assistant_turn": result.AssistantTurn,
		"chain_reset":    result.ChainReset,
	})
}

func statusForSendError(err error) int {
	if errors.Is(err, app.ErrChainUnavailable) {
		return http.StatusServiceUnavailable
	}
	var apiErr *app.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case app.FailUnauthorized:
			return http.StatusBadGateway
		case app.FailRateLimited:
			return http.StatusTooManyRequests
		case app.FailMalformed:
			return http.StatusBadRequest
		}
	}
	return http.StatusBadGateway
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	conv.Chain.Reset()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleCategorize(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	category := s.app.Categorize(r.Context(), conv)
	s.writeJSON(w, http.StatusOK, map[string]string{"category": category})
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	branches := make([]app.Branch, 0, len(conv.Branches.Branches()))
	for _, b := range conv.Branches.Branches() {
		branches = append(branches, b.Snapshot())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req struct {
		// ParentTurn is the local id of the assistant turn to fork from.
		// Empty means the most recent assistant turn.
		ParentTurn string         `json:"parent_turn"`
		Mode       app.BranchMode `json:"mode"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	parent, found := app.Turn{}, false
	if req.ParentTurn == "" {
		parent, found = conv.Chain.LastAssistantTurn()
	} else {
		for _, t := range conv.Chain.Turns() {
			if t.LocalID == req.ParentTurn {
				parent, found = t, true
				break
			}
		}
	}
	if !found {
		s.writeError(w, http.StatusUnprocessableEntity, app.ErrNotForkable)
		return
	}

	b, err := conv.Branches.Fork(parent)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if req.Mode == app.BranchDeep {
		b.SetMode(app.BranchDeep)
	}
	s.writeJSON(w, http.StatusCreated, b.Snapshot())
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	b, ok := s.branch(w, r, conv)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"branch": b.Snapshot(),
		"turns":  b.Turns(),
	})
}

func (s *Server) handleBranchSend(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	b, ok := s.branch(w, r, conv)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("text required"))
		return
	}
	turn, err := conv.Branches.Send(r.Context(), b, req.Text)
	if err != nil {
		if errors.Is(err, app.ErrBranchBusy) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeError(w, statusForSendError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"assistant_turn": turn})
}

func (s *Server) handleCloseBranch(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	b, ok := s.branch(w, r, conv)
	if !ok {
		return
	}
	var req struct {
		Include bool            `json:"include"`
		Mode    app.IncludeMode `json:"mode"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		b.SetInclude(req.Include, req.Mode)
	}

	outcome, err := conv.Merger.CloseBranch(r.Context(), b)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, app.ErrSummarizeTimeout):
			status = http.StatusGatewayTimeout
		case errors.Is(err, app.ErrBranchBusy):
			status = http.StatusConflict
		}
		s.writeError(w, status, err)
		return
	}
	resp := map[string]any{"merged": outcome.Merged}
	if outcome.Merged {
		resp["context_turn"] = outcome.ContextTurn
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var tasks []app.Task
	for _, t := range s.app.Tasks.List() {
		if t.ThreadID == conv.ID {
			tasks = append(tasks, t)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("prompt required"))
		return
	}
	// The task outlives the request: keep its values but detach its lifetime
	// so the response going out does not cancel the background work.
	task := s.app.SubmitTask(context.WithoutCancel(r.Context()), conv, req.Prompt)
	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleIngestTasks(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	n, err := s.app.IngestCompletedTasks(r.Context(), conv)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ingested": n})
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("query required"))
		return
	}
	threads, err := s.app.Find(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}
