package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	errQueueClosed = errors.New("chain: controller is closed")

	// ErrChainUnavailable is returned when a chained call failed with a
	// broken continuation AND the fresh retry failed too.
	ErrChainUnavailable = errors.New("chain: continuation broken and retry failed")
)

// ChangeEvent is emitted after every authoritative chain mutation. The
// persistence layer consumes these on a one-way channel; the controller never
// learns whether a write succeeded.
type ChangeEvent struct {
	ThreadID string
	Turn     Turn
	Reset    bool
	At       time.Time
}

// SendResult is what a successful Send resolves to.
type SendResult struct {
	UserTurn      Turn
	AssistantTurn Turn
	// ChainReset is true when the server-side chain had to be discarded and
	// the call succeeded as a fresh one. The UI shows a "chain was reset,
	// continuing" notice off this flag.
	ChainReset bool
}

// ChainController owns all reads and writes of the main conversation chain.
// Every mutating operation is serialized through a single-consumer FIFO, so
// at most one is in flight at a time and operations apply strictly in the
// order they were requested, even when a user send races background context
// ingestion.
//
// The continuation base for each queued operation is read from the chain head
// at dequeue time, not captured at enqueue time. That makes the current-token
// data flow explicit and removes the stale-closure class of bug entirely.
type ChainController struct {
	gw    Gateway
	log   zerolog.Logger
	queue *ingestQueue
	clock func() time.Time

	mu        sync.Mutex
	threadID  string
	turns     []Turn
	token     string
	nextLocal int

	notifyMu sync.Mutex
	notify   chan<- ChangeEvent
}

func NewChainController(gw Gateway, logger zerolog.Logger) *ChainController {
	return &ChainController{
		gw:    gw,
		log:   logger.With().Str("component", "chain").Logger(),
		queue: newIngestQueue(),
		clock: time.Now,
	}
}

// SetThreadID tags emitted change events with the owning thread.
func (c *ChainController) SetThreadID(id string) {
	c.mu.Lock()
	c.threadID = id
	c.mu.Unlock()
}

// Notify registers the one-way persistence channel. Sends are non-blocking:
// a slow or absent consumer never stalls the conversation.
func (c *ChainController) Notify(ch chan<- ChangeEvent) {
	c.notifyMu.Lock()
	c.notify = ch
	c.notifyMu.Unlock()
}

func (c *ChainController) emit(ev ChangeEvent) {
	c.notifyMu.Lock()
	ch := c.notify
	c.notifyMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
		c.log.Warn().Msg("change event dropped: persistence channel full")
	}
}

// Turns returns a copy of the authoritative turn list.
func (c *ChainController) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// ContinuationToken returns the current chain head token ("" when the chain
// has no prior context).
func (c *ChainController) ContinuationToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// LastAssistantTurn returns the most recent assistant turn, if any.
func (c *ChainController) LastAssistantTurn() (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == RoleAssistant {
			return c.turns[i], true
		}
	}
	return Turn{}, false
}

func (c *ChainController) newTurn(role Role, text, ref string) Turn {
	c.nextLocal++
	return Turn{
		LocalID:         fmt.Sprintf("t%d", c.nextLocal),
		Role:            role,
		Text:            text,
		CreatedAt:       c.clock(),
		ContinuationRef: ref,
	}
}

func (c *ChainController) append(role Role, text, ref string) Turn {
	c.mu.Lock()
	turn := c.newTurn(role, text, ref)
	c.turns = append(c.turns, turn)
	threadID := c.threadID
	c.mu.Unlock()
	c.emit(ChangeEvent{ThreadID: threadID, Turn: turn, At: turn.CreatedAt})
	return turn
}

func (c *ChainController) setToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

// Send appends the user's turn, calls the gateway chained onto the current
// head, and appends the assistant's reply. The user turn is appended as soon
// as the operation reaches the queue head; on failure it stays, but no
// assistant turn is ever appended for a failed call.
//
// On a broken-continuation failure the controller clears the token, retries
// exactly once as a fresh unchained call, and reports ChainReset on success.
// A second failure surfaces as ErrChainUnavailable with no further mutation.
func (c *ChainController) Send(ctx context.Context, userText string, kind CallKind) (SendResult, error) {
	var result SendResult
	err := c.queue.Do(func() error {
		result.UserTurn = c.append(RoleUser, userText, "")

		resp, reset, err := c.respondWithReset(ctx, CompletionRequest{
			InputText: userText,
			Kind:      kind,
		})
		if err != nil {
			return err
		}
		result.AssistantTurn = c.append(RoleAssistant, resp.OutputText, resp.ContinuationToken)
		c.setToken(resp.ContinuationToken)
		result.ChainReset = reset
		return nil
	})
	if err != nil {
		return SendResult{}, err
	}
	return result, nil
}

// IngestContext splices side-work output into the chain as a single
// context-role turn. It is always queued, never optimistic, so background
// ingestion can never overtake or interleave with a user send.
func (c *ChainController) IngestContext(ctx context.Context, text string) (Turn, error) {
	var turn Turn
	err := c.queue.Do(func() error {
		resp, _, err := c.respondWithReset(ctx, CompletionRequest{
			InputText: text,
			Kind:      KindFast,
		})
		if err != nil {
			return err
		}
		turn = c.append(RoleContext, text, resp.ContinuationToken)
		c.setToken(resp.ContinuationToken)
		return nil
	})
	if err != nil {
		return Turn{}, err
	}
	return turn, nil
}

// respondWithReset runs one gateway call using the token read at dequeue
// time, applying the reset+retry policy for broken continuations. It returns
// whether a reset happened. Only the queue consumer calls this.
func (c *ChainController) respondWithReset(ctx context.Context, req CompletionRequest) (CompletionResponse, bool, error) {
	req.ContinuationToken = c.ContinuationToken()

	resp, err := c.gw.Respond(ctx, req)
	if err == nil {
		return resp, false, nil
	}
	if req.ContinuationToken == "" || !IsContinuationBroken(err) {
		return CompletionResponse{}, false, err
	}

	c.log.Warn().
		Str("token", req.ContinuationToken).
		Msg("continuation broken, resetting chain and retrying once")
	c.setToken("")

	req.ContinuationToken = ""
	resp, retryErr := c.gw.Respond(ctx, req)
	if retryErr != nil {
		return CompletionResponse{}, true, fmt.Errorf("%w: %v", ErrChainUnavailable, retryErr)
	}
	return resp, true, nil
}

// Reset clears all turns and the continuation token. Synchronous, cannot
// fail; queued operations that run afterwards see an empty chain.
func (c *ChainController) Reset() {
	c.mu.Lock()
	c.turns = nil
	c.token = ""
	threadID := c.threadID
	c.mu.Unlock()
	c.emit(ChangeEvent{ThreadID: threadID, Reset: true, At: c.clock()})
}

// Close stops the queue consumer. In-flight operations finish; later calls
// fail with errQueueClosed.
func (c *ChainController) Close() {
	c.queue.Close()
}
