package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BranchMode picks the gateway call parameters for branch sends.
type BranchMode string

const (
	BranchFast BranchMode = "fast"
	BranchDeep BranchMode = "deep"
)

func (m BranchMode) callKind() CallKind {
	if m == BranchDeep {
		return KindDeep
	}
	return KindFast
}

// IncludeMode selects how a branch is folded back into the main chain.
type IncludeMode string

const (
	IncludeSummary IncludeMode = "summary"
	IncludeFull    IncludeMode = "full"
)

var (
	// ErrBranchBusy is returned when a send or close is attempted while
	// another operation on the same branch is still in flight. Single-flight
	// per branch is enforced here in the data layer, not just by UI disabling.
	ErrBranchBusy = errors.New("branch: another operation is already in flight")

	// ErrNotForkable is returned when forking from a turn that carries no
	// continuation ref (only assistant turns produce one).
	ErrNotForkable = errors.New("branch: parent turn has no continuation ref")
)

// Branch is an isolated side conversation forked from one assistant turn of
// the main chain. It never touches chain state until it is merged.
type Branch struct {
	ID                string      `json:"id"`
	ParentTurnLocalID string      `json:"parent_turn_local_id"`
	Title             string      `json:"title"`
	Mode              BranchMode  `json:"mode"`
	IncludeInMain     bool        `json:"include_in_main"`
	IncludeMode       IncludeMode `json:"include_mode"`
	MergedIntoMain    bool        `json:"merged_into_main"`
	MergedAs          IncludeMode `json:"merged_as,omitempty"`
	MergedAt          time.Time   `json:"merged_at,omitempty"`

	// parentContinuationRef is the fork point, snapshotted at fork time and
	// never revisited once the branch has its own token.
	parentContinuationRef string

	mu        sync.Mutex
	turns     []Turn
	token     string
	nextLocal int
	inFlight  bool
	closing   bool
}

// SetMode picks the gateway call parameters for subsequent sends.
func (b *Branch) SetMode(mode BranchMode) {
	b.mu.Lock()
	b.Mode = mode
	b.mu.Unlock()
}

// SetInclude records whether and how the branch folds back on close. Invalid
// modes leave the current mode untouched.
func (b *Branch) SetInclude(include bool, mode IncludeMode) {
	b.mu.Lock()
	b.IncludeInMain = include
	if mode == IncludeSummary || mode == IncludeFull {
		b.IncludeMode = mode
	}
	b.mu.Unlock()
}

// Snapshot copies the branch's visible state for rendering and encoding.
func (b *Branch) Snapshot() Branch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Branch{
		ID:                b.ID,
		ParentTurnLocalID: b.ParentTurnLocalID,
		Title:             b.Title,
		Mode:              b.Mode,
		IncludeInMain:     b.IncludeInMain,
		IncludeMode:       b.IncludeMode,
		MergedIntoMain:    b.MergedIntoMain,
		MergedAs:          b.MergedAs,
		MergedAt:          b.MergedAt,
	}
}

// beginClose reserves the branch for one closing attempt and returns the
// state the merge decision is based on. The reservation and the
// merged-already read are a single critical section, so two racing closes can
// never both pass the at-most-once check; the loser fails fast with
// ErrBranchBusy.
func (b *Branch) beginClose() (include bool, mode IncludeMode, merged bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false, "", false, ErrBranchBusy
	}
	b.closing = true
	return b.IncludeInMain, b.IncludeMode, b.MergedIntoMain, nil
}

func (b *Branch) endClose() {
	b.mu.Lock()
	b.closing = false
	b.mu.Unlock()
}

func (b *Branch) markMerged(mode IncludeMode, at time.Time) {
	b.mu.Lock()
	b.MergedIntoMain = true
	b.MergedAs = mode
	b.MergedAt = at
	b.mu.Unlock()
}

// ParentContinuationRef returns the immutable fork-point token.
func (b *Branch) ParentContinuationRef() string {
	return b.parentContinuationRef
}

// Turns returns a copy of the branch-local turn list.
func (b *Branch) Turns() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// ContinuationToken returns the branch's own token ("" until the first
// successful branch send).
func (b *Branch) ContinuationToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func (b *Branch) appendTurn(role Role, text, ref string) Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextLocal++
	turn := Turn{
		LocalID:         fmt.Sprintf("b%d", b.nextLocal),
		Role:            role,
		Text:            text,
		CreatedAt:       time.Now(),
		ContinuationRef: ref,
	}
	b.turns = append(b.turns, turn)
	return turn
}

// BranchSet owns the branches forked off one conversation. Many branches may
// share a parent turn; branches never nest.
type BranchSet struct {
	gw  Gateway
	log zerolog.Logger

	mu        sync.Mutex
	branches  []*Branch
	perParent map[string]int
}

func NewBranchSet(gw Gateway, logger zerolog.Logger) *BranchSet {
	return &BranchSet{
		gw:        gw,
		log:       logger.With().Str("component", "branch").Logger(),
		perParent: map[string]int{},
	}
}

// Fork creates a new branch anchored at parent, which must be an assistant
// turn carrying a continuation ref. Fork is synchronous and cheap: no
// gateway call happens until the first branch send.
func (s *BranchSet) Fork(parent Turn) (*Branch, error) {
	if parent.Role != RoleAssistant || parent.ContinuationRef == "" {
		return nil, ErrNotForkable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perParent[parent.LocalID]++
	b := &Branch{
		ID:                    uuid.NewString(),
		ParentTurnLocalID:     parent.LocalID,
		Title:                 fmt.Sprintf("Branch %d", s.perParent[parent.LocalID]),
		Mode:                  BranchFast,
		IncludeMode:           IncludeSummary,
		parentContinuationRef: parent.ContinuationRef,
	}
	s.branches = append(s.branches, b)
	s.log.Debug().Str("branch", b.ID).Str("parent", parent.LocalID).Msg("forked")
	return b, nil
}

// Branches returns the branches in fork order.
func (s *BranchSet) Branches() []*Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Branch, len(s.branches))
	copy(out, s.branches)
	return out
}

// Get returns the branch with the given id.
func (s *BranchSet) Get(id string) (*Branch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.branches {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// Send runs one branch turn. The continuation base is the branch's own token
// when set, otherwise the fork-point ref; the parent ref is only ever used
// for the first call. Branch sends bypass the ingestion queue: they touch no
// chain state and may run concurrently with main-chain operations.
func (s *BranchSet) Send(ctx context.Context, b *Branch, userText string) (Turn, error) {
	b.mu.Lock()
	if b.inFlight {
		b.mu.Unlock()
		return Turn{}, ErrBranchBusy
	}
	b.inFlight = true
	base := b.token
	if base == "" {
		base = b.parentContinuationRef
	}
	mode := b.Mode
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight = false
		b.mu.Unlock()
	}()

	b.appendTurn(RoleUser, userText, "")

	resp, err := s.gw.Respond(ctx, CompletionRequest{
		InputText:         userText,
		ContinuationToken: base,
		Kind:              mode.callKind(),
	})
	if err != nil {
		// No assistant turn on failure; the optimistic user turn stays.
		return Turn{}, err
	}

	turn := b.appendTurn(RoleAssistant, resp.OutputText, resp.ContinuationToken)
	b.mu.Lock()
	b.token = resp.ContinuationToken
	b.mu.Unlock()
	return turn, nil
}
