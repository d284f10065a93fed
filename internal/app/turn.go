package app

import "time"

// Role classifies a turn in a conversation chain. The set is closed: every
// consumer switches over all three values.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleContext   Role = "context"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleContext:
		return true
	}
	return false
}

// Turn is one message in a chain. Turns are append-only: once appended to a
// chain or branch they are never mutated or deleted.
type Turn struct {
	// LocalID is assigned by the owning chain and is unique within it.
	LocalID   string    `json:"local_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	// ContinuationRef is the gateway-issued token produced by this turn.
	// Present only on assistant and context turns.
	ContinuationRef string `json:"continuation_ref,omitempty"`
}

func transcriptLine(t Turn) string {
	return string(t.Role) + ": " + t.Text
}
