// Package session holds requirement analysis conversations between turns.
package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/rsagent/internal/draft"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

type State string

const (
	StateCollect        State = "COLLECT"
	StateWaitingAnswers State = "WAITING_ANSWERS"
	StateDraftReady     State = "DRAFT_READY"
	StateConfirming     State = "CONFIRMING"
	StateDefending      State = "DEFENDING"
	StateDone           State = "DONE"
)

// Requirement is the structured requirement derived during collection.
type Requirement struct {
	DemandSource     string   `json:"demand_source"`
	ProductStatement string   `json:"product_statement"`
	OpenQuestions    []string `json:"open_questions"`
}

// Session is one document-flow conversation.
type Session struct {
	ID                  string       `json:"id"`
	UserRequest         string       `json:"user_request"`
	State               State        `json:"state"`
	OpenQuestions       []string     `json:"open_questions,omitempty"`
	UserAnswers         []string     `json:"user_answers,omitempty"`
	KnowledgeMarkdown   string       `json:"knowledge_markdown,omitempty"`
	KBImageURLs         []string     `json:"kb_image_urls,omitempty"`
	Draft               *draft.Draft `json:"draft,omitempty"`
	LastDefendQuestions []string     `json:"last_defend_questions,omitempty"`
	LastDefendFields    []string     `json:"last_defend_fields,omitempty"`
	RedoRequests        []string     `json:"redo_requests,omitempty"`
	Requirement         Requirement  `json:"requirement"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// New creates a session in COLLECT for request.
func New(request string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          uuid.NewString(),
		UserRequest: request,
		State:       StateCollect,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.OpenQuestions = slices.Clone(s.OpenQuestions)
	c.UserAnswers = slices.Clone(s.UserAnswers)
	c.KBImageURLs = slices.Clone(s.KBImageURLs)
	c.LastDefendQuestions = slices.Clone(s.LastDefendQuestions)
	c.LastDefendFields = slices.Clone(s.LastDefendFields)
	c.RedoRequests = slices.Clone(s.RedoRequests)
	c.Requirement.OpenQuestions = slices.Clone(s.Requirement.OpenQuestions)
	c.Draft = s.Draft.Clone()
	return &c
}

// Store persists sessions. Implementations must be safe for concurrent use.
// Get returns a copy; changes are visible to others only after Put.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// Sweep removes sessions idle for longer than ttl and returns how many
	// were removed.
	Sweep(ctx context.Context, ttl time.Duration) (int, error)
}
