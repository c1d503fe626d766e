// Package message defines the envelope exchanged between the
// orchestrator and agents.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the envelope types the orchestrator understands.
type Kind string

const (
	KindTaskPrompt      Kind = "task_prompt"
	KindProposal        Kind = "proposal"
	KindCritiqueRequest Kind = "critique_request"
	KindCritique        Kind = "critique"
	KindRevisionRequest Kind = "revision_request"
	KindProcessingError Kind = "processing_error"
)

// Wildcard as a recipient means "every other known agent".
const Wildcard = "*"

var kinds = map[Kind]struct{}{
	KindTaskPrompt:      {},
	KindProposal:        {},
	KindCritiqueRequest: {},
	KindCritique:        {},
	KindRevisionRequest: {},
	KindProcessingError: {},
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

var (
	ErrNoSender     = errors.New("message: empty sender")
	ErrNoRecipients = errors.New("message: no recipients")
)

// Envelope is the unit of exchange. Treat it as immutable once built;
// the only sanctioned mutation is the sender-id correction applied by
// the delivery channel on behalf of the sending agent.
type Envelope struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Sender    string         `json:"sender"`
	To        []string       `json:"to"`
	Kind      Kind           `json:"kind"`
	Content   map[string]any `json:"content,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Round     int            `json:"round,omitempty"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// New constructs a validated envelope with a fresh id.
func New(sender string, to []string, kind Kind, content map[string]any) (*Envelope, error) {
	if sender == "" {
		return nil, ErrNoSender
	}
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("message: unknown kind %q", kind)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Sender:    sender,
		To:        append([]string(nil), to...),
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Copy returns an independent envelope with its own id, keeping the
// original's id as lineage. Used when a wildcard is expanded so each
// recipient gets a distinct envelope.
func (e *Envelope) Copy(to ...string) *Envelope {
	cp := *e
	cp.ID = uuid.NewString()
	cp.ParentID = e.ID
	if len(to) > 0 {
		cp.To = append([]string(nil), to...)
	} else {
		cp.To = append([]string(nil), e.To...)
	}
	if e.Content != nil {
		cp.Content = make(map[string]any, len(e.Content))
		for k, v := range e.Content {
			cp.Content[k] = v
		}
	}
	return &cp
}

// Reply builds an envelope addressed back to e's reply-to address, or
// its sender when no reply-to is set. Task correlation carries over.
func (e *Envelope) Reply(sender string, kind Kind, content map[string]any) (*Envelope, error) {
	to := e.ReplyTo
	if to == "" {
		to = e.Sender
	}
	r, err := New(sender, []string{to}, kind, content)
	if err != nil {
		return nil, err
	}
	r.ParentID = e.ID
	r.TaskID = e.TaskID
	r.Round = e.Round
	return r, nil
}

// Text extracts a string field from the content payload.
func (e *Envelope) Text(key string) string {
	if e.Content == nil {
		return ""
	}
	s, _ := e.Content[key].(string)
	return s
}
