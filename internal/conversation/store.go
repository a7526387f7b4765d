// Package conversation holds the ordered messages and session identity of the
// active conversation and applies stream events to them.
package conversation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/rag-workspace/internal/model"
)

var (
	// ErrSessionConflict is returned when a session identity different from
	// the one already assigned arrives. It signals a protocol violation.
	ErrSessionConflict = errors.New("conflicting session assignment")
	// ErrTurnOpen is returned when a turn is started while another assistant
	// message is still receiving.
	ErrTurnOpen = errors.New("an assistant message is already open")
	// ErrMessageNotFound is returned for an unknown message identity.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageNotOpen is returned when an event targets a message that is
	// not the open assistant message.
	ErrMessageNotOpen = errors.New("message is not open")
)

// FailurePrefix marks assistant content that reports a failed turn.
const FailurePrefix = "⚠️ Error: "

// Observer is notified with a copy of a message each time it changes.
type Observer func(msg model.Message)

// Store holds the active conversation. Events target the open assistant
// message by identity, never by position.
type Store struct {
	mu       sync.Mutex
	conv     model.Conversation
	messages []*model.Message
	byID     map[string]*model.Message
	openID   string
	observer Observer
	now      func() time.Time
}

// NewStore creates an empty store with no session identity.
func NewStore() *Store {
	return &Store{
		byID: make(map[string]*model.Message),
		now:  time.Now,
	}
}

// Observe registers the rendering callback. Pass nil to remove it. The
// callback runs with the store locked and must not call back into it.
func (s *Store) Observe(fn Observer) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Load replaces the conversation with a stored one. It fails with
// ErrTurnOpen while an assistant message is receiving.
func (s *Store) Load(conv model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openID != "" {
		return ErrTurnOpen
	}
	s.reset()
	s.conv = model.Conversation{ID: conv.ID, Title: conv.Title, UpdatedAt: conv.UpdatedAt}
	for _, m := range conv.Messages {
		msg := m.Clone()
		msg.Open = false
		if msg.ID == "" {
			msg.ID = newID()
		}
		s.append(&msg)
	}
	return nil
}

// Clear drops all messages and the session identity. Like Load it refuses
// while a turn is open.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openID != "" {
		return ErrTurnOpen
	}
	s.reset()
	return nil
}

func (s *Store) reset() {
	s.conv = model.Conversation{}
	s.messages = nil
	s.byID = make(map[string]*model.Message)
	s.openID = ""
}

func (s *Store) append(msg *model.Message) {
	s.messages = append(s.messages, msg)
	s.byID[msg.ID] = msg
}

// StartTurn appends an immutable user message and an empty open assistant
// message. It fails with ErrTurnOpen if an assistant message is still open.
func (s *Store) StartTurn(text string) (user, assistant model.Message, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openID != "" {
		return model.Message{}, model.Message{}, ErrTurnOpen
	}

	now := s.now()
	u := &model.Message{ID: newID(), Role: model.RoleUser, Content: text, CreatedAt: now}
	a := &model.Message{ID: newID(), Role: model.RoleAssistant, CreatedAt: now, Open: true}
	s.append(u)
	s.append(a)
	s.openID = a.ID
	s.conv.UpdatedAt = now

	s.notify(u)
	s.notify(a)
	return u.Clone(), a.Clone(), nil
}

// ApplySessionAssigned sets the conversation identity. Repeating the same
// identity is a no-op; a different one is rejected with ErrSessionConflict
// and leaves the store unchanged.
func (s *Store) ApplySessionAssigned(id model.SessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id.IsZero() {
		return errors.New("empty session id")
	}
	if !s.conv.ID.IsZero() {
		if s.conv.ID == id {
			return nil
		}
		return fmt.Errorf("%w: have %s, got %s", ErrSessionConflict, s.conv.ID, id)
	}

	s.conv.ID = id
	if title != "" {
		s.conv.Title = title
	}
	return nil
}

// ApplyTextDelta appends text to the open assistant message.
func (s *Store) ApplyTextDelta(messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.open(messageID)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	msg.Content += text
	s.notify(msg)
	return nil
}

// ApplySourcesAttached replaces the citation list of the open assistant
// message. Replaying an equal list is a no-op.
func (s *Store) ApplySourcesAttached(messageID string, sources []model.SourceCitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.open(messageID)
	if err != nil {
		return err
	}
	if msg.Sources != nil && slices.Equal(msg.Sources, sources) {
		return nil
	}
	msg.Sources = append([]model.SourceCitation{}, sources...)
	s.notify(msg)
	return nil
}

// ApplyFailed overwrites the open assistant message with a marked error
// string and closes it.
func (s *Store) ApplyFailed(messageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.open(messageID)
	if err != nil {
		return err
	}
	msg.Content = FailurePrefix + strings.TrimSpace(reason)
	msg.Failed = true
	s.close(msg)
	return nil
}

// FinishTurn closes the open assistant message after its stream ended.
// Finishing a message that is already closed is a no-op.
func (s *Store) FinishTurn(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if !msg.Open {
		return nil
	}
	s.close(msg)
	return nil
}

func (s *Store) close(msg *model.Message) {
	msg.Open = false
	s.openID = ""
	s.conv.UpdatedAt = s.now()
	s.notify(msg)
}

func (s *Store) open(messageID string) (*model.Message, error) {
	msg, ok := s.byID[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if !msg.Open || s.openID != messageID {
		return nil, ErrMessageNotOpen
	}
	return msg, nil
}

func (s *Store) notify(msg *model.Message) {
	if s.observer != nil {
		s.observer(msg.Clone())
	}
}

// SessionID returns the assigned identity, or the zero value.
func (s *Store) SessionID() model.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID
}

// Title returns the conversation title.
func (s *Store) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Title
}

// OpenMessageID returns the identity of the open assistant message, if any.
func (s *Store) OpenMessageID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID, s.openID != ""
}

// Message returns a copy of one message.
func (s *Store) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return msg.Clone(), true
}

// Messages returns a copy of all messages in order.
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyMessages()
}

func (s *Store) copyMessages() []model.Message {
	out := make([]model.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// History returns up to n of the most recent closed messages as request
// context. Failed assistant messages are left out.
func (s *Store) History(n int) []model.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.HistoryEntry{}
	for _, m := range s.messages {
		if m.Open || m.Failed {
			continue
		}
		out = append(out, model.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	if n >= 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Snapshot returns a copy of the whole conversation.
func (s *Store) Snapshot() model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conv
	conv.Messages = s.copyMessages()
	return conv
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
