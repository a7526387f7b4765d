package service

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

const titleRunes = 50

// Archive durably records chat turns and reads stored conversations back.
type Archive interface {
	AppendTurn(ctx context.Context, owner string, session model.SessionSummary, msgs []model.Message) error
	LoadSession(ctx context.Context, owner string, id model.SessionID) (model.Conversation, bool, error)
}

type storedSession struct {
	owner    string
	summary  model.SessionSummary
	messages []model.Message
}

// SessionService keeps chat sessions in memory and writes every turn
// through to an optional archive.
type SessionService struct {
	archive Archive
	logger  *logger.Logger

	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]*storedSession
}

// NewSessionService creates a session service. archive may be nil.
func NewSessionService(archive Archive, log *logger.Logger) *SessionService {
	return &SessionService{
		archive:  archive,
		logger:   log,
		sessions: make(map[int64]*storedSession),
	}
}

// Seed makes new session ids start after last.
func (s *SessionService) Seed(last int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last > s.nextID {
		s.nextID = last
	}
}

// Create starts a session titled after the first message.
func (s *SessionService) Create(owner, firstMessage string) model.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now().UTC()
	sess := &storedSession{
		owner: owner,
		summary: model.SessionSummary{
			ID:        model.SessionIDFromInt(s.nextID),
			Title:     titleFrom(firstMessage),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	s.sessions[s.nextID] = sess
	return sess.summary
}

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleRunes {
		return text
	}
	return string([]rune(text)[:titleRunes]) + "…"
}

// List returns the owner's sessions, most recently updated first.
func (s *SessionService) List(owner string) []model.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.SessionSummary{}
	for _, sess := range s.sessions {
		if sess.owner == owner {
			out = append(out, sess.summary)
		}
	}
	slices.SortFunc(out, func(a, b model.SessionSummary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out
}

// Resolve returns the summary of an owner's session, reading it back from
// the archive when it is not cached.
func (s *SessionService) Resolve(ctx context.Context, owner string, id model.SessionID) (model.SessionSummary, error) {
	conv, err := s.Conversation(ctx, owner, id)
	if err != nil {
		return model.SessionSummary{}, err
	}
	return model.SessionSummary{ID: conv.ID, Title: conv.Title, UpdatedAt: conv.UpdatedAt}, nil
}

// Conversation returns a stored conversation with its messages.
func (s *SessionService) Conversation(ctx context.Context, owner string, id model.SessionID) (model.Conversation, error) {
	n, err := strconv.ParseInt(id.String(), 10, 64)
	if err != nil {
		return model.Conversation{}, ErrNotFound
	}

	s.mu.RLock()
	sess, ok := s.sessions[n]
	var conv model.Conversation
	if ok {
		conv = sess.conversation()
	}
	s.mu.RUnlock()
	if ok {
		if sess.owner != owner {
			return model.Conversation{}, ErrNotFound
		}
		return conv, nil
	}

	if s.archive == nil {
		return model.Conversation{}, ErrNotFound
	}
	conv, found, err := s.archive.LoadSession(ctx, owner, id)
	if err != nil {
		return model.Conversation{}, err
	}
	if !found {
		return model.Conversation{}, ErrNotFound
	}

	s.mu.Lock()
	if _, raced := s.sessions[n]; !raced {
		s.sessions[n] = &storedSession{
			owner:    owner,
			summary:  model.SessionSummary{ID: conv.ID, Title: conv.Title, UpdatedAt: conv.UpdatedAt},
			messages: conv.Messages,
		}
		if n > s.nextID {
			s.nextID = n
		}
	}
	s.mu.Unlock()

	s.logger.Debug("session restored from archive", zap.String("session_id", id.String()))
	return conv, nil
}

func (ss *storedSession) conversation() model.Conversation {
	msgs := make([]model.Message, len(ss.messages))
	for i, m := range ss.messages {
		msgs[i] = m.Clone()
	}
	return model.Conversation{
		ID:        ss.summary.ID,
		Title:     ss.summary.Title,
		UpdatedAt: ss.summary.UpdatedAt,
		Messages:  msgs,
	}
}

// AppendTurn records the messages of one turn. Archive failures are logged
// and do not fail the turn.
func (s *SessionService) AppendTurn(ctx context.Context, owner string, id model.SessionID, msgs ...model.Message) error {
	n, err := strconv.ParseInt(id.String(), 10, 64)
	if err != nil {
		return ErrNotFound
	}

	s.mu.Lock()
	sess, ok := s.sessions[n]
	if !ok || sess.owner != owner {
		s.mu.Unlock()
		return ErrNotFound
	}
	sess.messages = append(sess.messages, msgs...)
	sess.summary.UpdatedAt = time.Now().UTC()
	summary := sess.summary
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.AppendTurn(ctx, owner, summary, msgs); err != nil {
			s.logger.Warn("archive turn failed", zap.String("session_id", id.String()), zap.Error(err))
		}
	}
	return nil
}
