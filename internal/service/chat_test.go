package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/rag-workspace/internal/llm"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

type fakeLLM struct {
	tokens []string
	err    error

	mu   sync.Mutex
	reqs []llm.CompletionRequest
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) ModelFor(tier string) string { return "fake-" + tier }

func (f *fakeLLM) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, *req)
	f.mu.Unlock()

	for i, tok := range f.tokens {
		if err := cb(tok, i); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: strings.Join(f.tokens, ""), Model: req.Model}, nil
}

func (f *fakeLLM) last() llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type memArchive struct {
	mu    sync.Mutex
	turns map[model.SessionID][]model.Message
	title map[model.SessionID]string
	owner map[model.SessionID]string
	err   error
}

func newMemArchive() *memArchive {
	return &memArchive{
		turns: make(map[model.SessionID][]model.Message),
		title: make(map[model.SessionID]string),
		owner: make(map[model.SessionID]string),
	}
}

func (a *memArchive) AppendTurn(_ context.Context, owner string, session model.SessionSummary, msgs []model.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.turns[session.ID] = append(a.turns[session.ID], msgs...)
	a.title[session.ID] = session.Title
	a.owner[session.ID] = owner
	return nil
}

func (a *memArchive) LoadSession(_ context.Context, owner string, id model.SessionID) (model.Conversation, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs, ok := a.turns[id]
	if !ok || a.owner[id] != owner {
		return model.Conversation{}, false, nil
	}
	return model.Conversation{ID: id, Title: a.title[id], Messages: msgs}, true, nil
}

type chatFixture struct {
	docs     *DocumentService
	sessions *SessionService
	llm      *fakeLLM
	chat     *ChatService
}

func newChatFixture(t *testing.T, tokens ...string) *chatFixture {
	t.Helper()
	f := &chatFixture{
		docs:     newDocs(t, nil, DocumentConfig{}),
		sessions: NewSessionService(nil, logger.NewNop()),
		llm:      &fakeLLM{tokens: tokens},
	}
	f.chat = NewChatService(f.docs, f.sessions, f.llm, ChatConfig{HistoryWindow: 2}, logger.NewNop())
	return f
}

func collect(t *testing.T, turn *Turn) []model.StreamFrame {
	t.Helper()
	var frames []model.StreamFrame
	require.NoError(t, turn.Stream(context.Background(), func(f model.StreamFrame) error {
		frames = append(frames, f)
		return nil
	}))
	return frames
}

func TestPrepareRejects(t *testing.T) {
	f := newChatFixture(t)

	_, err := f.chat.Prepare(context.Background(), ana, model.ChatRequest{Message: "  \n"})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.chat.Prepare(context.Background(), ana, model.ChatRequest{Message: "hi", SessionID: "41"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.chat.Prepare(context.Background(), ana, model.ChatRequest{Message: "hi", SessionID: "abc"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSessionStreamsFrames(t *testing.T) {
	f := newChatFixture(t, "Hel", "lo")

	turn, err := f.chat.Prepare(context.Background(), ana, model.ChatRequest{Message: "Summarize Q3", Quality: "fast"})
	require.NoError(t, err)
	frames := collect(t, turn)

	require.Len(t, frames, 3)
	assert.Equal(t, model.StreamFrame{Type: model.FrameSession, SessionID: "1", Title: "Summarize Q3"}, frames[0])
	assert.Equal(t, model.StreamFrame{Type: model.FrameText, Text: "Hel"}, frames[1])
	assert.Equal(t, model.StreamFrame{Type: model.FrameText, Text: "lo"}, frames[2])
	assert.Equal(t, "fake-fast", f.llm.last().Model)

	conv, err := f.sessions.Conversation(context.Background(), ana.ID, "1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Hello", conv.Messages[1].Content)
}

func TestExistingSessionSkipsSessionFrame(t *testing.T) {
	f := newChatFixture(t, "ok")
	sess := f.sessions.Create(ana.ID, "earlier")

	turn, err := f.chat.Prepare(context.Background(), ana, model.ChatRequest{
		Message:   "next",
		SessionID: sess.ID,
		History: []model.HistoryEntry{
			{Role: model.RoleUser, Content: "one"},
			{Role: model.RoleAssistant, Content: "two"},
			{Role: model.RoleUser, Content: "three"},
		},
	})
	require.NoError(t, err)
	frames := collect(t, turn)

	require.Len(t, frames, 1)
	assert.Equal(t, model.FrameText, frames[0].Type)

	msgs := f.llm.last().Messages
	assert.Equal(t, []llm.ChatMessage{
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
		{Role: "user", Content: "next"},
	}, msgs, "history is bounded to the configured window")

	_, err = f.chat.Prepare(context.Background(), ben, model.ChatRequest{Message: "x", SessionID: sess.ID})
	assert.ErrorIs(t, err, ErrNotFound, "sessions are private to their owner")
}

func TestSourcesFrameBeforeText(t *testing.T) {
	f := newChatFixture(t, "answer")
	acks, err := f.docs.Upload(ana, nil, []Upload{{Name: "finance.txt", Data: []byte("quarterly revenue grew")}})
	require.NoError(t, err)
	waitState(t, f.docs, ana, acks[0].ID, model.IngestionReady)

	turn, err := f.chat.Prepare(context.Background(), ana, model.ChatRequest{
		Message:   "revenue",
		Documents: []int64{acks[0].ID},
	})
	require.NoError(t, err)
	frames := collect(t, turn)

	require.Len(t, frames, 3)
	assert.Equal(t, model.FrameSession, frames[0].Type)
	assert.Equal(t, model.FrameSources, frames[1].Type)
	require.Len(t, frames[1].Sources, 1)
	assert.Equal(t, "finance.txt", frames[1].Sources[0].Filename)
	assert.Equal(t, model.SourcePersonal, frames[1].Sources[0].SourceType)
	assert.Contains(t, f.llm.last().System, "quarterly revenue grew")

	conv, err := f.sessions.Conversation(context.Background(), ana.ID, frames[0].SessionID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages[1].Sources, 1)
}

func TestGenerationFailureEmitsErrorFrame(t *testing.T) {
	f := newChatFixture(t, "partial")
	f.llm.err = errors.New("upstream 500")

	turn, err := f.chat.Prepare(context.Background(), ana, model.ChatRequest{Message: "hi"})
	require.NoError(t, err)
	frames := collect(t, turn)

	require.Len(t, frames, 3)
	assert.Equal(t, model.StreamFrame{Type: model.FrameError, Message: GenerationFailed}, frames[2])

	conv, err := f.sessions.Conversation(context.Background(), ana.ID, turn.SessionID())
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1, "only the user message is recorded")
}

func TestEmitFailureStopsTurn(t *testing.T) {
	f := newChatFixture(t, "a", "b", "c")
	turn, err := f.chat.Prepare(context.Background(), ana, model.ChatRequest{Message: "hi"})
	require.NoError(t, err)

	gone := errors.New("client gone")
	n := 0
	err = turn.Stream(context.Background(), func(model.StreamFrame) error {
		n++
		if n == 2 {
			return gone
		}
		return nil
	})
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 2, n)
}

func TestSessionsArchiveReadBack(t *testing.T) {
	archive := newMemArchive()
	first := NewSessionService(archive, logger.NewNop())
	sess := first.Create(ana.ID, "Quarterly   planning\nnotes")
	assert.Equal(t, "Quarterly planning notes", sess.Title)

	msg := model.Message{ID: "m1", Role: model.RoleUser, Content: "hello", CreatedAt: time.Now()}
	require.NoError(t, first.AppendTurn(context.Background(), ana.ID, sess.ID, msg))

	restarted := NewSessionService(archive, logger.NewNop())
	conv, err := restarted.Conversation(context.Background(), ana.ID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly planning notes", conv.Title)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Content)

	assert.Len(t, restarted.List(ana.ID), 1)
	next := restarted.Create(ana.ID, "new")
	assert.Equal(t, model.SessionID("2"), next.ID, "restored ids are not reused")

	_, err = restarted.Conversation(context.Background(), ben.ID, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionsArchiveFailureIsNotFatal(t *testing.T) {
	archive := newMemArchive()
	archive.err = errors.New("nats down")
	s := NewSessionService(archive, logger.NewNop())
	sess := s.Create(ana.ID, "x")

	require.NoError(t, s.AppendTurn(context.Background(), ana.ID, sess.ID, model.Message{ID: "m1"}))
	assert.ErrorIs(t, s.AppendTurn(context.Background(), ben.ID, sess.ID), ErrNotFound)
}

func TestSessionsListAndSeed(t *testing.T) {
	s := NewSessionService(nil, logger.NewNop())
	s.Seed(40)
	a := s.Create(ana.ID, "a")
	assert.Equal(t, model.SessionID("41"), a.ID)

	time.Sleep(2 * time.Millisecond)
	b := s.Create(ana.ID, "b")
	s.Create(ben.ID, "c")

	list := s.List(ana.ID)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "most recently updated first")

	long := strings.Repeat("é", 60)
	assert.Equal(t, strings.Repeat("é", 50)+"…", titleFrom(long))
}
