package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/rag-workspace/internal/api"
	"github.com/capitalize-ai/rag-workspace/internal/conversation"
	"github.com/capitalize-ai/rag-workspace/internal/documents"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

const helloStream = `data: {"type":"session","session_id":7,"title":"Q3 budget"}

data: {"type":"text","text":"Hel"}

data: {"type":"text","text":"lo"}

data: [DONE]

`

type fixture struct {
	store    *conversation.Store
	registry *documents.Registry
	engine   *Engine
}

func newFixture(t *testing.T, client Streamer) *fixture {
	t.Helper()
	f := &fixture{store: conversation.NewStore(), registry: documents.NewRegistry()}
	f.engine = NewEngine(f.store, f.registry, client, Config{Quality: "balanced"}, logger.NewNop())
	return f
}

func newServerFixture(t *testing.T, h http.HandlerFunc) *fixture {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return newFixture(t, api.NewClient(api.Config{BaseURL: srv.URL, Token: "tok"}))
}

func writeStream(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = io.WriteString(w, body)
}

// streamFunc adapts a function to Streamer.
type streamFunc func(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error)

func (f streamFunc) StreamChat(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}

func TestSendAssemblesReply(t *testing.T) {
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, helloStream)
	})

	out, err := f.engine.Send(context.Background(), "  What is the Q3 budget?  ", "finance")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "7", out.SessionID)
	assert.NoError(t, out.Violation)

	msgs := f.store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is the Q3 budget?", msgs[0].Content)
	assert.Equal(t, out.MessageID, msgs[1].ID)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.False(t, msgs[1].Open)
	assert.Equal(t, "Q3 budget", f.store.Title())
	assert.False(t, f.engine.InFlight())
}

func TestSendBuildsRequest(t *testing.T) {
	var reqs []map[string]any
	var mu sync.Mutex
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		reqs = append(reqs, body)
		mu.Unlock()
		writeStream(w, helloStream)
	})
	f.registry.ReplaceDocuments([]model.Document{
		{ID: 1, ChunkCount: 2, EmbeddedCount: 2, IsActive: true},
		{ID: 2, IsActive: true},
	})
	f.registry.ReplaceShared([]model.SharedDocument{
		{ID: 9, ChunkCount: 1, EmbeddedCount: 1, IsVisible: true, UserRAGActive: true},
	})

	ctx := context.Background()
	_, err := f.engine.Send(ctx, "first", "")
	require.NoError(t, err)
	f.engine.SetQuality("thorough")
	_, err = f.engine.Send(ctx, "second", "hr")
	require.NoError(t, err)

	require.Len(t, reqs, 2)
	first, second := reqs[0], reqs[1]
	assert.Nil(t, first["session_id"])
	assert.Equal(t, []any{}, first["history"])
	assert.Equal(t, "balanced", first["quality"])
	assert.Equal(t, []any{float64(1)}, first["documents"])
	assert.Equal(t, []any{float64(9)}, first["shared_documents"])

	assert.Equal(t, float64(7), second["session_id"])
	assert.Equal(t, "second", second["message"])
	assert.Equal(t, "hr", second["module"])
	assert.Equal(t, "thorough", second["quality"])
	assert.Equal(t, []any{
		map[string]any{"role": "user", "content": "first"},
		map[string]any{"role": "assistant", "content": "Hello"},
	}, second["history"])
}

func TestSendHistoryWindow(t *testing.T) {
	var history []any
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		history, _ = body["history"].([]any)
		writeStream(w, "data: {\"type\":\"text\",\"text\":\"ok\"}\n")
	})

	for i := 0; i < 7; i++ {
		_, err := f.engine.Send(context.Background(), "q", "")
		require.NoError(t, err)
	}
	assert.Len(t, history, DefaultHistoryWindow)
}

func TestSendQuotaExceeded(t *testing.T) {
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"detail":"quota exceeded"}`)
	})

	out, err := f.engine.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "quota exceeded", out.FailureReason)

	msg, ok := f.store.Message(out.MessageID)
	require.True(t, ok)
	assert.Equal(t, conversation.FailurePrefix+"quota exceeded", msg.Content)
	assert.True(t, msg.Failed)
	assert.False(t, msg.Open)
	assert.True(t, f.store.SessionID().IsZero())
	assert.False(t, f.engine.InFlight(), "latch cleared after failure")
}

func TestSendRejectsConcurrentSend(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{})
	var once sync.Once
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(arrived) })
		<-release
		writeStream(w, helloStream)
	})

	done := make(chan Outcome)
	go func() {
		out, err := f.engine.Send(context.Background(), "first", "")
		assert.NoError(t, err)
		done <- out
	}()
	<-arrived

	_, err := f.engine.Send(context.Background(), "second", "")
	assert.ErrorIs(t, err, ErrSendInFlight)

	close(release)
	out := <-done
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Len(t, f.store.Messages(), 2, "the rejected send added nothing")

	_, err = f.engine.Send(context.Background(), "third", "")
	assert.NoError(t, err)
}

func TestSendRejectsEmptyText(t *testing.T) {
	f := newFixture(t, streamFunc(func(context.Context, api.ChatRequest) (io.ReadCloser, error) {
		t.Fatal("no request for blank text")
		return nil, nil
	}))

	_, err := f.engine.Send(context.Background(), " \n\t", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, f.store.Messages())
}

func TestSendChunkSplitStream(t *testing.T) {
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < len(helloStream); i++ {
			_, _ = w.Write([]byte{helloStream[i]})
			flusher.Flush()
		}
	})

	out, err := f.engine.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	msg, _ := f.store.Message(out.MessageID)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, "7", out.SessionID)
}

func TestSendErrorFrameEndsTurn(t *testing.T) {
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, "data: {\"type\":\"text\",\"text\":\"partial\"}\n"+
			"data: {\"type\":\"error\",\"message\":\"model overloaded\"}\n"+
			"data: {\"type\":\"text\",\"text\":\" ignored\"}\n")
	})

	out, err := f.engine.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "model overloaded", out.FailureReason)

	msg, _ := f.store.Message(out.MessageID)
	assert.Equal(t, conversation.FailurePrefix+"model overloaded", msg.Content)
	assert.True(t, msg.Failed)
	_, open := f.store.OpenMessageID()
	assert.False(t, open)
}

func TestSendTransportErrorMidStream(t *testing.T) {
	f := newFixture(t, streamFunc(func(context.Context, api.ChatRequest) (io.ReadCloser, error) {
		r := io.MultiReader(
			strings.NewReader("data: {\"type\":\"text\",\"text\":\"Hel\"}\n"),
			iotest.ErrReader(errors.New("connection reset")),
		)
		return io.NopCloser(r), nil
	}))

	out, err := f.engine.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	msg, _ := f.store.Message(out.MessageID)
	assert.Equal(t, conversation.FailurePrefix+TransportFailure, msg.Content)
}

func TestSendRequestError(t *testing.T) {
	f := newFixture(t, streamFunc(func(context.Context, api.ChatRequest) (io.ReadCloser, error) {
		return nil, errors.New("dial tcp: connection refused")
	}))

	out, err := f.engine.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, TransportFailure, out.FailureReason)
	assert.False(t, f.engine.InFlight())
}

func TestSendSkipsMalformedFrames(t *testing.T) {
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, ": keepalive\n"+
			"data: {not json\n"+
			"data: {\"type\":\"mystery\"}\n"+
			"data: {\"type\":\"sources\",\"sources\":[{\"doc_id\":3,\"filename\":\"q3.pdf\",\"chunk_index\":0,\"excerpt\":\"...\"}]}\n"+
			"data: {\"type\":\"text\",\"text\":\"ok\"}\n")
	})

	out, err := f.engine.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)

	msg, _ := f.store.Message(out.MessageID)
	assert.Equal(t, "ok", msg.Content)
	require.Len(t, msg.Sources, 1)
	assert.Equal(t, model.SourcePersonal, msg.Sources[0].SourceType)
}

func TestSendSessionConflictIsRecorded(t *testing.T) {
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, helloStream)
	})
	require.NoError(t, f.store.Load(model.Conversation{ID: model.SessionIDFromInt(3), Title: "earlier"}))

	out, err := f.engine.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.ErrorIs(t, out.Violation, conversation.ErrSessionConflict)
	assert.Equal(t, "3", out.SessionID)
	assert.Equal(t, "earlier", f.store.Title())

	msg, _ := f.store.Message(out.MessageID)
	assert.Equal(t, "Hello", msg.Content)
}

func TestSendRepeatedSessionFrameIsNoop(t *testing.T) {
	f := newServerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, helloStream+`data: {"type":"session","session_id":7,"title":"Q3 budget"}`+"\n")
	})

	out, err := f.engine.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.NoError(t, out.Violation)
	assert.Equal(t, "7", out.SessionID)
}

func TestSendCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, streamFunc(func(ctx context.Context, _ api.ChatRequest) (io.ReadCloser, error) {
		cancel()
		return nil, ctx.Err()
	}))

	out, err := f.engine.Send(ctx, "hi", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	msg, _ := f.store.Message(out.MessageID)
	assert.False(t, msg.Open)
}
