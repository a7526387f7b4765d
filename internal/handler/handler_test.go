package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/rag-workspace/internal/api"
	"github.com/capitalize-ai/rag-workspace/internal/chat"
	"github.com/capitalize-ai/rag-workspace/internal/config"
	"github.com/capitalize-ai/rag-workspace/internal/llm"
	"github.com/capitalize-ai/rag-workspace/internal/middleware"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/internal/service"
	"github.com/capitalize-ai/rag-workspace/internal/session"
	"github.com/capitalize-ai/rag-workspace/internal/stream"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

const secret = "handler-test-secret"

type server struct {
	*httptest.Server
	docs *service.DocumentService
}

func newServer(t *testing.T, mutate ...func(*config.Config)) *server {
	t.Helper()
	cfg := &config.Config{
		JWTSecret:         secret,
		AdminScope:        "admin",
		CORSOrigins:       []string{"http://localhost:5173"},
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		ChatQuotaRequests: 1000,
		ChatQuotaWindow:   time.Minute,
		MaxUploadBytes:    1 << 20,
	}
	for _, m := range mutate {
		m(cfg)
	}

	log := logger.NewNop()
	docs := service.NewDocumentService(llm.NewHashEmbedder(), service.DocumentConfig{SharedStorageLimit: 1 << 20}, log)
	sessions := service.NewSessionService(nil, log)
	chatSvc := service.NewChatService(docs, sessions, llm.NewLocalClient(), service.ChatConfig{}, log)

	srv := httptest.NewServer(NewRouter(cfg, Services{Chat: chatSvc, Sessions: sessions, Documents: docs}, log))
	t.Cleanup(func() {
		srv.Close()
		docs.Close()
	})
	return &server{Server: srv, docs: docs}
}

func token(t *testing.T, user, department string, scopes ...string) string {
	t.Helper()
	tok, err := middleware.IssueToken(secret, user, department, scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, tok string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func detail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body model.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Detail
}

func TestHealthAndReady(t *testing.T) {
	s := newServer(t)

	resp := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "disabled", body["archive"])
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestReadyReportsArchive(t *testing.T) {
	cfg := &config.Config{JWTSecret: secret}
	for _, tc := range []struct {
		name    string
		archive Pinger
		status  int
	}{
		{"up", pinger{}, http.StatusOK},
		{"down", pinger{err: errors.New("not connected")}, http.StatusServiceUnavailable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewRouter(cfg, Services{Archive: tc.archive}, logger.NewNop()).
				ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestChatStreamsFrames(t *testing.T) {
	s := newServer(t)
	tok := token(t, "ana@example.com", "finance")

	resp := s.do(t, http.MethodPost, "/api/chat", tok, model.ChatRequest{Message: "hello there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	dec := stream.NewDecoder(resp.Body)
	var frames []string
	for dec.Next() {
		frames = append(frames, dec.Frame())
	}
	require.NoError(t, dec.Err())
	require.GreaterOrEqual(t, len(frames), 3)

	assert.JSONEq(t, `{"type":"session","session_id":1,"title":"hello there"}`, frames[0])
	assert.Equal(t, model.DoneSentinel, frames[len(frames)-1])

	var text strings.Builder
	for _, f := range frames[1 : len(frames)-1] {
		ev, ok := stream.Interpret(f).(stream.TextDelta)
		require.True(t, ok, "unexpected frame %s", f)
		text.WriteString(ev.Text)
	}
	assert.True(t, strings.HasPrefix(text.String(), "You asked: hello there"), text.String())
}

func TestChatErrors(t *testing.T) {
	s := newServer(t)
	tok := token(t, "ana@example.com", "finance")

	resp := s.do(t, http.MethodPost, "/api/chat", "", model.ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/chat", tok, model.ChatRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "message cannot be empty", detail(t, resp))

	resp = s.do(t, http.MethodPost, "/api/chat", tok, model.ChatRequest{Message: "hi", SessionID: "99"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not found", detail(t, resp))
}

func TestChatQuotaExceeded(t *testing.T) {
	s := newServer(t, func(c *config.Config) { c.ChatQuotaRequests = 1 })
	tok := token(t, "ana@example.com", "finance")

	resp := s.do(t, http.MethodPost, "/api/chat", tok, model.ChatRequest{Message: "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)

	resp = s.do(t, http.MethodPost, "/api/chat", tok, model.ChatRequest{Message: "two"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "quota exceeded", detail(t, resp))

	resp = s.do(t, http.MethodGet, "/api/sessions", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "the quota only covers chat turns")
}

func TestAdminRoutesRequireScope(t *testing.T) {
	s := newServer(t)
	user := token(t, "ana@example.com", "finance")
	admin := token(t, "root@example.com", "finance", "admin")

	resp := s.do(t, http.MethodPost, "/api/shared-documents/folders", user, map[string]string{"name": "Policies"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Admin access required", detail(t, resp))

	resp = s.do(t, http.MethodPost, "/api/shared-documents/folders", admin, map[string]string{"name": "Policies"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var folder model.SharedFolder
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&folder))
	assert.Equal(t, "finance", folder.Department)

	resp = s.do(t, http.MethodGet, "/api/shared-documents/storage", user, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/shared-documents/storage", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodPatch, "/api/documents/abc/toggle", user, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = s.do(t, http.MethodPatch, "/api/documents/7/toggle", user, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func newClient(s *server, tok string) *api.Client {
	return api.NewClient(api.Config{BaseURL: s.URL, Token: tok, Timeout: 5 * time.Second})
}

func TestWorkspaceEndToEnd(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	client := newClient(s, token(t, "ana@example.com", "finance"))

	ws := session.New(client, session.Options{PollInterval: 10 * time.Millisecond}, logger.NewNop())
	t.Cleanup(ws.Close)
	require.NoError(t, ws.Start(ctx))

	acks, err := ws.Upload(ctx, []api.UploadFile{
		{Name: "q3.txt", Data: strings.NewReader("quarterly revenue grew twelve percent")},
		{Name: "photo.png", Data: strings.NewReader("not a document")},
	})
	require.NoError(t, err)
	require.Len(t, acks, 1, "unsupported types are skipped")
	docID := acks[0].ID

	require.Eventually(t, func() bool {
		doc, ok := ws.Registry().Document(docID)
		return ok && doc.Attached()
	}, 3*time.Second, 10*time.Millisecond)

	out, err := ws.Send(ctx, "What happened to revenue?", "")
	require.NoError(t, err)
	require.Equal(t, chat.StatusCompleted, out.Status, out.FailureReason)
	assert.Equal(t, "1", out.SessionID)

	reply, ok := ws.Store().Message(out.MessageID)
	require.True(t, ok)
	require.Len(t, reply.Sources, 1)
	assert.Equal(t, docID, reply.Sources[0].DocumentID)
	assert.Contains(t, reply.Content, "You asked: What happened to revenue?")

	active, err := ws.ToggleDocument(ctx, docID)
	require.NoError(t, err)
	assert.False(t, active)

	list, err := ws.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	other := session.New(client, session.Options{}, logger.NewNop())
	t.Cleanup(other.Close)
	require.NoError(t, other.Open(ctx, list[0].ID))
	msgs := other.Store().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, reply.Content, msgs[1].Content)
	assert.Equal(t, model.SessionID("1"), other.Store().SessionID())
}

func TestSharedDocumentsEndToEnd(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	adminTok := token(t, "root@example.com", "finance", "admin")

	resp := s.do(t, http.MethodPost, "/api/shared-documents/folders", adminTok, map[string]string{"name": "Policies"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var folder model.SharedFolder
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&folder))

	admin := session.New(newClient(s, adminTok), session.Options{PollInterval: 10 * time.Millisecond}, logger.NewNop())
	t.Cleanup(admin.Close)
	require.NoError(t, admin.Start(ctx))

	acks, err := admin.UploadShared(ctx, folder.ID, []api.UploadFile{{Name: "policy.md", Data: strings.NewReader("expense policy")}})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	id := acks[0].ID

	require.Eventually(t, func() bool {
		return admin.Registry().EffectiveAttached(id)
	}, 3*time.Second, 10*time.Millisecond)

	viewer := session.New(newClient(s, token(t, "ana@example.com", "finance")), session.Options{}, logger.NewNop())
	t.Cleanup(viewer.Close)
	require.NoError(t, viewer.Start(ctx))
	assert.True(t, viewer.Registry().EffectiveAttached(id))

	pref, err := viewer.ToggleSharedPreference(ctx, id)
	require.NoError(t, err)
	assert.False(t, pref)
	assert.False(t, viewer.Registry().EffectiveAttached(id))

	_, err = viewer.ToggleSharedVisibility(ctx, id)
	assert.True(t, api.IsStatus(err, http.StatusForbidden))

	visible, err := admin.ToggleSharedVisibility(ctx, id)
	require.NoError(t, err)
	assert.False(t, visible)

	require.NoError(t, viewer.RefreshDocuments(ctx))
	_, ok := viewer.Registry().SharedDocument(id)
	assert.False(t, ok, "hidden documents drop out of the viewer's listing")
}
