package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/llm"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
	"github.com/capitalize-ai/rag-workspace/pkg/metrics"
)

// GenerationFailed is the error frame message sent when the model fails
// mid-turn.
const GenerationFailed = "The assistant could not complete this reply. Please try again."

const systemPrompt = "You are a workspace assistant. Answer using the provided excerpts when they are relevant and say so when they are not."

// ChatConfig configures a ChatService.
type ChatConfig struct {
	HistoryWindow int
	TopK          int
	MaxTokens     int
}

// ChatService produces streamed replies for chat turns.
type ChatService struct {
	docs     *DocumentService
	sessions *SessionService
	llm      llm.Client
	cfg      ChatConfig
	logger   *logger.Logger
}

// NewChatService creates a chat service.
func NewChatService(docs *DocumentService, sessions *SessionService, client llm.Client, cfg ChatConfig, log *logger.Logger) *ChatService {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &ChatService{
		docs:     docs,
		sessions: sessions,
		llm:      client,
		cfg:      cfg,
		logger:   log,
	}
}

// Turn is a validated chat turn ready to stream.
type Turn struct {
	svc     *ChatService
	viewer  Viewer
	req     model.ChatRequest
	session model.SessionSummary
	created bool
}

// Prepare validates a turn and resolves or creates its session. Errors from
// Prepare are reported before any frame is written.
func (s *ChatService) Prepare(ctx context.Context, viewer Viewer, req model.ChatRequest) (*Turn, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}

	t := &Turn{svc: s, viewer: viewer, req: req}
	if req.SessionID.IsZero() {
		t.session = s.sessions.Create(viewer.ID, req.Message)
		t.created = true
		return t, nil
	}

	sess, err := s.sessions.Resolve(ctx, viewer.ID, req.SessionID)
	if err != nil {
		return nil, err
	}
	t.session = sess
	return t, nil
}

// SessionID returns the turn's session.
func (t *Turn) SessionID() model.SessionID {
	return t.session.ID
}

// Stream generates the reply, passing each frame to emit. A model failure
// is reported as an error frame and ends the turn without an error; an
// error is returned only when emit fails or ctx ends.
func (t *Turn) Stream(ctx context.Context, emit func(model.StreamFrame) error) error {
	s := t.svc
	log := s.logger.With(
		zap.String("user_id", t.viewer.ID),
		zap.String("session_id", t.session.ID.String()),
	)

	ctx, span := otel.Tracer("service").Start(ctx, "chat.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", t.session.ID.String()),
		attribute.String("quality", t.req.Quality),
	)

	if t.created {
		if err := emit(model.StreamFrame{Type: model.FrameSession, SessionID: t.session.ID, Title: t.session.Title}); err != nil {
			return err
		}
	}

	matches, err := s.docs.Retrieve(ctx, t.viewer, t.req.Message, t.req.Documents, t.req.SharedDocuments, s.cfg.TopK)
	if err != nil {
		log.Warn("retrieval failed", zap.Error(err))
		matches = nil
	}
	var sources []model.SourceCitation
	for _, m := range matches {
		sources = append(sources, m.SourceCitation)
	}
	if len(sources) > 0 {
		if err := emit(model.StreamFrame{Type: model.FrameSources, Sources: sources}); err != nil {
			return err
		}
	}

	userMsg := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleUser,
		Content:   t.req.Message,
		CreatedAt: time.Now().UTC(),
	}

	modelName := s.llm.ModelFor(t.req.Quality)
	start := time.Now()
	resp, err := s.llm.CompleteStream(ctx, &llm.CompletionRequest{
		Model:     modelName,
		System:    buildSystem(t.req.Module, matches),
		Messages:  t.messages(),
		MaxTokens: s.cfg.MaxTokens,
	}, func(token string, _ int) error {
		if err := emit(model.StreamFrame{Type: model.FrameText, Text: token}); err != nil {
			return &emitError{err: err}
		}
		return nil
	})
	if err != nil {
		metrics.RecordLLMStream(modelName, "error", time.Since(start).Seconds(), 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var emitErr *emitError
		if errors.As(err, &emitErr) {
			return emitErr.err
		}

		log.Error("generation failed", zap.String("model", modelName), zap.Error(err))
		_ = s.sessions.AppendTurn(ctx, t.viewer.ID, t.session.ID, userMsg)
		return emit(model.StreamFrame{Type: model.FrameError, Message: GenerationFailed})
	}

	metrics.RecordLLMStream(resp.Model, "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	assistantMsg := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleAssistant,
		Content:   resp.Content,
		CreatedAt: time.Now().UTC(),
		Sources:   sources,
	}
	if err := s.sessions.AppendTurn(ctx, t.viewer.ID, t.session.ID, userMsg, assistantMsg); err != nil {
		log.Warn("record turn failed", zap.Error(err))
	}

	log.Info("turn completed",
		zap.String("model", resp.Model),
		zap.Int("sources", len(sources)),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
	return nil
}

// messages returns the bounded history followed by the new user message.
func (t *Turn) messages() []llm.ChatMessage {
	history := t.req.History
	if n := t.svc.cfg.HistoryWindow; len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]llm.ChatMessage, 0, len(history)+1)
	for _, h := range history {
		out = append(out, llm.ChatMessage{Role: string(h.Role), Content: h.Content})
	}
	return append(out, llm.ChatMessage{Role: string(model.RoleUser), Content: t.req.Message})
}

func buildSystem(module string, matches []Match) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	if module != "" {
		fmt.Fprintf(&b, "\nThe user is working in the %q module.", module)
	}
	if len(matches) > 0 {
		b.WriteString("\n\nExcerpts:\n")
		for i, m := range matches {
			fmt.Fprintf(&b, "[%d] %s (%s, chunk %d):\n%s\n", i+1, m.Filename, m.SourceType, m.ChunkIndex, m.Text)
		}
	}
	return b.String()
}

// emitError marks a failure to write a frame, as opposed to a model failure.
type emitError struct{ err error }

func (e *emitError) Error() string { return e.err.Error() }
func (e *emitError) Unwrap() error { return e.err }
