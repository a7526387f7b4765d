// Package chat runs chat turns: it sends the request, pumps the reply stream
// into the conversation store and guarantees every turn ends in a terminal
// state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/api"
	"github.com/capitalize-ai/rag-workspace/internal/conversation"
	"github.com/capitalize-ai/rag-workspace/internal/documents"
	"github.com/capitalize-ai/rag-workspace/internal/stream"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
	"github.com/capitalize-ai/rag-workspace/pkg/metrics"
)

var (
	// ErrEmptyMessage is returned when the text is blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSendInFlight is returned when a send is already running.
	ErrSendInFlight = errors.New("a send is already in flight")
)

// TransportFailure is shown when the request or the stream breaks before the
// server reports an error of its own.
const TransportFailure = "Connection to the assistant was lost. Please try again."

// DefaultHistoryWindow is the number of prior messages sent as context.
const DefaultHistoryWindow = 10

// Status is the terminal state of a turn.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome describes how a turn ended.
type Outcome struct {
	Status        Status
	MessageID     string
	SessionID     string
	FailureReason string
	// Violation is the first protocol violation seen on the stream, if any.
	// The turn still completes.
	Violation error
}

// Streamer opens the reply stream for a chat turn.
type Streamer interface {
	StreamChat(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error)
}

// SelectionSource resolves the documents attached to the next turn.
type SelectionSource interface {
	Selection() documents.Selection
}

// Config holds engine settings.
type Config struct {
	HistoryWindow int
	Quality       string
}

// Engine runs at most one turn at a time against one conversation store.
type Engine struct {
	store         *conversation.Store
	selection     SelectionSource
	client        Streamer
	logger        *logger.Logger
	tracer        trace.Tracer
	historyWindow int

	inFlight atomic.Bool

	mu      sync.Mutex
	quality string
}

// NewEngine creates an engine.
func NewEngine(store *conversation.Store, selection SelectionSource, client Streamer, cfg Config, log *logger.Logger) *Engine {
	window := cfg.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &Engine{
		store:         store,
		selection:     selection,
		client:        client,
		logger:        log,
		tracer:        otel.Tracer("github.com/capitalize-ai/rag-workspace/internal/chat"),
		historyWindow: window,
		quality:       cfg.Quality,
	}
}

// Quality returns the quality tier sent with each turn.
func (e *Engine) Quality() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality
}

// SetQuality changes the quality tier for subsequent turns.
func (e *Engine) SetQuality(tier string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quality = tier
}

// InFlight reports whether a send is running.
func (e *Engine) InFlight() bool {
	return e.inFlight.Load()
}

// Send runs one chat turn. It returns an error only when the turn could not
// start: blank text or another send in flight. Once started, every failure
// is reported on the Outcome and in the store as a failed assistant message.
func (e *Engine) Send(ctx context.Context, text, moduleHint string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, ErrEmptyMessage
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return Outcome{}, ErrSendInFlight
	}
	defer e.inFlight.Store(false)

	ctx, span := e.tracer.Start(ctx, "chat.send", trace.WithAttributes(attribute.String("module", moduleHint)))
	defer span.End()

	start := time.Now()
	history := e.store.History(e.historyWindow)
	_, assistant, err := e.store.StartTurn(text)
	if err != nil {
		return Outcome{}, fmt.Errorf("start turn: %w", err)
	}

	sel := e.selection.Selection()
	req := api.ChatRequest{
		Message:         text,
		History:         history,
		Module:          moduleHint,
		SessionID:       e.store.SessionID(),
		Quality:         e.Quality(),
		Documents:       sel.Documents,
		SharedDocuments: sel.SharedDocuments,
	}

	log := e.logger.WithTurn(req.SessionID.String(), assistant.ID)
	log.Info("turn started",
		zap.Int("history", len(history)),
		zap.Int("documents", len(sel.Documents)),
		zap.Int("shared_documents", len(sel.SharedDocuments)),
	)

	out := e.run(ctx, assistant.ID, req, log)
	out.MessageID = assistant.ID
	out.SessionID = e.store.SessionID().String()

	// Every path leaves the message closed; a failed message is already.
	if err := e.store.FinishTurn(assistant.ID); err != nil {
		log.Error("finish turn", zap.Error(err))
	}

	elapsed := time.Since(start)
	metrics.RecordTurn(string(out.Status), elapsed.Seconds())
	span.SetAttributes(attribute.String("session_id", out.SessionID), attribute.String("outcome", string(out.Status)))
	if out.Status == StatusFailed {
		span.SetStatus(codes.Error, out.FailureReason)
	}
	log.Info("turn finished",
		zap.String("outcome", string(out.Status)),
		zap.String("session_id", out.SessionID),
		zap.Duration("duration", elapsed),
	)
	return out, nil
}

func (e *Engine) run(ctx context.Context, messageID string, req api.ChatRequest, log *logger.Logger) Outcome {
	body, err := e.client.StreamChat(ctx, req)
	if err != nil {
		reason := TransportFailure
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			reason = apiErr.Detail
		}
		log.Warn("chat request rejected", zap.Error(err))
		return e.fail(messageID, reason, log)
	}
	defer body.Close()

	var out Outcome
	dec := stream.NewDecoder(body)
	for dec.Next() {
		ev := stream.Interpret(dec.Frame())
		metrics.FramesTotal.WithLabelValues(ev.Kind()).Inc()

		switch ev := ev.(type) {
		case stream.SessionAssigned:
			err := e.store.ApplySessionAssigned(ev.ID, ev.Title)
			if errors.Is(err, conversation.ErrSessionConflict) {
				metrics.ProtocolViolationsTotal.Inc()
				log.Error("protocol violation", zap.Error(err))
				if out.Violation == nil {
					out.Violation = err
				}
			} else if err != nil {
				log.Debug("session frame dropped", zap.Error(err))
			}
		case stream.TextDelta:
			if err := e.store.ApplyTextDelta(messageID, ev.Text); err != nil {
				log.Debug("text frame dropped", zap.Error(err))
			}
		case stream.SourcesAttached:
			if err := e.store.ApplySourcesAttached(messageID, ev.Sources); err != nil {
				log.Debug("sources frame dropped", zap.Error(err))
			}
		case stream.Failed:
			failed := e.fail(messageID, ev.Message, log)
			failed.Violation = out.Violation
			return failed
		case stream.Ignored:
			if ev.Reason != stream.ReasonDone {
				log.Debug("frame ignored", zap.String("frame_kind", ev.Reason))
			}
		}
	}

	if err := dec.Err(); err != nil {
		log.Warn("stream interrupted", zap.Error(err))
		failed := e.fail(messageID, TransportFailure, log)
		failed.Violation = out.Violation
		return failed
	}

	out.Status = StatusCompleted
	return out
}

func (e *Engine) fail(messageID, reason string, log *logger.Logger) Outcome {
	if err := e.store.ApplyFailed(messageID, reason); err != nil {
		log.Error("apply failure", zap.Error(err))
	}
	return Outcome{Status: StatusFailed, FailureReason: reason}
}
