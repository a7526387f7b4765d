package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/middleware"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/internal/service"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
	"github.com/capitalize-ai/rag-workspace/pkg/metrics"
)

const maxChatBody = 1 << 20

// ChatHandler serves the streaming chat endpoint.
type ChatHandler struct {
	chat       *service.ChatService
	adminScope string
	logger     *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat *service.ChatService, adminScope string, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		chat:       chat,
		adminScope: adminScope,
		logger:     log,
	}
}

// Chat handles POST /api/chat. The reply streams as "data: {json}" frames
// and ends with "data: [DONE]".
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)

	var req model.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	turn, err := h.chat.Prepare(ctx, viewer(r, h.adminScope), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	err = turn.Stream(ctx, func(f model.StreamFrame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return sendData(w, flusher, data)
	})
	if err != nil {
		log.Info("chat stream ended early", zap.String("session_id", turn.SessionID().String()), zap.Error(err))
		return
	}
	_ = sendData(w, flusher, []byte(model.DoneSentinel))
}

func sendData(w io.Writer, flusher http.Flusher, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
