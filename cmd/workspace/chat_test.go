package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/rag-workspace/internal/api"
	"github.com/capitalize-ai/rag-workspace/internal/chat"
	"github.com/capitalize-ai/rag-workspace/internal/conversation"
	"github.com/capitalize-ai/rag-workspace/internal/session"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

func TestSendPrintsFailureAfterPartialReply(t *testing.T) {
	tests := []struct {
		name    string
		partial string
	}{
		{name: "short partial", partial: "Revenue"},
		{name: "long partial", partial: strings.Repeat("Revenue grew in every region. ", 5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, `data: {"type":"text","text":"`+tt.partial+`"}`+"\n\n")
				w.(http.Flusher).Flush()
				panic(http.ErrAbortHandler)
			}))
			t.Cleanup(srv.Close)

			s := session.New(api.NewClient(api.Config{BaseURL: srv.URL, Token: "tok"}), session.Options{}, logger.NewNop())
			t.Cleanup(s.Close)

			var out bytes.Buffer
			require.NoError(t, send(context.Background(), s, "how did Q3 go?", "", &out))

			want := tt.partial + "\n" + conversation.FailurePrefix + chat.TransportFailure
			assert.True(t, strings.HasPrefix(out.String(), want), "got %q", out.String())
		})
	}
}
