package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/rag-workspace/internal/model"
)

func TestInterpret(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
		want  Event
	}{
		{
			name:  "session with numeric id",
			frame: `{"type":"session","session_id":7,"title":"Q3 budget"}`,
			want:  SessionAssigned{ID: "7", Title: "Q3 budget"},
		},
		{
			name:  "session without id",
			frame: `{"type":"session","title":"x"}`,
			want:  Ignored{Reason: ReasonIncomplete},
		},
		{
			name:  "text",
			frame: `{"type":"text","text":"Hel"}`,
			want:  TextDelta{Text: "Hel"},
		},
		{
			name:  "sources default to personal",
			frame: `{"type":"sources","sources":[{"doc_id":3,"filename":"a.pdf","chunk_index":2,"excerpt":"x"},{"doc_id":4,"filename":"b.md","chunk_index":0,"excerpt":"y","source_type":"shared"}]}`,
			want: SourcesAttached{Sources: []model.SourceCitation{
				{DocumentID: 3, Filename: "a.pdf", ChunkIndex: 2, Excerpt: "x", SourceType: model.SourcePersonal},
				{DocumentID: 4, Filename: "b.md", ChunkIndex: 0, Excerpt: "y", SourceType: model.SourceShared},
			}},
		},
		{
			name:  "empty sources",
			frame: `{"type":"sources"}`,
			want:  SourcesAttached{Sources: []model.SourceCitation{}},
		},
		{
			name:  "error",
			frame: `{"type":"error","message":"model overloaded"}`,
			want:  Failed{Message: "model overloaded"},
		},
		{
			name:  "error without message",
			frame: `{"type":"error"}`,
			want:  Failed{Message: GenericFailure},
		},
		{
			name:  "done sentinel",
			frame: "[DONE]",
			want:  Ignored{Reason: ReasonDone},
		},
		{
			name:  "truncated json",
			frame: `{"type":"text","te`,
			want:  Ignored{Reason: ReasonMalformed},
		},
		{
			name:  "not an object",
			frame: `"hello"`,
			want:  Ignored{Reason: ReasonMalformed},
		},
		{
			name:  "unknown type",
			frame: `{"type":"heartbeat"}`,
			want:  Ignored{Reason: ReasonUnknown},
		},
		{
			name:  "bad session id shape",
			frame: `{"type":"session","session_id":{"n":1}}`,
			want:  Ignored{Reason: ReasonMalformed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpret(tt.frame))
		})
	}
}

func TestInterpretNeverPanics(t *testing.T) {
	t.Parallel()

	for _, frame := range []string{"", "{", "null", "[]", "{}", `{"type":5}`, "\x00\xff"} {
		assert.NotPanics(t, func() { Interpret(frame) }, "frame %q", frame)
	}
}
