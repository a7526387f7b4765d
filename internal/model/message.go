package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SourceType tags where a retrieved excerpt came from.
type SourceType string

const (
	SourcePersonal SourceType = "personal"
	SourceShared   SourceType = "shared"
)

// SourceCitation is one retrieved excerpt attached to an assistant message.
type SourceCitation struct {
	DocumentID int64      `json:"doc_id"`
	Filename   string     `json:"filename"`
	ChunkIndex int        `json:"chunk_index"`
	Excerpt    string     `json:"excerpt"`
	SourceType SourceType `json:"source_type"`
}

// Message represents a conversation message.
type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
	Sources   []SourceCitation `json:"sources,omitempty"`

	// Open is set while an assistant message is still receiving deltas.
	Open bool `json:"-"`
	// Failed marks an assistant message whose turn ended in failure.
	Failed bool `json:"failed,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Sources != nil {
		m.Sources = append([]SourceCitation(nil), m.Sources...)
	}
	return m
}

// HistoryEntry is one prior turn sent as context with a chat request.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of one chat turn. Documents and SharedDocuments
// list the ids the viewer has attached for retrieval.
type ChatRequest struct {
	Message         string         `json:"message"`
	History         []HistoryEntry `json:"history"`
	Module          string         `json:"module"`
	SessionID       SessionID      `json:"session_id"`
	Quality         string         `json:"quality"`
	Documents       []int64        `json:"documents"`
	SharedDocuments []int64        `json:"shared_documents"`
}
