package model

import (
	"time"
)

// IngestionState is derived from a document's chunk counters and never stored.
type IngestionState string

const (
	IngestionProcessing IngestionState = "processing"
	IngestionNeedsRetry IngestionState = "needs-retry"
	IngestionReady      IngestionState = "ready"
)

// Terminal reports whether polling can stop for a document in this state.
// needs-retry is steady but only ready ends polling.
func (s IngestionState) Terminal() bool {
	return s == IngestionReady
}

// IngestionStateOf derives the ingestion state from chunk counters.
func IngestionStateOf(chunkCount, embeddedCount int) IngestionState {
	switch {
	case chunkCount == 0:
		return IngestionProcessing
	case embeddedCount == 0:
		return IngestionNeedsRetry
	default:
		return IngestionReady
	}
}

// Document is a personal document owned by the viewer.
type Document struct {
	ID            int64     `json:"id"`
	Filename      string    `json:"filename"`
	FolderID      *int64    `json:"folder_id"`
	FileSize      int64     `json:"file_size"`
	ChunkCount    int       `json:"chunk_count"`
	EmbeddedCount int       `json:"embedded_count"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// IngestionState derives the document's ingestion state.
func (d Document) IngestionState() IngestionState {
	return IngestionStateOf(d.ChunkCount, d.EmbeddedCount)
}

// Attached reports whether the document is used for retrieval on the next turn.
func (d Document) Attached() bool {
	return d.IsActive && d.IngestionState() == IngestionReady
}

// SharedDocument is a document shared across a department. UserRAGActive is
// the preference of the viewer the listing was produced for.
type SharedDocument struct {
	ID            int64     `json:"id"`
	Filename      string    `json:"filename"`
	FolderID      int64     `json:"folder_id"`
	Department    string    `json:"department,omitempty"`
	ChunkCount    int       `json:"chunk_count"`
	EmbeddedCount int       `json:"embedded_count"`
	FileSize      int64     `json:"file_size"`
	IsVisible     bool      `json:"is_visible"`
	IsRAGActive   bool      `json:"is_rag_active"`
	UserRAGActive bool      `json:"user_rag_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// IngestionState derives the shared document's ingestion state.
func (d SharedDocument) IngestionState() IngestionState {
	return IngestionStateOf(d.ChunkCount, d.EmbeddedCount)
}

// EffectiveAttached resolves whether the viewer's next turn retrieves from
// this document. The organization-wide IsRAGActive flag is advisory and does
// not gate attachment.
func (d SharedDocument) EffectiveAttached() bool {
	return d.IsVisible && d.IngestionState() == IngestionReady && d.UserRAGActive
}

// Folder groups personal documents.
type Folder struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SharedFolder groups shared documents for one department.
type SharedFolder struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Department string    `json:"department"`
	DocCount   int       `json:"doc_count"`
	TotalSize  int64     `json:"total_size"`
	CreatedAt  time.Time `json:"created_at"`
}

// UploadAck is the per-file acknowledgment returned by an upload.
type UploadAck struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}
