package documents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/rag-workspace/internal/model"
)

func TestRegistryPendingAndSelection(t *testing.T) {
	r := NewRegistry()
	r.ReplaceDocuments([]model.Document{
		{ID: 1, Filename: "ready.pdf", ChunkCount: 3, EmbeddedCount: 3, IsActive: true},
		{ID: 2, Filename: "paused.pdf", ChunkCount: 3, EmbeddedCount: 3, IsActive: false},
		{ID: 3, Filename: "retry.pdf", ChunkCount: 3, EmbeddedCount: 0, IsActive: true},
		{ID: 4, Filename: "new.pdf", IsActive: true},
	})
	r.ReplaceShared([]model.SharedDocument{
		{ID: 10, ChunkCount: 2, EmbeddedCount: 2, IsVisible: true, IsRAGActive: false, UserRAGActive: true},
		{ID: 11, ChunkCount: 2, EmbeddedCount: 2, IsVisible: false, IsRAGActive: true, UserRAGActive: true},
		{ID: 12, ChunkCount: 2, EmbeddedCount: 2, IsVisible: true, IsRAGActive: true, UserRAGActive: false},
	})

	assert.Equal(t, 2, r.Pending())

	sel := r.Selection()
	assert.Equal(t, []int64{1}, sel.Documents)
	assert.Equal(t, []int64{10}, sel.SharedDocuments)

	assert.True(t, r.EffectiveAttached(10))
	assert.False(t, r.EffectiveAttached(11))
	assert.False(t, r.EffectiveAttached(12))
	assert.False(t, r.EffectiveAttached(99))

	doc, ok := r.Document(3)
	require.True(t, ok)
	assert.Equal(t, model.IngestionNeedsRetry, doc.IngestionState())
}

func TestRegistryEmptySelection(t *testing.T) {
	sel := NewRegistry().Selection()
	assert.NotNil(t, sel.Documents)
	assert.NotNil(t, sel.SharedDocuments)
	assert.Empty(t, sel.Documents)
}

func TestRegistryOptimisticTogglesReconcile(t *testing.T) {
	r := NewRegistry()
	r.ReplaceDocuments([]model.Document{{ID: 1, ChunkCount: 1, EmbeddedCount: 1, IsActive: true}})
	r.ReplaceShared([]model.SharedDocument{{ID: 5, ChunkCount: 1, EmbeddedCount: 1, IsVisible: true, UserRAGActive: true}})

	require.True(t, r.SetActive(1, false))
	assert.Empty(t, r.Selection().Documents)
	assert.False(t, r.SetActive(2, false))

	require.True(t, r.SetSharedFlag(5, FlagViewerPreference, false))
	assert.False(t, r.EffectiveAttached(5))
	require.True(t, r.SetSharedFlag(5, FlagOrganizationRAG, true))
	require.True(t, r.SetSharedFlag(5, FlagVisibility, false))
	assert.False(t, r.SetSharedFlag(6, FlagVisibility, false))

	// The next refresh is authoritative.
	r.ReplaceDocuments([]model.Document{{ID: 1, ChunkCount: 1, EmbeddedCount: 1, IsActive: true}})
	r.ReplaceShared([]model.SharedDocument{{ID: 5, ChunkCount: 1, EmbeddedCount: 1, IsVisible: true, UserRAGActive: true}})
	assert.Equal(t, []int64{1}, r.Selection().Documents)
	assert.True(t, r.EffectiveAttached(5))
}

func TestRegistryAddPending(t *testing.T) {
	r := NewRegistry()
	r.ReplaceDocuments([]model.Document{{ID: 1, Filename: "old.md", ChunkCount: 1, EmbeddedCount: 1, IsActive: true}})

	r.AddPending([]model.UploadAck{{ID: 2, Filename: "new.md", Status: "processing"}, {ID: 1, Filename: "old.md"}}, nil)

	docs := r.Documents()
	require.Len(t, docs, 2)
	assert.Equal(t, int64(2), docs[0].ID)
	assert.Equal(t, model.IngestionProcessing, docs[0].IngestionState())
	assert.Equal(t, model.IngestionReady, docs[1].IngestionState(), "known ids keep their counters")
	assert.Equal(t, 1, r.Pending())

	r.AddPendingShared([]model.UploadAck{{ID: 7, Filename: "policy.pdf"}}, 3)
	shared, ok := r.SharedDocument(7)
	require.True(t, ok)
	assert.Equal(t, int64(3), shared.FolderID)
	assert.Equal(t, 2, r.Pending())

	r.RemoveDocument(2)
	assert.Len(t, r.Documents(), 1)
}

func TestRegistryKeepsUnconfirmedUploads(t *testing.T) {
	r := NewRegistry()
	before := r.Generation()
	r.AddPending([]model.UploadAck{{ID: 2, Filename: "new.md"}}, nil)
	r.AddPendingShared([]model.UploadAck{{ID: 7, Filename: "policy.pdf"}}, 3)

	// A listing fetched before the acknowledgment knows neither upload.
	r.ReplaceDocuments([]model.Document{{ID: 1, ChunkCount: 1, EmbeddedCount: 1}})
	r.ReplaceShared(nil)
	r.ExpireUnconfirmed(before)
	assert.Len(t, r.Documents(), 2)
	_, ok := r.SharedDocument(7)
	assert.True(t, ok)
	assert.Equal(t, 2, r.Pending())

	// Once listed, the server's counters win and the entry is confirmed.
	after := r.Generation()
	r.ReplaceDocuments([]model.Document{{ID: 1, ChunkCount: 1, EmbeddedCount: 1}, {ID: 2, ChunkCount: 3, EmbeddedCount: 3}})
	r.ExpireUnconfirmed(after)
	doc, ok := r.Document(2)
	require.True(t, ok)
	assert.Equal(t, model.IngestionReady, doc.IngestionState())
	r.ReplaceDocuments([]model.Document{{ID: 1, ChunkCount: 1, EmbeddedCount: 1}})
	assert.Len(t, r.Documents(), 1, "confirmed uploads follow the listing")

	// A listing fetched after the acknowledgment that still lacks the
	// upload means the server dropped it.
	r.ReplaceShared(nil)
	r.ExpireUnconfirmed(after)
	_, ok = r.SharedDocument(7)
	assert.False(t, ok)
	assert.Zero(t, r.Pending())
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry()
	in := []model.Document{{ID: 1, Filename: "a"}}
	r.ReplaceDocuments(in)
	in[0].Filename = "changed"

	out := r.Documents()
	assert.Equal(t, "a", out[0].Filename)
	out[0].Filename = "changed"
	doc, _ := r.Document(1)
	assert.Equal(t, "a", doc.Filename)
}
