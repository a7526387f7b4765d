// Package documents tracks the ingestion and attachment state of the
// viewer's personal and shared documents.
package documents

import (
	"sync"

	"github.com/capitalize-ai/rag-workspace/internal/model"
)

// Selection is the set of documents the next chat turn retrieves from.
type Selection struct {
	Documents       []int64 `json:"documents"`
	SharedDocuments []int64 `json:"shared_documents"`
}

// Registry is a queryable snapshot of one viewer's documents. Collections
// change only by wholesale replacement from a refresh, apart from the
// optimistic single-field toggles, which the next refresh overwrites, and
// acknowledged uploads, which survive every listing until one contains them.
type Registry struct {
	mu            sync.Mutex
	documents     []model.Document
	shared        []model.SharedDocument
	folders       []model.Folder
	sharedFolders []model.SharedFolder

	// gen counts acknowledged uploads. unconfirmed maps an upload id to the
	// generation it was acknowledged in until a listing reports it.
	gen               uint64
	unconfirmed       map[int64]uint64
	unconfirmedShared map[int64]uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		unconfirmed:       make(map[int64]uint64),
		unconfirmedShared: make(map[int64]uint64),
	}
}

// Generation returns the current upload generation. A refresh reads it
// before fetching and hands it to ExpireUnconfirmed once applied.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// ReplaceDocuments installs a full personal-document listing. Uploads the
// listing does not mention yet keep their processing entry.
func (r *Registry) ReplaceDocuments(docs []model.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := append([]model.Document(nil), docs...)
	var kept []model.Document
	for _, d := range r.documents {
		if _, ok := r.unconfirmed[d.ID]; !ok {
			continue
		}
		if indexOf(next, d.ID) >= 0 {
			delete(r.unconfirmed, d.ID)
			continue
		}
		kept = append(kept, d)
	}
	r.documents = append(kept, next...)
}

// ReplaceShared installs a full shared-document listing. Unconfirmed shared
// uploads are kept as in ReplaceDocuments.
func (r *Registry) ReplaceShared(docs []model.SharedDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := append([]model.SharedDocument(nil), docs...)
	var kept []model.SharedDocument
	for _, d := range r.shared {
		if _, ok := r.unconfirmedShared[d.ID]; !ok {
			continue
		}
		if sharedIndexOf(next, d.ID) >= 0 {
			delete(r.unconfirmedShared, d.ID)
			continue
		}
		kept = append(kept, d)
	}
	r.shared = append(kept, next...)
}

// ExpireUnconfirmed drops uploads acknowledged at or before gen that are
// still unconfirmed. Call it after applying listings fetched once gen was
// read: the server has forgotten such documents.
func (r *Registry) ExpireUnconfirmed(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, g := range r.unconfirmed {
		if g > gen {
			continue
		}
		delete(r.unconfirmed, id)
		if i := indexOf(r.documents, id); i >= 0 {
			r.documents = append(r.documents[:i:i], r.documents[i+1:]...)
		}
	}
	for id, g := range r.unconfirmedShared {
		if g > gen {
			continue
		}
		delete(r.unconfirmedShared, id)
		if i := sharedIndexOf(r.shared, id); i >= 0 {
			r.shared = append(r.shared[:i:i], r.shared[i+1:]...)
		}
	}
}

// ReplaceFolders installs a full personal-folder listing.
func (r *Registry) ReplaceFolders(folders []model.Folder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folders = append([]model.Folder(nil), folders...)
}

// ReplaceSharedFolders installs a full shared-folder listing.
func (r *Registry) ReplaceSharedFolders(folders []model.SharedFolder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sharedFolders = append([]model.SharedFolder(nil), folders...)
}

// AddPending records acknowledged uploads as processing documents until a
// listing reports their real counters. Known ids are left alone.
func (r *Registry) AddPending(acks []model.UploadAck, folderID *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	for _, ack := range acks {
		if indexOf(r.documents, ack.ID) >= 0 {
			continue
		}
		r.documents = append([]model.Document{{
			ID:       ack.ID,
			Filename: ack.Filename,
			FolderID: folderID,
			IsActive: true,
		}}, r.documents...)
		r.unconfirmed[ack.ID] = r.gen
	}
}

// AddPendingShared records acknowledged shared uploads as processing.
func (r *Registry) AddPendingShared(acks []model.UploadAck, folderID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	for _, ack := range acks {
		if sharedIndexOf(r.shared, ack.ID) >= 0 {
			continue
		}
		r.shared = append([]model.SharedDocument{{
			ID:            ack.ID,
			Filename:      ack.Filename,
			FolderID:      folderID,
			IsVisible:     true,
			IsRAGActive:   true,
			UserRAGActive: true,
		}}, r.shared...)
		r.unconfirmedShared[ack.ID] = r.gen
	}
}

// SetActive optimistically sets a personal document's active flag.
func (r *Registry) SetActive(id int64, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := indexOf(r.documents, id)
	if i < 0 {
		return false
	}
	r.documents[i].IsActive = active
	return true
}

// SharedFlag names one of the toggleable shared-document flags.
type SharedFlag int

const (
	FlagVisibility SharedFlag = iota
	FlagOrganizationRAG
	FlagViewerPreference
)

// SetSharedFlag optimistically sets one flag of a shared document.
func (r *Registry) SetSharedFlag(id int64, flag SharedFlag, value bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sharedIndexOf(r.shared, id)
	if i < 0 {
		return false
	}
	switch flag {
	case FlagVisibility:
		r.shared[i].IsVisible = value
	case FlagOrganizationRAG:
		r.shared[i].IsRAGActive = value
	case FlagViewerPreference:
		r.shared[i].UserRAGActive = value
	default:
		return false
	}
	return true
}

// RemoveDocument drops a personal document after an explicit delete.
func (r *Registry) RemoveDocument(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unconfirmed, id)
	if i := indexOf(r.documents, id); i >= 0 {
		r.documents = append(r.documents[:i:i], r.documents[i+1:]...)
	}
}

// Documents returns a copy of the personal documents.
func (r *Registry) Documents() []model.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Document(nil), r.documents...)
}

// SharedDocuments returns a copy of the shared documents.
func (r *Registry) SharedDocuments() []model.SharedDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SharedDocument(nil), r.shared...)
}

// Folders returns a copy of the personal folders.
func (r *Registry) Folders() []model.Folder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Folder(nil), r.folders...)
}

// SharedFolders returns a copy of the shared folders.
func (r *Registry) SharedFolders() []model.SharedFolder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SharedFolder(nil), r.sharedFolders...)
}

// Document looks up a personal document.
func (r *Registry) Document(id int64) (model.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := indexOf(r.documents, id); i >= 0 {
		return r.documents[i], true
	}
	return model.Document{}, false
}

// SharedDocument looks up a shared document.
func (r *Registry) SharedDocument(id int64) (model.SharedDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := sharedIndexOf(r.shared, id); i >= 0 {
		return r.shared[i], true
	}
	return model.SharedDocument{}, false
}

// EffectiveAttached reports whether the viewer's next turn uses the shared
// document. Unknown documents are never attached.
func (r *Registry) EffectiveAttached(sharedID int64) bool {
	doc, ok := r.SharedDocument(sharedID)
	return ok && doc.EffectiveAttached()
}

// Pending counts documents whose ingestion state is not ready.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, d := range r.documents {
		if !d.IngestionState().Terminal() {
			n++
		}
	}
	for _, d := range r.shared {
		if !d.IngestionState().Terminal() {
			n++
		}
	}
	return n
}

// Selection resolves the documents attached to the next chat turn.
func (r *Registry) Selection() Selection {
	r.mu.Lock()
	defer r.mu.Unlock()

	sel := Selection{Documents: []int64{}, SharedDocuments: []int64{}}
	for _, d := range r.documents {
		if d.Attached() {
			sel.Documents = append(sel.Documents, d.ID)
		}
	}
	for _, d := range r.shared {
		if d.EffectiveAttached() {
			sel.SharedDocuments = append(sel.SharedDocuments, d.ID)
		}
	}
	return sel
}

func indexOf(docs []model.Document, id int64) int {
	for i := range docs {
		if docs[i].ID == id {
			return i
		}
	}
	return -1
}

func sharedIndexOf(docs []model.SharedDocument, id int64) int {
	for i := range docs {
		if docs[i].ID == id {
			return i
		}
	}
	return -1
}
