package service

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/llm"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
	"github.com/capitalize-ai/rag-workspace/pkg/metrics"
)

// Upload is one file received by an upload endpoint.
type Upload struct {
	Name string
	Data []byte
}

// StorageUsage reports shared storage consumption.
type StorageUsage struct {
	UsedBytes  int64 `json:"used_bytes"`
	LimitBytes int64 `json:"limit_bytes"`
	Documents  int   `json:"documents"`
}

// Match is one retrieved chunk with its citation.
type Match struct {
	model.SourceCitation
	Text  string
	Score float64
}

// DocumentConfig configures a DocumentService.
type DocumentConfig struct {
	// IngestionDelay is waited before a document is chunked.
	IngestionDelay time.Duration
	// SharedStorageLimit caps the total size of shared documents.
	SharedStorageLimit int64
}

type chunk struct {
	text      string
	embedding []float32
}

// corpus is the indexable part of a document. generation increases whenever
// the content is re-ingested or removed so stale ingestions drop their work.
type corpus struct {
	content    string
	chunks     []chunk
	generation int
}

type personalDoc struct {
	model.Document
	owner string
	corpus
}

type sharedDoc struct {
	model.SharedDocument
	corpus
}

type prefKey struct {
	user string
	doc  int64
}

// DocumentService stores personal and shared documents in memory, ingests
// them in the background and answers retrieval queries.
type DocumentService struct {
	embedder llm.Embedder
	cfg      DocumentConfig
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	nextID        int64
	docs          map[int64]*personalDoc
	folders       map[string][]model.Folder
	sharedFolders map[int64]*model.SharedFolder
	shared        map[int64]*sharedDoc
	prefs         map[prefKey]bool
	storageUsed   int64
}

// NewDocumentService creates a document service.
func NewDocumentService(embedder llm.Embedder, cfg DocumentConfig, log *logger.Logger) *DocumentService {
	ctx, cancel := context.WithCancel(context.Background())
	return &DocumentService{
		embedder:      embedder,
		cfg:           cfg,
		logger:        log,
		ctx:           ctx,
		cancel:        cancel,
		docs:          make(map[int64]*personalDoc),
		folders:       make(map[string][]model.Folder),
		sharedFolders: make(map[int64]*model.SharedFolder),
		shared:        make(map[int64]*sharedDoc),
		prefs:         make(map[prefKey]bool),
	}
}

// Close stops background ingestion and waits for it to exit.
func (s *DocumentService) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *DocumentService) id() int64 {
	s.nextID++
	return s.nextID
}

// ListDocuments returns the viewer's personal documents by id.
func (s *DocumentService) ListDocuments(viewer Viewer) []model.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Document{}
	for _, d := range s.docs {
		if d.owner == viewer.ID {
			out = append(out, d.Document)
		}
	}
	slices.SortFunc(out, func(a, b model.Document) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// ListFolders returns the viewer's personal folders.
func (s *DocumentService) ListFolders(viewer Viewer) []model.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Folder{}, s.folders[viewer.ID]...)
}

// CreateFolder adds a personal folder.
func (s *DocumentService) CreateFolder(viewer Viewer, name string) model.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := model.Folder{ID: s.id(), Name: name, CreatedAt: time.Now().UTC()}
	s.folders[viewer.ID] = append(s.folders[viewer.ID], f)
	return f
}

func (s *DocumentService) ownsFolder(owner string, id int64) bool {
	for _, f := range s.folders[owner] {
		if f.ID == id {
			return true
		}
	}
	return false
}

// Upload stores personal documents and starts their ingestion. Each file is
// acknowledged as processing.
func (s *DocumentService) Upload(viewer Viewer, folderID *int64, files []Upload) ([]model.UploadAck, error) {
	texts := extractAll(files)

	s.mu.Lock()
	defer s.mu.Unlock()

	if folderID != nil && !s.ownsFolder(viewer.ID, *folderID) {
		return nil, ErrInvalidFolder
	}

	acks := make([]model.UploadAck, 0, len(files))
	for i, f := range files {
		d := &personalDoc{
			Document: model.Document{
				ID:        s.id(),
				Filename:  f.Name,
				FolderID:  folderID,
				FileSize:  int64(len(f.Data)),
				IsActive:  true,
				CreatedAt: time.Now().UTC(),
			},
			owner:  viewer.ID,
			corpus: corpus{content: texts[i]},
		}
		s.docs[d.ID] = d
		s.ingest("personal", d.ID, &d.corpus, d.generation, func(chunks, embedded int) {
			d.ChunkCount, d.EmbeddedCount = chunks, embedded
		})
		acks = append(acks, model.UploadAck{ID: d.ID, Filename: f.Name, Status: "processing"})
	}
	return acks, nil
}

func (s *DocumentService) personal(viewer Viewer, id int64) (*personalDoc, error) {
	d, ok := s.docs[id]
	if !ok || d.owner != viewer.ID {
		return nil, ErrNotFound
	}
	return d, nil
}

// ToggleDocument flips whether a personal document is used for retrieval and
// returns the new value.
func (s *DocumentService) ToggleDocument(viewer Viewer, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.personal(viewer, id)
	if err != nil {
		return false, err
	}
	d.IsActive = !d.IsActive
	return d.IsActive, nil
}

// ReprocessDocument discards a personal document's chunks and ingests it
// again.
func (s *DocumentService) ReprocessDocument(viewer Viewer, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.personal(viewer, id)
	if err != nil {
		return err
	}
	d.reset()
	d.ChunkCount, d.EmbeddedCount = 0, 0
	s.ingest("personal", d.ID, &d.corpus, d.generation, func(chunks, embedded int) {
		d.ChunkCount, d.EmbeddedCount = chunks, embedded
	})
	return nil
}

// DeleteDocument removes a personal document.
func (s *DocumentService) DeleteDocument(viewer Viewer, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.personal(viewer, id)
	if err != nil {
		return err
	}
	d.reset()
	delete(s.docs, id)
	return nil
}

func (c *corpus) reset() {
	c.chunks = nil
	c.generation++
}

func (s *DocumentService) visible(viewer Viewer, d *sharedDoc) bool {
	return viewer.Admin || (d.IsVisible && d.Department == viewer.Department)
}

func (s *DocumentService) pref(user string, id int64) bool {
	v, ok := s.prefs[prefKey{user, id}]
	return !ok || v
}

// ListSharedDocuments returns the shared documents the viewer may see, with
// the viewer's own retrieval preference filled in.
func (s *DocumentService) ListSharedDocuments(viewer Viewer) []model.SharedDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.SharedDocument{}
	for _, d := range s.shared {
		if !s.visible(viewer, d) {
			continue
		}
		doc := d.SharedDocument
		doc.UserRAGActive = s.pref(viewer.ID, d.ID)
		out = append(out, doc)
	}
	slices.SortFunc(out, func(a, b model.SharedDocument) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// ListSharedFolders returns shared folders with document counts. Non-admin
// viewers only see their department's folders.
func (s *DocumentService) ListSharedFolders(viewer Viewer) []model.SharedFolder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.SharedFolder{}
	for _, f := range s.sharedFolders {
		if !viewer.Admin && f.Department != viewer.Department {
			continue
		}
		folder := *f
		for _, d := range s.shared {
			if d.FolderID == f.ID && s.visible(viewer, d) {
				folder.DocCount++
				folder.TotalSize += d.FileSize
			}
		}
		out = append(out, folder)
	}
	slices.SortFunc(out, func(a, b model.SharedFolder) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// CreateSharedFolder adds a shared folder for a department.
func (s *DocumentService) CreateSharedFolder(name, department string) model.SharedFolder {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &model.SharedFolder{ID: s.id(), Name: name, Department: department, CreatedAt: time.Now().UTC()}
	s.sharedFolders[f.ID] = f
	return *f
}

// UploadShared stores shared documents in a folder and starts their
// ingestion. The batch is rejected when it would exceed the storage cap.
func (s *DocumentService) UploadShared(folderID int64, files []Upload) ([]model.UploadAck, error) {
	texts := extractAll(files)

	s.mu.Lock()
	defer s.mu.Unlock()

	folder, ok := s.sharedFolders[folderID]
	if !ok {
		return nil, ErrInvalidFolder
	}

	var size int64
	for _, f := range files {
		size += int64(len(f.Data))
	}
	if s.cfg.SharedStorageLimit > 0 && s.storageUsed+size > s.cfg.SharedStorageLimit {
		return nil, fmt.Errorf("%w: %d of %d bytes used", ErrStorageLimit, s.storageUsed, s.cfg.SharedStorageLimit)
	}

	acks := make([]model.UploadAck, 0, len(files))
	for i, f := range files {
		d := &sharedDoc{
			SharedDocument: model.SharedDocument{
				ID:          s.id(),
				Filename:    f.Name,
				FolderID:    folder.ID,
				Department:  folder.Department,
				FileSize:    int64(len(f.Data)),
				IsVisible:   true,
				IsRAGActive: true,
				CreatedAt:   time.Now().UTC(),
			},
			corpus: corpus{content: texts[i]},
		}
		s.shared[d.ID] = d
		s.storageUsed += d.FileSize
		s.ingest("shared", d.ID, &d.corpus, d.generation, func(chunks, embedded int) {
			d.ChunkCount, d.EmbeddedCount = chunks, embedded
		})
		acks = append(acks, model.UploadAck{ID: d.ID, Filename: f.Name, Status: "processing"})
	}
	return acks, nil
}

// extractAll parses uploads outside the service lock.
func extractAll(files []Upload) []string {
	texts := make([]string, len(files))
	for i, f := range files {
		texts[i] = extractText(f.Name, f.Data)
	}
	return texts
}

// ToggleSharedVisibility flips a shared document's visibility.
func (s *DocumentService) ToggleSharedVisibility(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.shared[id]
	if !ok {
		return false, ErrNotFound
	}
	d.IsVisible = !d.IsVisible
	return d.IsVisible, nil
}

// ToggleSharedRAG flips the organization-wide retrieval default.
func (s *DocumentService) ToggleSharedRAG(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.shared[id]
	if !ok {
		return false, ErrNotFound
	}
	d.IsRAGActive = !d.IsRAGActive
	return d.IsRAGActive, nil
}

// ToggleSharedPreference flips the viewer's own retrieval preference for a
// shared document. A missing preference counts as enabled.
func (s *DocumentService) ToggleSharedPreference(viewer Viewer, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.shared[id]
	if !ok || !s.visible(viewer, d) {
		return false, ErrNotFound
	}
	v := !s.pref(viewer.ID, id)
	s.prefs[prefKey{viewer.ID, id}] = v
	return v, nil
}

// ReprocessShared discards a shared document's chunks and ingests it again.
func (s *DocumentService) ReprocessShared(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.shared[id]
	if !ok {
		return ErrNotFound
	}
	d.reset()
	d.ChunkCount, d.EmbeddedCount = 0, 0
	s.ingest("shared", d.ID, &d.corpus, d.generation, func(chunks, embedded int) {
		d.ChunkCount, d.EmbeddedCount = chunks, embedded
	})
	return nil
}

// Storage reports shared storage usage.
func (s *DocumentService) Storage() StorageUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StorageUsage{UsedBytes: s.storageUsed, LimitBytes: s.cfg.SharedStorageLimit, Documents: len(s.shared)}
}

// ingest chunks and embeds c in the background. setCounts runs under the
// write lock. Must be called with s.mu held.
func (s *DocumentService) ingest(scope string, id int64, c *corpus, gen int, setCounts func(chunks, embedded int)) {
	if s.ctx.Err() != nil {
		return
	}
	text := c.content
	delay := s.cfg.IngestionDelay
	log := s.logger.With(zap.String("scope", scope), zap.Int64("document_id", id))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx

		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		pieces := Chunk(text, ChunkWords, ChunkOverlap)
		if len(pieces) == 0 {
			// An empty document still needs a terminal state.
			pieces = []string{""}
		}

		s.mu.Lock()
		if c.generation != gen {
			s.mu.Unlock()
			return
		}
		c.chunks = make([]chunk, len(pieces))
		for i, p := range pieces {
			c.chunks[i].text = p
		}
		setCounts(len(pieces), 0)
		s.mu.Unlock()

		embedded := 0
		for i, p := range pieces {
			if p == "" {
				continue
			}
			vecs, err := s.embedder.Embed(ctx, []string{p})
			if err != nil || len(vecs) != 1 {
				if ctx.Err() != nil {
					return
				}
				log.Warn("chunk embedding failed", zap.Int("chunk_index", i), zap.Error(err))
				continue
			}

			s.mu.Lock()
			if c.generation != gen {
				s.mu.Unlock()
				return
			}
			c.chunks[i].embedding = vecs[0]
			embedded++
			setCounts(len(pieces), embedded)
			s.mu.Unlock()
		}

		result := "ready"
		if embedded == 0 {
			result = "needs_retry"
		}
		metrics.IngestionsTotal.WithLabelValues(scope, result).Inc()
		log.Info("document ingested",
			zap.Int("chunks", len(pieces)),
			zap.Int("embedded", embedded),
		)
	}()
}

// Retrieve returns the k chunks most similar to query among the viewer's
// attached documents. personal and shared narrow the candidates to the ids
// the viewer selected; when both are nil every attached document qualifies.
func (s *DocumentService) Retrieve(ctx context.Context, viewer Viewer, query string, personal, shared []int64, k int) ([]Match, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	q := vecs[0]
	all := personal == nil && shared == nil

	s.mu.RLock()
	var matches []Match
	score := func(docID int64, filename string, st model.SourceType, chunks []chunk) {
		for i, c := range chunks {
			if c.embedding == nil {
				continue
			}
			matches = append(matches, Match{
				SourceCitation: model.SourceCitation{
					DocumentID: docID,
					Filename:   filename,
					ChunkIndex: i,
					Excerpt:    excerpt(c.text),
					SourceType: st,
				},
				Text:  c.text,
				Score: llm.Cosine(q, c.embedding),
			})
		}
	}
	for _, d := range s.docs {
		if d.owner == viewer.ID && d.IsActive && (all || slices.Contains(personal, d.ID)) {
			score(d.ID, d.Filename, model.SourcePersonal, d.chunks)
		}
	}
	for _, d := range s.shared {
		if d.IsVisible && s.visible(viewer, d) && s.pref(viewer.ID, d.ID) && (all || slices.Contains(shared, d.ID)) {
			score(d.ID, d.Filename, model.SourceShared, d.chunks)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.DocumentID, b.DocumentID); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
