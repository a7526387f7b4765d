// Package session owns the per-viewer workspace state: one conversation
// store, one document registry, its ingestion poller and the chat engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/rag-workspace/internal/api"
	"github.com/capitalize-ai/rag-workspace/internal/chat"
	"github.com/capitalize-ai/rag-workspace/internal/conversation"
	"github.com/capitalize-ai/rag-workspace/internal/documents"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

// ErrUnknownDocument is returned when an operation names a document the
// registry does not hold.
var ErrUnknownDocument = errors.New("unknown document")

// Client is the collaborator API used by a session.
type Client interface {
	StreamChat(ctx context.Context, req api.ChatRequest) (io.ReadCloser, error)

	ListSessions(ctx context.Context) ([]model.SessionSummary, error)
	GetConversation(ctx context.Context, id model.SessionID) (model.Conversation, error)

	ListDocuments(ctx context.Context) ([]model.Document, error)
	ListFolders(ctx context.Context) ([]model.Folder, error)
	ListSharedDocuments(ctx context.Context) ([]model.SharedDocument, error)
	ListSharedFolders(ctx context.Context) ([]model.SharedFolder, error)

	ToggleDocument(ctx context.Context, id int64) (bool, error)
	ToggleSharedVisibility(ctx context.Context, id int64) (bool, error)
	ToggleSharedRAG(ctx context.Context, id int64) (bool, error)
	ToggleSharedPreference(ctx context.Context, id int64) (bool, error)

	ReprocessDocument(ctx context.Context, id int64) error
	ReprocessSharedDocument(ctx context.Context, id int64) error
	DeleteDocument(ctx context.Context, id int64) error

	UploadDocuments(ctx context.Context, files []api.UploadFile) ([]model.UploadAck, error)
	UploadSharedDocuments(ctx context.Context, folderID int64, files []api.UploadFile) ([]model.UploadAck, error)
}

// Options configures a session.
type Options struct {
	Quality       string
	HistoryWindow int
	PollInterval  time.Duration
}

// Session is the single owner of one viewer's workspace state.
type Session struct {
	client   Client
	store    *conversation.Store
	registry *documents.Registry
	poller   *documents.Poller
	engine   *chat.Engine
	logger   *logger.Logger

	refreshGroup singleflight.Group

	// ctx bounds background work such as polling; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// New creates a session. Call Start to load the document listings.
func New(client Client, opts Options, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client:   client,
		store:    conversation.NewStore(),
		registry: documents.NewRegistry(),
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.poller = documents.NewPoller(s.registry, s.RefreshDocuments, opts.PollInterval, log)
	s.engine = chat.NewEngine(s.store, s.registry, client, chat.Config{
		HistoryWindow: opts.HistoryWindow,
		Quality:       opts.Quality,
	}, log)
	return s
}

// Store returns the conversation store.
func (s *Session) Store() *conversation.Store { return s.store }

// Registry returns the document registry.
func (s *Session) Registry() *documents.Registry { return s.registry }

// Poller returns the ingestion poller.
func (s *Session) Poller() *documents.Poller { return s.poller }

// Engine returns the chat engine.
func (s *Session) Engine() *chat.Engine { return s.engine }

// Start loads the document listings and polls if anything is ingesting.
func (s *Session) Start(ctx context.Context) error {
	if err := s.RefreshDocuments(ctx); err != nil {
		return err
	}
	s.poller.Activate(s.ctx)
	return nil
}

// Close stops polling. The session must not be used afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.poller.Stop()
	})
}

// Send runs one chat turn.
func (s *Session) Send(ctx context.Context, text, moduleHint string) (chat.Outcome, error) {
	return s.engine.Send(ctx, text, moduleHint)
}

// RefreshDocuments replaces every registry collection with fresh listings.
// Concurrent calls share one round of requests. Nothing is applied if any
// listing fails or ctx ends first.
func (s *Session) RefreshDocuments(ctx context.Context) error {
	_, err, shared := s.refreshGroup.Do("documents", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	if shared {
		s.logger.Debug("document refresh coalesced")
	}
	return err
}

func (s *Session) refresh(ctx context.Context) error {
	var (
		docs          []model.Document
		folders       []model.Folder
		shared        []model.SharedDocument
		sharedFolders []model.SharedFolder
	)
	gen := s.registry.Generation()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		docs, err = s.client.ListDocuments(gctx)
		return err
	})
	g.Go(func() (err error) {
		folders, err = s.client.ListFolders(gctx)
		return err
	})
	g.Go(func() (err error) {
		shared, err = s.client.ListSharedDocuments(gctx)
		return err
	})
	g.Go(func() (err error) {
		sharedFolders, err = s.client.ListSharedFolders(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh documents: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.registry.ReplaceDocuments(docs)
	s.registry.ReplaceFolders(folders)
	s.registry.ReplaceShared(shared)
	s.registry.ReplaceSharedFolders(sharedFolders)
	s.registry.ExpireUnconfirmed(gen)
	return nil
}

// Upload sends personal documents. Acknowledged files appear as processing
// at once and the poller starts if idle.
func (s *Session) Upload(ctx context.Context, files []api.UploadFile) ([]model.UploadAck, error) {
	acks, err := s.client.UploadDocuments(ctx, files)
	if err != nil {
		return nil, err
	}
	s.registry.AddPending(acks, nil)
	s.activate()
	return acks, nil
}

// UploadShared sends documents into a shared folder.
func (s *Session) UploadShared(ctx context.Context, folderID int64, files []api.UploadFile) ([]model.UploadAck, error) {
	acks, err := s.client.UploadSharedDocuments(ctx, folderID, files)
	if err != nil {
		return nil, err
	}
	s.registry.AddPendingShared(acks, folderID)
	s.activate()
	return acks, nil
}

// Reprocess restarts ingestion of a personal document.
func (s *Session) Reprocess(ctx context.Context, id int64) error {
	if _, ok := s.registry.Document(id); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDocument, id)
	}
	if err := s.client.ReprocessDocument(ctx, id); err != nil {
		return err
	}
	return s.refreshAndActivate(ctx)
}

// ReprocessShared restarts ingestion of a shared document.
func (s *Session) ReprocessShared(ctx context.Context, id int64) error {
	if _, ok := s.registry.SharedDocument(id); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDocument, id)
	}
	if err := s.client.ReprocessSharedDocument(ctx, id); err != nil {
		return err
	}
	return s.refreshAndActivate(ctx)
}

// DeleteDocument removes a personal document.
func (s *Session) DeleteDocument(ctx context.Context, id int64) error {
	if err := s.client.DeleteDocument(ctx, id); err != nil {
		return err
	}
	s.registry.RemoveDocument(id)
	return nil
}

func (s *Session) refreshAndActivate(ctx context.Context) error {
	if err := s.RefreshDocuments(ctx); err != nil {
		return err
	}
	s.activate()
	return nil
}

func (s *Session) activate() {
	if s.poller.Activate(s.ctx) {
		s.logger.Debug("poller activated", zap.Int("pending", s.registry.Pending()))
	}
}

// ToggleDocument flips a personal document's active flag. The registry
// shows the new value at once and takes the server's answer when it
// arrives; a failed call restores the previous value.
func (s *Session) ToggleDocument(ctx context.Context, id int64) (bool, error) {
	doc, ok := s.registry.Document(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownDocument, id)
	}
	s.registry.SetActive(id, !doc.IsActive)

	active, err := s.client.ToggleDocument(ctx, id)
	if err != nil {
		s.registry.SetActive(id, doc.IsActive)
		return doc.IsActive, err
	}
	s.registry.SetActive(id, active)
	return active, nil
}

// ToggleSharedVisibility flips a shared document's visibility.
func (s *Session) ToggleSharedVisibility(ctx context.Context, id int64) (bool, error) {
	return s.toggleShared(ctx, id, documents.FlagVisibility, s.client.ToggleSharedVisibility)
}

// ToggleSharedRAG flips a shared document's organization-wide flag.
func (s *Session) ToggleSharedRAG(ctx context.Context, id int64) (bool, error) {
	return s.toggleShared(ctx, id, documents.FlagOrganizationRAG, s.client.ToggleSharedRAG)
}

// ToggleSharedPreference flips the viewer's own preference for a shared
// document.
func (s *Session) ToggleSharedPreference(ctx context.Context, id int64) (bool, error) {
	return s.toggleShared(ctx, id, documents.FlagViewerPreference, s.client.ToggleSharedPreference)
}

func (s *Session) toggleShared(
	ctx context.Context,
	id int64,
	flag documents.SharedFlag,
	call func(context.Context, int64) (bool, error),
) (bool, error) {
	doc, ok := s.registry.SharedDocument(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownDocument, id)
	}
	current := sharedFlag(doc, flag)
	s.registry.SetSharedFlag(id, flag, !current)

	value, err := call(ctx, id)
	if err != nil {
		s.registry.SetSharedFlag(id, flag, current)
		return current, err
	}
	s.registry.SetSharedFlag(id, flag, value)
	return value, nil
}

func sharedFlag(doc model.SharedDocument, flag documents.SharedFlag) bool {
	switch flag {
	case documents.FlagVisibility:
		return doc.IsVisible
	case documents.FlagOrganizationRAG:
		return doc.IsRAGActive
	default:
		return doc.UserRAGActive
	}
}

// Sessions lists the viewer's stored conversations.
func (s *Session) Sessions(ctx context.Context) ([]model.SessionSummary, error) {
	return s.client.ListSessions(ctx)
}

// Open replaces the active conversation with a stored one. It fails while
// a send is in flight.
func (s *Session) Open(ctx context.Context, id model.SessionID) error {
	if s.engine.InFlight() {
		return chat.ErrSendInFlight
	}
	conv, err := s.client.GetConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", id, err)
	}
	if conv.ID.IsZero() {
		conv.ID = id
	}
	// A send may have started while the conversation was loading.
	if err := s.store.Load(conv); err != nil {
		return inFlight(err)
	}
	s.logger.Info("conversation opened", zap.String("session_id", id.String()), zap.Int("messages", len(conv.Messages)))
	return nil
}

// NewConversation clears the active conversation. It fails while a send is
// in flight.
func (s *Session) NewConversation() error {
	if s.engine.InFlight() {
		return chat.ErrSendInFlight
	}
	return inFlight(s.store.Clear())
}

func inFlight(err error) error {
	if errors.Is(err, conversation.ErrTurnOpen) {
		return chat.ErrSendInFlight
	}
	return err
}
