// Package main is the entry point for the workspace API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/config"
	"github.com/capitalize-ai/rag-workspace/internal/handler"
	"github.com/capitalize-ai/rag-workspace/internal/llm"
	"github.com/capitalize-ai/rag-workspace/internal/middleware"
	natsclient "github.com/capitalize-ai/rag-workspace/internal/nats"
	"github.com/capitalize-ai/rag-workspace/internal/service"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
	"github.com/capitalize-ai/rag-workspace/pkg/tracing"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "workspace-api",
		Short:         "Document-grounded chat API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), config.Load())
		},
	}
	root.AddCommand(newServeCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), config.Load())
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		user       string
		department string
		admin      bool
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			var scopes []string
			if admin {
				scopes = append(scopes, cfg.AdminScope)
			}
			if ttl <= 0 {
				ttl = cfg.JWTExpiration
			}
			tok, err := middleware.IssueToken(cfg.JWTSecret, user, department, scopes, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "token subject")
	cmd.Flags().StringVar(&department, "department", "", "department claim")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin scope")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_EXPIRATION)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	log.Info("starting API server")

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "rag-workspace-api", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	var (
		natsClient *natsclient.Client
		archive    service.Archive
		lastID     int64
	)
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,

			ConnectTimeout: 10 * time.Second,
		}, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()

		turns := natsclient.NewTurnArchive(natsClient)
		if err := turns.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		if lastID, err = turns.LastSessionID(ctx); err != nil {
			log.Warn("failed to read last session id", zap.Error(err))
		}
		archive = turns
	}

	llmClient := newLLMClient(cfg, log)
	embedder := newEmbedder(cfg, log)

	docs := service.NewDocumentService(embedder, service.DocumentConfig{
		IngestionDelay:     cfg.IngestionDelay,
		SharedStorageLimit: cfg.SharedStorageLimit,
	}, log)
	defer docs.Close()

	sessions := service.NewSessionService(archive, log)
	sessions.Seed(lastID)

	chat := service.NewChatService(docs, sessions, llmClient, service.ChatConfig{}, log)

	services := handler.Services{
		Chat:      chat,
		Sessions:  sessions,
		Documents: docs,
	}
	if natsClient != nil {
		services.Archive = natsClient
	}
	router := handler.NewRouter(cfg, services, log)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort), zap.String("llm", llmClient.Name()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// newLLMClient picks the configured provider when its key is present,
// then any provider with a key, then the offline client.
func newLLMClient(cfg *config.Config, log *logger.Logger) llm.Client {
	keys := map[llm.Provider]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
	}
	order := []llm.Provider{llm.Provider(cfg.DefaultLLM), llm.ProviderAnthropic, llm.ProviderOpenAI}
	for _, p := range order {
		key := keys[p]
		if key == "" {
			continue
		}
		client, err := llm.NewClient(p, key)
		if err != nil {
			log.Warn("failed to create LLM client", zap.String("provider", string(p)), zap.Error(err))
			continue
		}
		return client
	}
	log.Warn("no LLM API key configured, using the local client")
	return llm.NewLocalClient()
}

func newEmbedder(cfg *config.Config, log *logger.Logger) llm.Embedder {
	if cfg.OpenAIAPIKey == "" {
		log.Info("no OpenAI API key configured, using hashed embeddings")
		return llm.NewHashEmbedder()
	}
	client, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey)
	if err != nil {
		log.Warn("failed to create embedding client", zap.Error(err))
		return llm.NewHashEmbedder()
	}
	return client.WithEmbeddingModel(cfg.EmbeddingModel)
}
