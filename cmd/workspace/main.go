// Package main is the interactive workspace client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/api"
	"github.com/capitalize-ai/rag-workspace/internal/config"
	"github.com/capitalize-ai/rag-workspace/internal/session"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
	"github.com/capitalize-ai/rag-workspace/pkg/tracing"
)

// app carries what every command needs once the root pre-run has loaded
// the configuration.
type app struct {
	configPath string
	cfg        *config.ClientConfig
	log        *logger.Logger
	shutdown   func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "workspace",
		Short:         "Chat with your documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.shutdown != nil {
				a.shutdown()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultClientPath(), "client config file")

	root.AddCommand(
		newChatCmd(a),
		newAskCmd(a),
		newDocsCmd(a),
		newUploadCmd(a),
		newReprocessCmd(a),
		newToggleCmd(a),
		newTierCmd(a),
		newSessionsCmd(a),
	)
	return root
}

func (a *app) load(ctx context.Context) error {
	cfg, err := config.LoadClient(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := logger.NewWithOptions(logger.Options{
		Level:    cfg.Log.Level,
		Encoding: "console",
		File:     cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.log = log
	logger.SetGlobal(log)

	a.shutdown = func() { _ = log.Sync() }
	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, "rag-workspace", cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
			return nil
		}
		a.shutdown = func() {
			_ = tracing.Shutdown(context.Background(), tp)
			_ = log.Sync()
		}
	}
	return nil
}

// session opens a started workspace session. The caller closes it.
func (a *app) session(ctx context.Context) (*session.Session, error) {
	if a.cfg.API.Token == "" {
		return nil, fmt.Errorf("no API token: set WORKSPACE_TOKEN or api.token in %s", a.configPath)
	}
	client := api.NewClient(api.Config{
		BaseURL: a.cfg.API.BaseURL,
		Token:   a.cfg.API.Token,
		Timeout: a.cfg.API.Timeout.Duration,
	})
	s := session.New(client, session.Options{
		Quality:       a.cfg.Chat.Quality,
		HistoryWindow: a.cfg.Chat.HistoryWindow,
		PollInterval:  a.cfg.Chat.PollInterval.Duration,
	}, a.log)
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("load documents: %w", err)
	}
	return s, nil
}
