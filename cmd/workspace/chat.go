package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/rag-workspace/internal/chat"
	"github.com/capitalize-ai/rag-workspace/internal/config"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/internal/session"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		module string
		resume string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if resume != "" {
				if err := s.Open(ctx, model.SessionID(resume)); err != nil {
					return err
				}
				printHistory(cmd.OutOrStdout(), s.Store().Messages())
			}
			if module == "" {
				module = a.cfg.Chat.Module
			}
			return repl(ctx, a, s, module, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "module hint sent with each message")
	cmd.Flags().StringVar(&resume, "resume", "", "stored session id to continue")
	return cmd
}

func newAskCmd(a *app) *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if module == "" {
				module = a.cfg.Chat.Module
			}
			return send(ctx, s, strings.Join(args, " "), module, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "module hint sent with the message")
	return cmd
}

const replHelp = `commands:
  /new              start a new conversation
  /tier <name>      set the quality tier (fast, balanced, thorough)
  /docs             list documents
  /quit             leave`

func repl(ctx context.Context, a *app, s *session.Session, module string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "quality: %s. Type /help for commands.\n", s.Engine().Quality())
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			fmt.Fprintln(out, replHelp)
		case line == "/new":
			if err := s.NewConversation(); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		case line == "/docs":
			printDocuments(out, s.Registry())
		case strings.HasPrefix(line, "/tier"):
			tier := strings.TrimSpace(strings.TrimPrefix(line, "/tier"))
			if err := a.setTier(tier); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			s.Engine().SetQuality(tier)
			fmt.Fprintln(out, "quality:", tier)
		default:
			if err := send(ctx, s, line, module, out); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// send runs one turn and streams the reply to out as it arrives.
func send(ctx context.Context, s *session.Session, text, module string, out io.Writer) error {
	printed := make(map[string]int)
	s.Store().Observe(func(msg model.Message) {
		if msg.Role != model.RoleAssistant {
			return
		}
		n := printed[msg.ID]
		if n < 0 {
			return
		}
		// A failure replaces the partial reply, so print it whole.
		if msg.Failed {
			if n > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprint(out, msg.Content)
			printed[msg.ID] = -1
			return
		}
		if len(msg.Content) > n {
			fmt.Fprint(out, msg.Content[n:])
			printed[msg.ID] = len(msg.Content)
		}
	})
	defer s.Store().Observe(nil)

	outcome, err := s.Send(ctx, text, module)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			return nil
		}
		return err
	}
	fmt.Fprintln(out)

	if msg, ok := s.Store().Message(outcome.MessageID); ok && len(msg.Sources) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for i, src := range msg.Sources {
			fmt.Fprintf(out, "%d. %s (%s, chunk %d)\n", i+1, src.Filename, src.SourceType, src.ChunkIndex)
		}
	}
	fmt.Fprintln(out)
	return nil
}

func printHistory(out io.Writer, msgs []model.Message) {
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %s\n\n", m.Role, m.Content)
	}
}

func newTierCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tier [fast|balanced|thorough]",
		Short: "Show or remember the quality tier",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), a.cfg.Chat.Quality)
				return nil
			}
			return a.setTier(args[0])
		},
	}
}

// setTier validates and persists the quality tier.
func (a *app) setTier(tier string) error {
	if !config.ValidQuality(tier) {
		return fmt.Errorf("unknown quality tier %q, want one of %s", tier, strings.Join(config.QualityTiers, ", "))
	}
	a.cfg.Chat.Quality = tier
	return config.SaveClient(a.configPath, a.cfg)
}

func newSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := s.Sessions(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ss := range list {
				fmt.Fprintf(out, "%s\t%s\t%s\n", ss.ID, ss.UpdatedAt.Local().Format("2006-01-02 15:04"), ss.Title)
			}
			return nil
		},
	}
}
