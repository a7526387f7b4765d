package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/rag-workspace/internal/api"
	"github.com/capitalize-ai/rag-workspace/internal/documents"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/internal/session"
)

func newDocsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List personal and shared documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			printDocuments(cmd.OutOrStdout(), s.Registry())
			return nil
		},
	}
}

func printDocuments(out io.Writer, reg *documents.Registry) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tSCOPE\tFILE\tSTATE\tATTACHED")
	for _, d := range reg.Documents() {
		fmt.Fprintf(tw, "%d\tpersonal\t%s\t%s\t%t\n", d.ID, d.Filename, d.IngestionState(), d.Attached())
	}
	for _, d := range reg.SharedDocuments() {
		fmt.Fprintf(tw, "%d\tshared\t%s\t%s\t%t\n", d.ID, d.Filename, d.IngestionState(), d.EffectiveAttached())
	}
}

func newUploadCmd(a *app) *cobra.Command {
	var (
		folder int64
		shared bool
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload documents for ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			files := make([]api.UploadFile, 0, len(args))
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				files = append(files, api.UploadFile{Name: filepath.Base(path), Data: f})
			}

			var acks []model.UploadAck
			if shared {
				if folder == 0 {
					return fmt.Errorf("--folder is required for shared uploads")
				}
				acks, err = s.UploadShared(ctx, folder, files)
			} else {
				acks, err = s.Upload(ctx, files)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, ack := range acks {
				fmt.Fprintf(out, "%d\t%s\t%s\n", ack.ID, ack.Filename, ack.Status)
			}
			if skipped := len(files) - len(acks); skipped > 0 {
				fmt.Fprintf(out, "%d file(s) skipped: unsupported type\n", skipped)
			}
			if wait {
				return waitIngested(ctx, s, out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&shared, "shared", false, "upload into a shared folder (admin)")
	cmd.Flags().Int64Var(&folder, "folder", 0, "shared folder id")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until ingestion settles")
	return cmd
}

func newReprocessCmd(a *app) *cobra.Command {
	var (
		shared bool
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "reprocess <id>",
		Short: "Restart ingestion of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid document id %q", args[0])
			}
			ctx := cmd.Context()
			s, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if shared {
				err = s.ReprocessShared(ctx, id)
			} else {
				err = s.Reprocess(ctx, id)
			}
			if err != nil {
				return err
			}
			if wait {
				return waitIngested(ctx, s, cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&shared, "shared", false, "the id names a shared document")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until ingestion settles")
	return cmd
}

func newToggleCmd(a *app) *cobra.Command {
	var (
		shared     bool
		visibility bool
		rag        bool
	)
	cmd := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Flip whether a document is used for retrieval",
		Long: "Flips a personal document's active flag, or with --shared the viewer's own " +
			"preference for a shared document. Admins can flip --visibility or --rag instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid document id %q", args[0])
			}
			ctx := cmd.Context()
			s, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			var (
				field string
				value bool
			)
			switch {
			case !shared:
				field = "active"
				value, err = s.ToggleDocument(ctx, id)
			case visibility:
				field = "visible"
				value, err = s.ToggleSharedVisibility(ctx, id)
			case rag:
				field = "organization rag"
				value, err = s.ToggleSharedRAG(ctx, id)
			default:
				field = "my preference"
				value, err = s.ToggleSharedPreference(ctx, id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s: %t\n", id, field, value)
			return nil
		},
	}
	cmd.Flags().BoolVar(&shared, "shared", false, "the id names a shared document")
	cmd.Flags().BoolVar(&visibility, "visibility", false, "flip visibility (admin, with --shared)")
	cmd.Flags().BoolVar(&rag, "rag", false, "flip the organization-wide flag (admin, with --shared)")
	cmd.MarkFlagsMutuallyExclusive("visibility", "rag")
	return cmd
}

// waitIngested blocks until no document is still processing. A document
// left in needs-retry ends the wait.
func waitIngested(ctx context.Context, s *session.Session, out io.Writer) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		pending := processing(s.Registry())
		if pending == 0 {
			printDocuments(out, s.Registry())
			return nil
		}
		fmt.Fprintf(out, "waiting on %d document(s)\n", pending)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func processing(reg *documents.Registry) int {
	n := 0
	for _, d := range reg.Documents() {
		if d.IngestionState() == model.IngestionProcessing {
			n++
		}
	}
	for _, d := range reg.SharedDocuments() {
		if d.IngestionState() == model.IngestionProcessing {
			n++
		}
	}
	return n
}
