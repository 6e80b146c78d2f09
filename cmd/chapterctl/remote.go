package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"chapterhub/internal/editing"
	"chapterhub/pkg/models"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newImportCommand(g *globals) *cobra.Command {
	var opts editing.ImportOptions
	var translation, status string

	cmd := &cobra.Command{
		Use:   "import <manga-id> [file|-]",
		Short: "Import a chapter listing into a catalog",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd, args[1:])
			if err != nil {
				return err
			}
			if translation != "" {
				opts.TranslationType = models.NormalizeTranslationType(translation)
				if opts.TranslationType == "" {
					return fmt.Errorf("unknown translation type %q", translation)
				}
			}
			if status != "" {
				opts.Status = models.NormalizeStatus(status)
				if opts.Status == "" {
					return fmt.Errorf("unknown status %q", status)
				}
			}

			body := struct {
				Text string `json:"text"`
				editing.ImportOptions
			}{text, opts}

			var report editing.ImportReport
			path := "/v1/catalogs/" + url.PathEscape(args[0]) + "/import"
			if err := newAPIClient(g).do(cmd.Context(), http.MethodPost, path, body, &report); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, report)
			}
			fmt.Fprintf(out, "created %d, skipped %d in %s\n", len(report.Created), len(report.Skipped), report.MangaID)
			if len(report.Skipped) > 0 {
				rows := make([][]string, 0, len(report.Skipped))
				for _, s := range report.Skipped {
					rows = append(rows, []string{s.CandidateID, strconv.Itoa(s.Line), strconv.Itoa(s.Number), s.Reason, s.Detail})
				}
				fmt.Fprintln(out, renderTable([]string{"Candidate", "Line", "Number", "Reason", "Detail"}, rows, 1, 2))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Language, "language", "", "Language tag for imported chapters (default en)")
	cmd.Flags().StringVar(&translation, "translation", "", "official, fan or machine")
	cmd.Flags().StringVar(&status, "status", "", "published, draft, archived or pending")
	return cmd
}

func newGetCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <chapter-id>",
		Short: "Show a chapter and who is editing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view editing.RecordView
			if err := newAPIClient(g).do(cmd.Context(), http.MethodGet, "/v1/chapters/"+url.PathEscape(args[0]), nil, &view); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, view)
			}

			r := view.Record
			rows := [][]string{
				{"id", r.ID},
				{"manga", r.MangaID},
				{"number", strconv.Itoa(r.Number)},
				{"title", r.Title},
				{"url", r.URL},
				{"language", r.Language},
				{"translation", string(r.TranslationType)},
				{"status", string(r.Status)},
				{"version", strconv.FormatInt(r.Version, 10)},
			}
			if view.Lease != nil {
				rows = append(rows, []string{"editing", fmt.Sprintf("%s until %s", view.Lease.Holder, view.Lease.ExpiresAt.Local().Format(time.Kitchen))})
			}
			fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows))
			return nil
		},
	}
}

func newLeaseCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Acquire, release or extend an edit lease",
	}

	var ttl time.Duration
	acquire := &cobra.Command{
		Use:  "acquire <chapter-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var l models.Lease
			body := map[string]int{"ttl_seconds": int(ttl / time.Second)}
			if err := newAPIClient(g).do(cmd.Context(), http.MethodPost, "/v1/chapters/"+url.PathEscape(args[0])+"/lease", body, &l); err != nil {
				return err
			}
			return printLease(cmd.OutOrStdout(), g, l)
		},
	}
	acquire.Flags().DurationVar(&ttl, "ttl", 0, "Lease duration (server default when 0)")

	release := &cobra.Command{
		Use:  "release <chapter-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(g).do(cmd.Context(), http.MethodDelete, "/v1/chapters/"+url.PathEscape(args[0])+"/lease", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "released")
			return nil
		},
	}

	touch := &cobra.Command{
		Use:  "touch <chapter-id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var l models.Lease
			if err := newAPIClient(g).do(cmd.Context(), http.MethodPost, "/v1/chapters/"+url.PathEscape(args[0])+"/lease/touch", nil, &l); err != nil {
				return err
			}
			return printLease(cmd.OutOrStdout(), g, l)
		},
	}

	cmd.AddCommand(acquire, release, touch)
	return cmd
}

func printLease(w io.Writer, g *globals, l models.Lease) error {
	if g.jsonOut {
		return printJSON(w, l)
	}
	_, err := fmt.Fprintf(w, "%s held by %s until %s\n", l.RecordID, l.Holder, l.ExpiresAt.Local().Format(time.RFC3339))
	return err
}
