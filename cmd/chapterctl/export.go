package main

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"chapterhub/pkg/models"
)

var exportHeader = []string{"id", "manga_id", "number", "title", "url", "language", "translation_type", "status", "version", "updated_at"}

func newExportCommand(g *globals) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export <manga-id>",
		Short: "Write a catalog's chapters as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Items []models.ChapterRecord `json:"items"`
			}
			path := "/v1/catalogs/" + url.PathEscape(args[0]) + "/chapters"
			if err := newAPIClient(g).do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			if outPath == "" || outPath == "-" {
				return writeCSV(cmd.OutOrStdout(), resp.Items)
			}

			var buf bytes.Buffer
			if err := writeCSV(&buf, resp.Items); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return err
			}
			if err := atomic.WriteFile(outPath, &buf); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d chapters to %s\n", len(resp.Items), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (stdout when empty)")
	return cmd
}

func writeCSV(w io.Writer, recs []models.ChapterRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write([]string{
			r.ID,
			r.MangaID,
			strconv.Itoa(r.Number),
			r.Title,
			r.URL,
			r.Language,
			string(r.TranslationType),
			string(r.Status),
			strconv.FormatInt(r.Version, 10),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
