package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"chapterhub/internal/parser"
	"chapterhub/pkg/models"
)

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(b), nil
}

func newParseCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "parse [file|-]",
		Short: "Parse a chapter listing locally and show every candidate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			res := parser.New().ParseDetailed(text)
			out := cmd.OutOrStdout()

			if g.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					parser.Result
					Summary parser.Summary `json:"summary"`
				}{res, parser.Summarize(res.Candidates)})
			}

			fmt.Fprintln(out, renderCandidates(res.Candidates))
			s := parser.Summarize(res.Candidates)
			fmt.Fprintf(out, "%d candidates: %d valid, %d invalid, %d duplicate\n", s.Total, s.Valid, s.Invalid, s.Duplicate)
			if len(res.Unmatched) > 0 {
				fmt.Fprintf(out, "unrecognised lines: %s\n", joinInts(res.Unmatched))
			}
			return nil
		},
	}
}

func renderCandidates(cands []models.ParseCandidate) string {
	rows := make([][]string, 0, len(cands))
	for _, c := range cands {
		note := strings.Join(c.Problems, "; ")
		if c.DuplicateOf != "" {
			note = "duplicate of " + c.DuplicateOf
		}
		rows = append(rows, []string{
			c.ID,
			strconv.Itoa(c.Line),
			strconv.Itoa(c.Number),
			c.Title,
			c.URL,
			string(c.Classification),
			note,
		})
	}
	return renderTable([]string{"ID", "Line", "Number", "Title", "URL", "Class", "Note"}, rows, 1, 2)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ", ")
}
