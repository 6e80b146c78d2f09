package editing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chapterhub/internal/parser"
	"chapterhub/internal/store"
	chsync "chapterhub/internal/sync"
	"chapterhub/pkg/models"
)

// ErrMangaIDRequired reports an import without a target catalog.
var ErrMangaIDRequired = errors.New("manga id required")

// Reasons a parsed candidate was not imported.
const (
	SkipInvalid          = "invalid"
	SkipDuplicateInBatch = "duplicate_in_batch"
	SkipExistsInCatalog  = "exists_in_catalog"
)

// ImportOptions are applied to every record created by an import.
type ImportOptions struct {
	Language        string                 `json:"language,omitempty"`
	TranslationType models.TranslationType `json:"translation_type,omitempty"`
	Status          models.ChapterStatus   `json:"status,omitempty"`
}

type SkippedCandidate struct {
	CandidateID string `json:"candidate_id"`
	Line        int    `json:"line"`
	Number      int    `json:"number,omitempty"`
	Reason      string `json:"reason"`
	Detail      string `json:"detail,omitempty"`
}

type ImportReport struct {
	MangaID   string                 `json:"manga_id"`
	Summary   parser.Summary         `json:"summary"`
	Unmatched []int                  `json:"unmatched,omitempty"`
	Created   []models.ChapterRecord `json:"created"`
	Skipped   []SkippedCandidate     `json:"skipped"`
}

// Import parses text and inserts every valid candidate into mangaID's
// catalog. Candidates that are invalid, repeat a number within the batch or
// collide with a stored chapter are skipped with a reason. Store failures
// other than those stop the import and return what was done so far.
func (s *Service) Import(ctx context.Context, mangaID, text string, opts ImportOptions) (ImportReport, error) {
	mangaID = strings.TrimSpace(mangaID)
	if mangaID == "" {
		return ImportReport{}, ErrMangaIDRequired
	}

	res := s.parser.ParseDetailed(text)
	report := ImportReport{
		MangaID:   mangaID,
		Summary:   parser.Summarize(res.Candidates),
		Unmatched: res.Unmatched,
		Created:   []models.ChapterRecord{},
		Skipped:   []SkippedCandidate{},
	}

	for _, c := range res.Candidates {
		skip := SkippedCandidate{CandidateID: c.ID, Line: c.Line, Number: c.Number}

		switch c.Classification {
		case models.CandidateInvalid:
			skip.Reason = SkipInvalid
			skip.Detail = strings.Join(c.Problems, "; ")
			report.Skipped = append(report.Skipped, skip)
			continue
		case models.CandidateDuplicate:
			skip.Reason = SkipDuplicateInBatch
			skip.Detail = "same number as " + c.DuplicateOf
			report.Skipped = append(report.Skipped, skip)
			continue
		}

		rec, err := s.store.Insert(ctx, models.NewChapter{
			MangaID:         mangaID,
			Number:          c.Number,
			Title:           c.Title,
			URL:             c.URL,
			Language:        opts.Language,
			TranslationType: opts.TranslationType,
			Status:          opts.Status,
		})
		var verr *models.ValidationError
		switch {
		case err == nil:
			report.Created = append(report.Created, rec)
		case errors.Is(err, store.ErrDuplicateNumber):
			skip.Reason = SkipExistsInCatalog
			skip.Detail = fmt.Sprintf("chapter %d already exists", c.Number)
			report.Skipped = append(report.Skipped, skip)
		case errors.As(err, &verr):
			skip.Reason = SkipInvalid
			skip.Detail = strings.Join(verr.Problems, "; ")
			report.Skipped = append(report.Skipped, skip)
		default:
			s.finishImport(report)
			return report, fmt.Errorf("import candidate %s: %w", c.ID, err)
		}
	}

	s.finishImport(report)
	return report, nil
}

func (s *Service) finishImport(report ImportReport) {
	s.logger.Info("import finished",
		"manga_id", report.MangaID,
		"created", len(report.Created),
		"skipped", len(report.Skipped),
		"unmatched", len(report.Unmatched))

	if len(report.Created) == 0 {
		return
	}
	s.publish(chsync.EditEvent{Type: chsync.EventImported, MangaID: report.MangaID, Count: len(report.Created)})
	for _, rec := range report.Created {
		s.announce(rec)
	}
}
