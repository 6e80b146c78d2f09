// Package store keeps chapter records with a per-record version counter
// used for optimistic concurrency.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"chapterhub/pkg/models"
)

// Store is the record repository used by the conflict resolver and the
// import pipeline. Implementations must make CommitIfVersionMatches atomic
// per record id.
type Store interface {
	Get(ctx context.Context, id string) (models.ChapterRecord, error)
	List(ctx context.Context, mangaID string) ([]models.ChapterRecord, error)
	Insert(ctx context.Context, in models.NewChapter) (models.ChapterRecord, error)
	// CommitIfVersionMatches applies patch only when the stored version equals
	// baseVersion. It returns the updated record, or a *VersionMismatchError
	// holding the current record.
	CommitIfVersionMatches(ctx context.Context, id string, baseVersion int64, patch models.ChapterPatch) (models.ChapterRecord, error)
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new uuidv7: %w", err)
	}
	return id.String(), nil
}
