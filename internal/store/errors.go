package store

import (
	"errors"
	"fmt"

	"chapterhub/pkg/models"
)

// ErrNotFound reports a lookup or commit against an id the store never issued.
var ErrNotFound = errors.New("chapter not found")

// ErrDuplicateNumber reports a chapter number already used in the same catalog.
var ErrDuplicateNumber = errors.New("chapter number already exists in catalog")

// ErrVersionMismatch is matched by every *VersionMismatchError.
var ErrVersionMismatch = errors.New("version mismatch")

// VersionMismatchError is returned when a commit's base version is stale.
// Current is the full record as stored and Base the record as it was at
// BaseVersion, so callers can build a conflict report without another read.
// Base is nil when the store no longer has that version.
type VersionMismatchError struct {
	BaseVersion int64
	Base        *models.ChapterRecord
	Current     models.ChapterRecord
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch for %s: base %d, current %d",
		e.Current.ID, e.BaseVersion, e.Current.Version)
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrVersionMismatch
}
