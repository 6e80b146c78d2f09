package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/mattn/go-sqlite3"

	"chapterhub/pkg/models"
)

const chapterColumns = `id, manga_id, number, title, url, language, translation_type, status, version, created_at, updated_at`

// SQLite is a Store backed by the chapters table. The version check and the
// write of a commit happen in one immediate transaction, and the UPDATE is
// itself conditional on the version.
type SQLite struct {
	DB  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{
		DB:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChapter(row rowScanner) (models.ChapterRecord, error) {
	var (
		rec             models.ChapterRecord
		translationType string
		status          string
	)
	if err := row.Scan(
		&rec.ID, &rec.MangaID, &rec.Number, &rec.Title, &rec.URL, &rec.Language,
		&translationType, &status, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return models.ChapterRecord{}, err
	}
	rec.TranslationType = models.TranslationType(translationType)
	rec.Status = models.ChapterStatus(status)
	return rec, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (models.ChapterRecord, error) {
	rec, err := scanChapter(s.DB.QueryRowContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChapterRecord{}, ErrNotFound
	}
	if err != nil {
		return models.ChapterRecord{}, fmt.Errorf("scan chapter: %w", err)
	}
	return rec, nil
}

func (s *SQLite) List(ctx context.Context, mangaID string) ([]models.ChapterRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if mangaID == "" {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+chapterColumns+`
			FROM chapters
			ORDER BY manga_id ASC, number ASC
		`)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+chapterColumns+`
			FROM chapters
			WHERE manga_id = ?
			ORDER BY number ASC
		`, mangaID)
	}
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	out := make([]models.ChapterRecord, 0)
	for rows.Next() {
		rec, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}

func (s *SQLite) Insert(ctx context.Context, in models.NewChapter) (models.ChapterRecord, error) {
	rec := in.Record()
	if err := rec.Validate(); err != nil {
		return models.ChapterRecord{}, err
	}

	id, err := newID()
	if err != nil {
		return models.ChapterRecord{}, err
	}
	now := s.now()
	rec.ID = id
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err = s.withRetry(ctx, func() error {
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO chapters (`+chapterColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.MangaID, rec.Number, rec.Title, rec.URL, rec.Language,
			string(rec.TranslationType), string(rec.Status), rec.Version, rec.CreatedAt, rec.UpdatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return models.ChapterRecord{}, fmt.Errorf("insert chapter %d: %w", rec.Number, ErrDuplicateNumber)
	}
	if err != nil {
		return models.ChapterRecord{}, fmt.Errorf("insert chapter: %w", err)
	}
	return rec, nil
}

func (s *SQLite) CommitIfVersionMatches(ctx context.Context, id string, baseVersion int64, patch models.ChapterPatch) (models.ChapterRecord, error) {
	var out models.ChapterRecord
	err := s.withRetry(ctx, func() error {
		rec, err := s.commitOnce(ctx, id, baseVersion, patch)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return models.ChapterRecord{}, err
	}
	return out, nil
}

func (s *SQLite) commitOnce(ctx context.Context, id string, baseVersion int64, patch models.ChapterPatch) (rec models.ChapterRecord, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := scanChapter(tx.QueryRowContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("read for commit: %w", err)
	}
	if current.Version != baseVersion {
		return rec, s.mismatch(ctx, tx, baseVersion, current)
	}

	next := patch.Apply(current)
	if err = next.Validate(); err != nil {
		return rec, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO chapter_history (`+chapterColumns+`)
		SELECT `+chapterColumns+` FROM chapters WHERE id = ?
	`, id); err != nil {
		return rec, fmt.Errorf("archive chapter version: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE chapters
		SET number = ?, title = ?, url = ?, language = ?, translation_type = ?, status = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.Number, next.Title, next.URL, next.Language, string(next.TranslationType), string(next.Status),
		next.Version, next.UpdatedAt, id, baseVersion)
	if isUniqueViolation(err) {
		return rec, fmt.Errorf("renumber chapter to %d: %w", next.Number, ErrDuplicateNumber)
	}
	if err != nil {
		return rec, fmt.Errorf("update chapter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return rec, fmt.Errorf("update chapter rows: %w", err)
	}
	if affected == 0 {
		err = &VersionMismatchError{BaseVersion: baseVersion, Current: current}
		return rec, err
	}

	if err = tx.Commit(); err != nil {
		return rec, fmt.Errorf("commit chapter: %w", err)
	}
	return next, nil
}

// mismatch builds the error for a stale base, looking the base version up in
// chapter_history.
func (s *SQLite) mismatch(ctx context.Context, tx *sql.Tx, baseVersion int64, current models.ChapterRecord) error {
	merr := &VersionMismatchError{BaseVersion: baseVersion, Current: current}
	base, err := scanChapter(tx.QueryRowContext(ctx,
		`SELECT `+chapterColumns+` FROM chapter_history WHERE id = ? AND version = ?`, current.ID, baseVersion))
	switch {
	case err == nil:
		merr.Base = &base
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("read base version: %w", err)
	}
	return merr
}

// withRetry re-runs fn while SQLite reports the database as busy or locked.
func (s *SQLite) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(20*time.Millisecond),
		retry.RetryIf(isBusy),
		retry.LastErrorOnly(true),
	)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique
}
