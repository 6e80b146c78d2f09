// Package conflict turns stale-version commits into field-level reports and
// re-commits them once the caller has picked a side for every field.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"chapterhub/internal/store"
	"chapterhub/pkg/models"
)

type Choice string

const (
	Mine   Choice = "mine"
	Theirs Choice = "theirs"
)

func (c Choice) Valid() bool { return c == Mine || c == Theirs }

// FieldConflict is one field where the record the caller would produce
// differs from the stored record. Touched fields carry the caller's new
// value as Mine; untouched fields carry the value the caller last saw.
type FieldConflict struct {
	Field        string `json:"field"`
	Mine         any    `json:"mine"`
	Theirs       any    `json:"theirs"`
	Touched      bool   `json:"touched"`
	StoreVersion int64  `json:"store_version"`
}

// ConflictReport is handed back when a commit's base version is stale.
// Proposed is what the caller tried to write; Base is the record at
// BaseVersion when the store still has it; Current is the stored record it
// collided with.
type ConflictReport struct {
	RecordID     string                `json:"record_id"`
	BaseVersion  int64                 `json:"base_version"`
	StoreVersion int64                 `json:"store_version"`
	Fields       []FieldConflict       `json:"fields"`
	Proposed     models.ChapterPatch   `json:"proposed"`
	Base         *models.ChapterRecord `json:"base,omitempty"`
	Current      models.ChapterRecord  `json:"current"`
}

// FieldNames lists the conflicting fields in report order.
func (r *ConflictReport) FieldNames() []string {
	out := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		out = append(out, f.Field)
	}
	return out
}

// Outcome is either a commit or a conflict, never both. Unchanged marks a
// stale commit whose result already matches the stored record; nothing was
// written and Record is the stored record.
type Outcome struct {
	Committed bool                 `json:"committed"`
	Unchanged bool                 `json:"unchanged,omitempty"`
	Version   int64                `json:"version,omitempty"`
	Record    models.ChapterRecord `json:"record,omitzero"`
	Conflict  *ConflictReport      `json:"conflict,omitempty"`
}

// LeaseChecker is satisfied by *lock.Coordinator. WhileHeld runs fn only
// while caller holds the live lease on id and reports whether it ran.
type LeaseChecker interface {
	WhileHeld(id, caller string, fn func()) bool
}

type Resolver struct {
	store  store.Store
	leases LeaseChecker
	logger *slog.Logger
}

type Option func(*Resolver)

// WithLeases makes every commit require the caller to hold the record's
// live lease.
func WithLeases(l LeaseChecker) Option {
	return func(r *Resolver) { r.leases = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewResolver(s store.Store, opts ...Option) *Resolver {
	r := &Resolver{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "conflict")
	return r
}

// AttemptCommit writes proposed onto record id if the store is still at
// baseVersion. A stale base yields an Outcome carrying a ConflictReport and
// writes nothing.
func (r *Resolver) AttemptCommit(ctx context.Context, id string, baseVersion int64, proposed models.ChapterPatch, caller string) (Outcome, error) {
	var (
		rec models.ChapterRecord
		err error
	)
	commit := func() {
		rec, err = r.store.CommitIfVersionMatches(ctx, id, baseVersion, proposed)
	}
	if r.leases == nil {
		commit()
	} else if !r.leases.WhileHeld(id, caller, commit) {
		return Outcome{}, fmt.Errorf("commit %s: %w", id, ErrLeaseNotHeld)
	}

	if err == nil {
		r.logger.Info("chapter committed", "record_id", id, "caller", caller, "version", rec.Version)
		return Outcome{Committed: true, Version: rec.Version, Record: rec}, nil
	}

	var mismatch *store.VersionMismatchError
	if !errors.As(err, &mismatch) {
		return Outcome{}, err
	}

	report := Diff(id, baseVersion, mismatch.Base, proposed, mismatch.Current)
	if report.Base != nil && len(report.Fields) == 0 {
		r.logger.Info("stale commit already matches store",
			"record_id", id, "caller", caller,
			"base_version", baseVersion, "version", mismatch.Current.Version)
		return Outcome{Committed: true, Unchanged: true, Version: mismatch.Current.Version, Record: mismatch.Current}, nil
	}

	r.logger.Info("commit conflict",
		"record_id", id, "caller", caller,
		"base_version", baseVersion, "version", mismatch.Current.Version,
		"fields", report.FieldNames())
	return Outcome{Conflict: report}, nil
}

// Diff compares the record proposed would produce on top of base with
// current. A touched field is reported when its new value differs from
// current; an untouched field is reported when current has moved away from
// base. With a nil base only touched fields can be compared.
func Diff(id string, baseVersion int64, base *models.ChapterRecord, proposed models.ChapterPatch, current models.ChapterRecord) *ConflictReport {
	report := &ConflictReport{
		RecordID:     id,
		BaseVersion:  baseVersion,
		StoreVersion: current.Version,
		Fields:       []FieldConflict{},
		Proposed:     proposed,
		Base:         base,
		Current:      current,
	}
	for _, field := range models.EditableFields {
		mine, touched := proposed.Value(field)
		if !touched {
			if base == nil {
				continue
			}
			mine, _ = base.FieldValue(field)
		}
		theirs, _ := current.FieldValue(field)
		if mine == theirs {
			continue
		}
		report.Fields = append(report.Fields, FieldConflict{
			Field:        field,
			Mine:         mine,
			Theirs:       theirs,
			Touched:      touched,
			StoreVersion: current.Version,
		})
	}
	return report
}

// Resolve merges report.Proposed with the stored values according to
// resolution and commits the result on top of report.StoreVersion. If the
// store has moved again the returned Outcome holds a fresh report whose
// Proposed carries every resolved value.
func (r *Resolver) Resolve(ctx context.Context, report *ConflictReport, resolution map[string]Choice, caller string) (Outcome, error) {
	merged, err := Merge(report, resolution)
	if err != nil {
		return Outcome{}, err
	}
	return r.AttemptCommit(ctx, report.RecordID, report.StoreVersion, merged, caller)
}

// Merge builds the patch a resolution describes without committing it.
func Merge(report *ConflictReport, resolution map[string]Choice) (models.ChapterPatch, error) {
	if report == nil {
		return models.ChapterPatch{}, fmt.Errorf("%w: missing conflict report", ErrInvalidResolution)
	}

	reported := make(map[string]bool, len(report.Fields))
	for _, f := range report.Fields {
		reported[f.Field] = true
	}

	var extra []string
	for field, choice := range resolution {
		if !reported[field] {
			extra = append(extra, field)
			continue
		}
		if !choice.Valid() {
			return models.ChapterPatch{}, fmt.Errorf("%w: field %s: choice %q", ErrInvalidResolution, field, choice)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return models.ChapterPatch{}, fmt.Errorf("%w: fields not in conflict: %v", ErrInvalidResolution, extra)
	}

	var missing []string
	for _, f := range report.Fields {
		if _, ok := resolution[f.Field]; !ok {
			missing = append(missing, f.Field)
		}
	}
	if len(missing) > 0 {
		return models.ChapterPatch{}, fmt.Errorf("%w: %v", ErrIncompleteResolution, missing)
	}

	merged := report.Proposed
	for _, f := range report.Fields {
		var err error
		switch choice := resolution[f.Field]; {
		case choice == Theirs && f.Touched:
			err = merged.SetFrom(report.Current, f.Field)
		case choice == Mine && !f.Touched:
			if report.Base == nil {
				return models.ChapterPatch{}, fmt.Errorf("%w: field %s: base record unknown", ErrInvalidResolution, f.Field)
			}
			err = merged.SetFrom(*report.Base, f.Field)
		}
		if err != nil {
			return models.ChapterPatch{}, fmt.Errorf("%w: %v", ErrInvalidResolution, err)
		}
	}
	return merged, nil
}
