// Package editing is the entry point the HTTP, gRPC and CLI surfaces call.
// It composes the parser, store, lease coordinator and conflict resolver and
// announces what happened to connected editors.
package editing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chapterhub/internal/conflict"
	"chapterhub/internal/lock"
	"chapterhub/internal/notify"
	"chapterhub/internal/parser"
	"chapterhub/internal/store"
	chsync "chapterhub/internal/sync"
	"chapterhub/pkg/models"
)

// ErrCallerRequired reports an edit operation without a caller identity.
var ErrCallerRequired = errors.New("caller identity required")

type Service struct {
	parser   *parser.Parser
	store    store.Store
	leases   *lock.Coordinator
	resolver *conflict.Resolver
	events   chsync.Publisher
	notifier notify.Notifier
	logger   *slog.Logger
}

type Option func(*Service)

func WithParser(p *parser.Parser) Option {
	return func(s *Service) {
		if p != nil {
			s.parser = p
		}
	}
}

func WithEvents(p chsync.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires st and leases together. Commits always require the
// caller to hold the record's live lease.
func NewService(st store.Store, leases *lock.Coordinator, opts ...Option) *Service {
	s := &Service{
		parser: parser.New(),
		store:  st,
		leases: leases,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "editing")
	s.resolver = conflict.NewResolver(st, conflict.WithLeases(leases), conflict.WithLogger(s.logger))
	return s
}

func (s *Service) publish(ev chsync.EditEvent) {
	if s.events == nil {
		return
	}
	ev.At = time.Now().UTC()
	s.events.Publish(ev)
}

func (s *Service) announce(rec models.ChapterRecord) {
	if s.notifier == nil {
		return
	}
	s.notifier.BroadcastNewChapter(notify.NewChapterMessage{
		MangaID:  rec.MangaID,
		Chapter:  rec.Number,
		Title:    rec.Title,
		RecordID: rec.ID,
	})
}

// Parse runs the parser only; nothing is stored.
func (s *Service) Parse(text string) parser.Result {
	return s.parser.ParseDetailed(text)
}

// Create inserts a manually entered chapter.
func (s *Service) Create(ctx context.Context, in models.NewChapter) (models.ChapterRecord, error) {
	rec, err := s.store.Insert(ctx, in)
	if err != nil {
		return models.ChapterRecord{}, err
	}
	s.logger.Info("chapter created", "record_id", rec.ID, "manga_id", rec.MangaID, "number", rec.Number)
	s.announce(rec)
	return rec, nil
}

// Get returns the record together with its live lease, if any.
func (s *Service) Get(ctx context.Context, id string) (RecordView, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return RecordView{}, err
	}
	view := RecordView{Record: rec}
	if l, ok := s.leases.Lookup(id); ok {
		view.Lease = &l
	}
	return view, nil
}

func (s *Service) List(ctx context.Context, mangaID string) ([]models.ChapterRecord, error) {
	return s.store.List(ctx, mangaID)
}

// Acquire grants caller the edit lease on an existing record.
func (s *Service) Acquire(ctx context.Context, id, caller string, ttl time.Duration) (models.Lease, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return models.Lease{}, err
	}
	l, err := s.leases.Acquire(id, caller, ttl)
	if err != nil {
		return models.Lease{}, err
	}
	s.publish(chsync.EditEvent{
		Type:      chsync.EventLocked,
		RecordID:  id,
		MangaID:   rec.MangaID,
		Caller:    caller,
		Version:   rec.Version,
		ExpiresAt: l.ExpiresAt,
	})
	return l, nil
}

// Release drops caller's lease. Only a release that ends a live lease is
// announced.
func (s *Service) Release(_ context.Context, id, caller string) error {
	released, err := s.leases.Release(id, caller)
	if err != nil {
		return err
	}
	if released {
		s.publish(chsync.EditEvent{Type: chsync.EventReleased, RecordID: id, Caller: caller})
	}
	return nil
}

func (s *Service) Touch(_ context.Context, id, caller string) (models.Lease, error) {
	return s.leases.Touch(id, caller)
}

// Commit writes patch on top of baseVersion. A stale base is returned as an
// Outcome with a conflict report, not as an error.
func (s *Service) Commit(ctx context.Context, id string, baseVersion int64, patch models.ChapterPatch, caller string) (conflict.Outcome, error) {
	if strings.TrimSpace(caller) == "" {
		return conflict.Outcome{}, ErrCallerRequired
	}
	out, err := s.resolver.AttemptCommit(ctx, id, baseVersion, patch, caller)
	if err != nil {
		return conflict.Outcome{}, err
	}
	s.publishOutcome(id, caller, out)
	return out, nil
}

// Resolve re-commits a conflict with the caller's per-field choices.
func (s *Service) Resolve(ctx context.Context, report *conflict.ConflictReport, resolution map[string]conflict.Choice, caller string) (conflict.Outcome, error) {
	if strings.TrimSpace(caller) == "" {
		return conflict.Outcome{}, ErrCallerRequired
	}
	out, err := s.resolver.Resolve(ctx, report, resolution, caller)
	if err != nil {
		return conflict.Outcome{}, err
	}
	s.publishOutcome(report.RecordID, caller, out)
	return out, nil
}

func (s *Service) publishOutcome(id, caller string, out conflict.Outcome) {
	if out.Unchanged {
		return
	}
	if out.Committed {
		s.publish(chsync.EditEvent{
			Type:     chsync.EventCommitted,
			RecordID: id,
			MangaID:  out.Record.MangaID,
			Caller:   caller,
			Version:  out.Version,
		})
		return
	}
	if out.Conflict != nil {
		s.publish(chsync.EditEvent{
			Type:     chsync.EventConflict,
			RecordID: id,
			MangaID:  out.Conflict.Current.MangaID,
			Caller:   caller,
			Version:  out.Conflict.StoreVersion,
			Fields:   out.Conflict.FieldNames(),
		})
	}
}

// RecordView is a record plus its current lease.
type RecordView struct {
	Record models.ChapterRecord `json:"record"`
	Lease  *models.Lease        `json:"lease,omitempty"`
}
