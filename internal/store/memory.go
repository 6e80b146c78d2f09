package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chapterhub/pkg/models"
)

type numberKey struct {
	mangaID string
	number  int
}

type entry struct {
	mu  sync.Mutex
	rec models.ChapterRecord
	// superseded versions by version number
	history map[int64]models.ChapterRecord
}

// at returns the record as it was at version. Called with e.mu held.
func (e *entry) at(version int64) *models.ChapterRecord {
	if version == e.rec.Version {
		rec := e.rec
		return &rec
	}
	rec, ok := e.history[version]
	if !ok {
		return nil
	}
	return &rec
}

// Memory is an in-process Store. Each record has its own mutex, so commits
// on different ids never wait on each other; the catalog number index has a
// separate short-lived lock.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*entry

	numMu   sync.Mutex
	numbers map[numberKey]string

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*entry),
		numbers: make(map[numberKey]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}

func (m *Memory) Get(_ context.Context, id string) (models.ChapterRecord, error) {
	e := m.lookup(id)
	if e == nil {
		return models.ChapterRecord{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

func (m *Memory) List(_ context.Context, mangaID string) ([]models.ChapterRecord, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.records))
	for _, e := range m.records {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.ChapterRecord, 0)
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if mangaID == "" || rec.MangaID == mangaID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Insert(_ context.Context, in models.NewChapter) (models.ChapterRecord, error) {
	rec := in.Record()
	if err := rec.Validate(); err != nil {
		return models.ChapterRecord{}, err
	}

	id, err := newID()
	if err != nil {
		return models.ChapterRecord{}, err
	}
	now := m.now()
	rec.ID = id
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	key := numberKey{mangaID: rec.MangaID, number: rec.Number}

	m.numMu.Lock()
	defer m.numMu.Unlock()
	if _, taken := m.numbers[key]; taken {
		return models.ChapterRecord{}, fmt.Errorf("insert chapter %d: %w", rec.Number, ErrDuplicateNumber)
	}
	m.numbers[key] = id

	m.mu.Lock()
	m.records[id] = &entry{rec: rec}
	m.mu.Unlock()

	return rec, nil
}

func (m *Memory) CommitIfVersionMatches(_ context.Context, id string, baseVersion int64, patch models.ChapterPatch) (models.ChapterRecord, error) {
	e := m.lookup(id)
	if e == nil {
		return models.ChapterRecord{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Version != baseVersion {
		return models.ChapterRecord{}, &VersionMismatchError{BaseVersion: baseVersion, Base: e.at(baseVersion), Current: e.rec}
	}

	next := patch.Apply(e.rec)
	if err := next.Validate(); err != nil {
		return models.ChapterRecord{}, err
	}

	if next.Number != e.rec.Number {
		if err := m.moveNumber(e.rec, next.Number); err != nil {
			return models.ChapterRecord{}, err
		}
	}

	next.Version = e.rec.Version + 1
	next.UpdatedAt = m.now()
	if e.history == nil {
		e.history = make(map[int64]models.ChapterRecord)
	}
	e.history[e.rec.Version] = e.rec
	e.rec = next
	return next, nil
}

// moveNumber re-keys rec in the catalog index. Called with the record's
// entry lock held.
func (m *Memory) moveNumber(rec models.ChapterRecord, number int) error {
	m.numMu.Lock()
	defer m.numMu.Unlock()

	to := numberKey{mangaID: rec.MangaID, number: number}
	if owner, taken := m.numbers[to]; taken && owner != rec.ID {
		return fmt.Errorf("renumber chapter to %d: %w", number, ErrDuplicateNumber)
	}
	delete(m.numbers, numberKey{mangaID: rec.MangaID, number: rec.Number})
	m.numbers[to] = rec.ID
	return nil
}

func sortRecords(recs []models.ChapterRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].MangaID != recs[j].MangaID {
			return recs[i].MangaID < recs[j].MangaID
		}
		return recs[i].Number < recs[j].Number
	})
}
