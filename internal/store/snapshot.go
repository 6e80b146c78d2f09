package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"chapterhub/pkg/models"
)

const snapshotLockWait = 5 * time.Second

// Snapshot is the on-disk form of a Memory store. History holds the
// superseded versions conflict reports are diffed against.
type Snapshot struct {
	SavedAt time.Time              `json:"saved_at"`
	Records []models.ChapterRecord `json:"records"`
	History []models.ChapterRecord `json:"history,omitempty"`
}

func (m *Memory) history() []models.ChapterRecord {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.records))
	for _, e := range m.records {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []models.ChapterRecord
	for _, e := range entries {
		e.mu.Lock()
		for _, rec := range e.history {
			out = append(out, rec)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// SaveSnapshot writes every record to path. The file is replaced atomically
// and guarded by an advisory lock next to it so two processes sharing a
// snapshot never interleave writes.
func (m *Memory) SaveSnapshot(ctx context.Context, path string) error {
	recs, err := m.List(ctx, "")
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(Snapshot{SavedAt: m.now(), Records: recs, History: m.history()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	unlock, err := lockSnapshot(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the store contents with the snapshot at path.
// A missing file leaves the store empty.
func (m *Memory) LoadSnapshot(ctx context.Context, path string) error {
	unlock, err := lockSnapshot(ctx, path)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(path)
	unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	records := make(map[string]*entry, len(snap.Records))
	numbers := make(map[numberKey]string, len(snap.Records))
	for _, rec := range snap.Records {
		if rec.ID == "" || rec.Version < 1 {
			return fmt.Errorf("snapshot record %q: missing id or version", rec.ID)
		}
		key := numberKey{mangaID: rec.MangaID, number: rec.Number}
		if _, taken := numbers[key]; taken {
			return fmt.Errorf("snapshot record %s: %w", rec.ID, ErrDuplicateNumber)
		}
		numbers[key] = rec.ID
		records[rec.ID] = &entry{rec: rec}
	}
	for _, old := range snap.History {
		e, ok := records[old.ID]
		if !ok || old.Version < 1 || old.Version >= e.rec.Version {
			return fmt.Errorf("snapshot history %s v%d: no matching record", old.ID, old.Version)
		}
		if e.history == nil {
			e.history = make(map[int64]models.ChapterRecord)
		}
		e.history[old.Version] = old
	}

	m.numMu.Lock()
	m.mu.Lock()
	m.records = records
	m.numbers = numbers
	m.mu.Unlock()
	m.numMu.Unlock()
	return nil
}

func lockSnapshot(ctx context.Context, path string) (func(), error) {
	fl := flock.New(path + ".lock")

	ctx, cancel := context.WithTimeout(ctx, snapshotLockWait)
	defer cancel()

	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock snapshot: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock snapshot: %s is held by another process", path)
	}
	return func() { _ = fl.Unlock() }, nil
}
