package conflict_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/internal/conflict"
	"chapterhub/internal/lock"
	"chapterhub/internal/store"
	"chapterhub/pkg/models"
)

func ptr[T any](v T) *T { return &v }

func seed(t *testing.T, s store.Store) models.ChapterRecord {
	t.Helper()

	rec, err := s.Insert(t.Context(), models.NewChapter{
		MangaID: "one-piece",
		Number:  1,
		Title:   "Romance Dawn",
		URL:     "https://x.test/op/1",
	})
	require.NoError(t, err)
	return rec
}

func Test_AttemptCommit_Commits_When_Base_Is_Current(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	rec := seed(t, s)
	r := conflict.NewResolver(s)

	out, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("Dawn")}, "alice")
	require.NoError(t, err)

	assert.True(t, out.Committed)
	assert.Nil(t, out.Conflict)
	assert.Equal(t, int64(2), out.Version)
	assert.Equal(t, "Dawn", out.Record.Title)
}

func Test_AttemptCommit_Reports_Title_Conflict_For_Second_Caller(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	rec := seed(t, s)
	r := conflict.NewResolver(s)

	first, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("Alice's title")}, "alice")
	require.NoError(t, err)
	require.True(t, first.Committed)
	require.Equal(t, int64(2), first.Version)

	second, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("Bob's title")}, "bob")
	require.NoError(t, err)
	require.False(t, second.Committed)
	require.NotNil(t, second.Conflict)

	want := []conflict.FieldConflict{{
		Field:        models.FieldTitle,
		Mine:         "Bob's title",
		Theirs:       "Alice's title",
		Touched:      true,
		StoreVersion: 2,
	}}
	if diff := cmp.Diff(want, second.Conflict.Fields); diff != "" {
		t.Fatalf("conflict fields mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(1), second.Conflict.BaseVersion)
	assert.Equal(t, int64(2), second.Conflict.StoreVersion)

	got, err := s.Get(t.Context(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice's title", got.Title, "conflicting commit must not write")
}

func Test_Diff_Reports_Touched_Changes_And_Upstream_Moves(t *testing.T) {
	t.Parallel()

	base := models.ChapterRecord{
		ID:              "r1",
		MangaID:         "one-piece",
		Number:          1,
		Title:           "original",
		URL:             "https://x.test/op/1",
		Language:        "en",
		TranslationType: models.TranslationOfficial,
		Status:          models.StatusDraft,
		Version:         3,
	}
	current := base
	current.Title = "upstream"
	current.Language = "fr"
	current.Status = models.StatusPublished
	current.Version = 5

	proposed := models.ChapterPatch{
		Title:  ptr("mine"),
		URL:    ptr("https://x.test/op/1"),
		Status: ptr(models.StatusPublished),
	}

	report := conflict.Diff("r1", 3, &base, proposed, current)

	want := []conflict.FieldConflict{
		{Field: models.FieldTitle, Mine: "mine", Theirs: "upstream", Touched: true, StoreVersion: 5},
		{Field: models.FieldLanguage, Mine: "en", Theirs: "fr", StoreVersion: 5},
	}
	if diff := cmp.Diff(want, report.Fields); diff != "" {
		t.Fatalf("conflict fields mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(5), report.StoreVersion)

	withoutBase := conflict.Diff("r1", 3, nil, proposed, current)
	assert.Equal(t, []string{models.FieldTitle}, withoutBase.FieldNames(), "untouched fields need a base to compare")
}

func Test_AttemptCommit_Requires_Lease_When_Configured(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	rec := seed(t, s)
	leases := lock.NewCoordinator()
	r := conflict.NewResolver(s, conflict.WithLeases(leases))

	_, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("x")}, "alice")
	require.ErrorIs(t, err, conflict.ErrLeaseNotHeld)

	_, err = leases.Acquire(rec.ID, "alice", 0)
	require.NoError(t, err)

	_, err = r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("x")}, "bob")
	require.ErrorIs(t, err, conflict.ErrLeaseNotHeld)

	out, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("x")}, "alice")
	require.NoError(t, err)
	assert.True(t, out.Committed)
}

func Test_AttemptCommit_Passes_Through_NotFound(t *testing.T) {
	t.Parallel()

	r := conflict.NewResolver(store.NewMemory())

	_, err := r.AttemptCommit(t.Context(), "missing", 1, models.ChapterPatch{Title: ptr("x")}, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func Test_Resolve_Applies_Mine_And_Theirs_Per_Field(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	rec := seed(t, s)
	r := conflict.NewResolver(s)

	_, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{
		Title:  ptr("theirs-title"),
		Status: ptr(models.StatusPublished),
	}, "alice")
	require.NoError(t, err)

	out, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{
		Title:  ptr("mine-title"),
		Status: ptr(models.StatusDraft),
		URL:    ptr("https://x.test/op/1-fixed"),
	}, "bob")
	require.NoError(t, err)
	require.NotNil(t, out.Conflict)
	require.ElementsMatch(t, []string{models.FieldTitle, models.FieldStatus, models.FieldURL}, out.Conflict.FieldNames())

	resolved, err := r.Resolve(t.Context(), out.Conflict, map[string]conflict.Choice{
		models.FieldTitle:  conflict.Mine,
		models.FieldStatus: conflict.Theirs,
		models.FieldURL:    conflict.Mine,
	}, "bob")
	require.NoError(t, err)
	require.True(t, resolved.Committed)
	assert.Equal(t, int64(3), resolved.Version)

	got, err := s.Get(t.Context(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine-title", got.Title)
	assert.Equal(t, models.StatusPublished, got.Status)
	assert.Equal(t, "https://x.test/op/1-fixed", got.URL)
}

func Test_Resolve_Rejects_Incomplete_Or_Unknown_Fields(t *testing.T) {
	t.Parallel()

	report := &conflict.ConflictReport{
		RecordID:     "r1",
		BaseVersion:  1,
		StoreVersion: 2,
		Fields: []conflict.FieldConflict{
			{Field: models.FieldTitle, Mine: "a", Theirs: "b", StoreVersion: 2},
			{Field: models.FieldStatus, Mine: "draft", Theirs: "published", StoreVersion: 2},
		},
	}
	r := conflict.NewResolver(store.NewMemory())

	tests := []struct {
		name       string
		resolution map[string]conflict.Choice
		wantErr    error
	}{
		{
			name:       "missing field",
			resolution: map[string]conflict.Choice{models.FieldTitle: conflict.Mine},
			wantErr:    conflict.ErrIncompleteResolution,
		},
		{
			name: "field not in conflict",
			resolution: map[string]conflict.Choice{
				models.FieldTitle:  conflict.Mine,
				models.FieldStatus: conflict.Mine,
				models.FieldURL:    conflict.Mine,
			},
			wantErr: conflict.ErrInvalidResolution,
		},
		{
			name: "unknown choice",
			resolution: map[string]conflict.Choice{
				models.FieldTitle:  "both",
				models.FieldStatus: conflict.Mine,
			},
			wantErr: conflict.ErrInvalidResolution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := r.Resolve(t.Context(), report, tt.resolution, "bob")
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := r.Resolve(t.Context(), nil, nil, "bob")
	require.ErrorIs(t, err, conflict.ErrInvalidResolution)
}

func Test_Resolve_Keeps_Resolved_Fields_When_Store_Moves_Again(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	rec := seed(t, s)
	r := conflict.NewResolver(s)

	_, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("alice v2")}, "alice")
	require.NoError(t, err)

	out, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("bob")}, "bob")
	require.NoError(t, err)
	require.NotNil(t, out.Conflict)

	// Alice writes again before Bob resolves.
	_, err = r.AttemptCommit(t.Context(), rec.ID, 2, models.ChapterPatch{Title: ptr("alice v3")}, "alice")
	require.NoError(t, err)

	again, err := r.Resolve(t.Context(), out.Conflict, map[string]conflict.Choice{models.FieldTitle: conflict.Mine}, "bob")
	require.NoError(t, err)
	require.False(t, again.Committed)
	require.NotNil(t, again.Conflict)

	assert.Equal(t, int64(3), again.Conflict.StoreVersion)
	proposed, ok := again.Conflict.Proposed.Value(models.FieldTitle)
	require.True(t, ok)
	assert.Equal(t, "bob", proposed, "resolved value survives the new conflict")

	final, err := r.Resolve(t.Context(), again.Conflict, map[string]conflict.Choice{models.FieldTitle: conflict.Mine}, "bob")
	require.NoError(t, err)
	require.True(t, final.Committed)
	assert.Equal(t, int64(4), final.Version)
	assert.Equal(t, "bob", final.Record.Title)
}

func Test_Resolve_With_Theirs_Everywhere_Converges_On_Store_Value(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	rec := seed(t, s)
	r := conflict.NewResolver(s)

	_, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Number: ptr(7)}, "alice")
	require.NoError(t, err)

	out, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Number: ptr(9)}, "bob")
	require.NoError(t, err)
	require.NotNil(t, out.Conflict)

	merged, err := conflict.Merge(out.Conflict, map[string]conflict.Choice{models.FieldNumber: conflict.Theirs})
	require.NoError(t, err)
	require.NotNil(t, merged.Number)
	assert.Equal(t, 7, *merged.Number)
	assert.Equal(t, 9, *out.Conflict.Proposed.Number, "merge must not mutate the report")

	done, err := r.Resolve(t.Context(), out.Conflict, map[string]conflict.Choice{models.FieldNumber: conflict.Theirs}, "bob")
	require.NoError(t, err)
	require.True(t, done.Committed)
	assert.Equal(t, 7, done.Record.Number)
}

func Test_AttemptCommit_Reports_Untouched_Field_Changed_Upstream(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	rec := seed(t, s)
	r := conflict.NewResolver(s)

	_, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Status: ptr(models.StatusPublished)}, "alice")
	require.NoError(t, err)

	out, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("Bob's title")}, "bob")
	require.NoError(t, err)
	require.False(t, out.Committed)
	require.NotNil(t, out.Conflict)
	require.NotNil(t, out.Conflict.Base)
	assert.Equal(t, int64(1), out.Conflict.Base.Version)

	want := []conflict.FieldConflict{
		{Field: models.FieldTitle, Mine: "Bob's title", Theirs: "Romance Dawn", Touched: true, StoreVersion: 2},
		{Field: models.FieldStatus, Mine: models.StatusPending, Theirs: models.StatusPublished, StoreVersion: 2},
	}
	if diff := cmp.Diff(want, out.Conflict.Fields); diff != "" {
		t.Fatalf("conflict fields mismatch (-want +got):\n%s", diff)
	}

	keepUpstream, err := conflict.Merge(out.Conflict, map[string]conflict.Choice{
		models.FieldTitle:  conflict.Mine,
		models.FieldStatus: conflict.Theirs,
	})
	require.NoError(t, err)
	assert.Nil(t, keepUpstream.Status, "theirs on an untouched field leaves it untouched")

	restore, err := conflict.Merge(out.Conflict, map[string]conflict.Choice{
		models.FieldTitle:  conflict.Mine,
		models.FieldStatus: conflict.Mine,
	})
	require.NoError(t, err)
	require.NotNil(t, restore.Status)
	assert.Equal(t, models.StatusPending, *restore.Status)

	done, err := r.Resolve(t.Context(), out.Conflict, map[string]conflict.Choice{
		models.FieldTitle:  conflict.Mine,
		models.FieldStatus: conflict.Theirs,
	}, "bob")
	require.NoError(t, err)
	require.True(t, done.Committed)
	assert.Equal(t, "Bob's title", done.Record.Title)
	assert.Equal(t, models.StatusPublished, done.Record.Status)
}

func Test_AttemptCommit_Same_Value_From_Both_Callers_Is_Unchanged(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	rec := seed(t, s)
	r := conflict.NewResolver(s)

	first, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("Same")}, "alice")
	require.NoError(t, err)
	require.True(t, first.Committed)

	second, err := r.AttemptCommit(t.Context(), rec.ID, 1, models.ChapterPatch{Title: ptr("Same")}, "bob")
	require.NoError(t, err)
	assert.True(t, second.Committed)
	assert.True(t, second.Unchanged)
	assert.Nil(t, second.Conflict)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, "Same", second.Record.Title)

	got, err := s.Get(t.Context(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version, "nothing is written")
}

func Test_Merge_Mine_On_Untouched_Field_Needs_Base(t *testing.T) {
	t.Parallel()

	report := &conflict.ConflictReport{
		RecordID:     "r1",
		BaseVersion:  1,
		StoreVersion: 2,
		Fields: []conflict.FieldConflict{
			{Field: models.FieldStatus, Mine: "draft", Theirs: "published", StoreVersion: 2},
		},
	}

	_, err := conflict.Merge(report, map[string]conflict.Choice{models.FieldStatus: conflict.Mine})
	require.ErrorIs(t, err, conflict.ErrInvalidResolution)
}
