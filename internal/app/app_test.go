package app_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/internal/app"
	"chapterhub/pkg/models"
	"chapterhub/pkg/utils"
)

func testConfig(t *testing.T, driver string) utils.Config {
	t.Helper()
	dir := t.TempDir()
	return utils.Config{
		Store: utils.StoreConfig{
			Driver:       driver,
			Path:         filepath.Join(dir, "chapters.db"),
			SnapshotPath: filepath.Join(dir, "snapshot.json"),
		},
		Lease: utils.LeaseConfig{Duration: time.Minute, MaxDuration: time.Hour, SweepInterval: time.Minute},
		Auth:  utils.AuthConfig{Secret: "s", Issuer: "chapterhub", TokenTTL: time.Hour},
	}
}

func createChapter(t *testing.T, h http.Handler) models.ChapterRecord {
	t.Helper()
	body := `{"number":1,"title":"Romance Dawn","url":"https://x.test/1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/catalogs/one-piece/chapters", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Editor-ID", "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rec models.ChapterRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	return rec
}

func Test_App_Serves_Health_And_Ready(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()

			a, err := app.New(t.Context(), testConfig(t, driver), nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close(t.Context()) })

			router := a.Router()
			for _, path := range []string{"/health", "/ready"} {
				w := httptest.NewRecorder()
				router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
				assert.Equal(t, http.StatusOK, w.Code, path)
			}

			createChapter(t, router)
		})
	}
}

func Test_App_Memory_Store_Survives_Restart_Via_Snapshot(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "memory")

	first, err := app.New(t.Context(), cfg, nil)
	require.NoError(t, err)
	rec := createChapter(t, first.Router())
	require.NoError(t, first.Close(t.Context()))

	second, err := app.New(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(t.Context()) })

	got, err := second.Store.Get(t.Context(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Romance Dawn", got.Title)
	assert.Equal(t, int64(1), got.Version)
}

func Test_ApplyConfig_Changes_Default_Lease_Duration(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "memory")
	cfg.Store.SnapshotPath = ""
	a, err := app.New(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(t.Context()) })

	next := cfg
	next.Lease.Duration = 10 * time.Minute
	a.ApplyConfig(next)

	rec := createChapter(t, a.Router())
	l, err := a.Leases.Acquire(rec.ID, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, l.Duration)
}

func Test_New_Rejects_Unknown_Driver(t *testing.T) {
	t.Parallel()

	_, err := app.New(t.Context(), testConfig(t, "postgres"), nil)
	require.Error(t, err)
}

func Test_ApplyConfig_Changes_Max_Lease_Duration(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "memory")
	cfg.Store.SnapshotPath = ""
	a, err := app.New(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(t.Context()) })

	next := cfg
	next.Lease.MaxDuration = 5 * time.Minute
	a.ApplyConfig(next)
	assert.Equal(t, 5*time.Minute, a.Config().Lease.MaxDuration)

	rec := createChapter(t, a.Router())
	l, err := a.Leases.Acquire(rec.ID, "alice", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, l.Duration)
}

func Test_ApplyConfig_While_Serving_Health(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "memory")
	cfg.Store.SnapshotPath = ""
	a, err := app.New(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(t.Context()) })

	router := a.Router()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 200 {
			next := cfg
			next.Lease.Duration = time.Duration(i%5+1) * time.Minute
			a.ApplyConfig(next)
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != http.StatusOK {
				t.Errorf("health: %d", w.Code)
				return
			}
		}
	}()
	wg.Wait()
}

func Test_Request_Log_Names_Token_Editor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := testConfig(t, "memory")
	cfg.Store.SnapshotPath = ""
	a, err := app.New(t.Context(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(t.Context()) })

	raw, _, err := a.Tokens.Sign("alice", "Alice Liddell")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/catalogs/one-piece/chapters", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Contains(t, buf.String(), `"caller":"alice"`)
	assert.Contains(t, buf.String(), `"editor_name":"Alice Liddell"`)
}
