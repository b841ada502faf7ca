package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manash/fluxgen/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("FLUXGEN_DATA_DIR", tmpDir)

	store, err := NewStoreWithPath(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("NewStoreWithPath() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SaveAllAndLoad(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess := &Session{
		ID:            "sess-1",
		CreatedAt:     time.Now(),
		OriginalImage: "/tmp/original.png",
		CurrentImage:  "/tmp/current.png",
		References:    []string{"/tmp/ref0.png", "/tmp/ref1.png"},
		Status:        SessionCompleted,
		Generations: []*Generation{
			{
				ID:           "gen-1",
				Status:       StatusCompleted,
				Prompt:       "make it blue",
				Model:        "flux-kontext-pro",
				Provider:     models.ProviderReplicate,
				Kind:         models.KindEdit,
				PredictionID: "pred-abc",
				RemoteURL:    "https://replicate.delivery/out.png",
				ImagePath:    "/tmp/gen.png",
				CreatedAt:    time.Now(),
			},
		},
	}

	if err := store.SaveAll(ctx, []*Session{sess}, sess.ID); err != nil {
		t.Fatalf("SaveAll() error = %v", err)
	}

	loaded, activeID, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Load() returned %d sessions, want 1", len(loaded))
	}
	if activeID != "sess-1" {
		t.Errorf("Load() activeID = %q, want %q", activeID, "sess-1")
	}

	got := loaded[0]
	if got.OriginalImage != sess.OriginalImage {
		t.Errorf("OriginalImage = %q, want %q", got.OriginalImage, sess.OriginalImage)
	}
	if len(got.References) != 2 || got.References[0] != "/tmp/ref0.png" {
		t.Errorf("References = %v, want original order", got.References)
	}
	if len(got.Generations) != 1 {
		t.Fatalf("got %d generations, want 1", len(got.Generations))
	}

	gen := got.Generations[0]
	if gen.PredictionID != "pred-abc" {
		t.Errorf("PredictionID = %q, want %q", gen.PredictionID, "pred-abc")
	}
	if gen.RemoteURL != "https://replicate.delivery/out.png" {
		t.Errorf("RemoteURL = %q", gen.RemoteURL)
	}
	if gen.Kind != models.KindEdit {
		t.Errorf("Kind = %q, want %q", gen.Kind, models.KindEdit)
	}
}

func TestStore_SaveAllDeletesOrphans(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := &Session{ID: "a", CreatedAt: time.Now()}
	b := &Session{ID: "b", CreatedAt: time.Now()}
	if err := store.SaveAll(ctx, []*Session{a, b}, "a"); err != nil {
		t.Fatalf("SaveAll() error = %v", err)
	}

	// Save again without b; its rows must go away.
	if err := store.SaveAll(ctx, []*Session{a}, "a"); err != nil {
		t.Fatalf("SaveAll() error = %v", err)
	}

	loaded, _, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "a" {
		t.Errorf("Load() = %d sessions, want only %q", len(loaded), "a")
	}
}

func TestStore_CascadeFiresOnEveryConnection(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Force a fresh connection per statement; the cascade must not
	// depend on landing back on the connection that created the schema.
	store.db.SetMaxIdleConns(0)

	a := &Session{ID: "a", CreatedAt: time.Now()}
	b := &Session{
		ID:         "b",
		CreatedAt:  time.Now(),
		References: []string{"/tmp/ref.png"},
		Generations: []*Generation{
			{ID: "gen-b", Status: StatusCompleted, CreatedAt: time.Now()},
		},
	}
	if err := store.SaveAll(ctx, []*Session{a, b}, "a"); err != nil {
		t.Fatalf("SaveAll() error = %v", err)
	}

	if err := store.SaveAll(ctx, []*Session{a}, "a"); err != nil {
		t.Fatalf("SaveAll() error = %v", err)
	}

	var genRows int
	if err := store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM generations WHERE session_id = 'b'`).Scan(&genRows); err != nil {
		t.Fatalf("count generations error = %v", err)
	}
	if genRows != 0 {
		t.Errorf("orphan generation rows = %d, want 0", genRows)
	}

	var refRows int
	if err := store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reference_images WHERE session_id = 'b'`).Scan(&refRows); err != nil {
		t.Fatalf("count references error = %v", err)
	}
	if refRows != 0 {
		t.Errorf("orphan reference rows = %d, want 0", refRows)
	}
}

func TestStore_LoadEvictsExpired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	fresh := &Session{ID: "fresh", CreatedAt: now}
	nearEdge := &Session{ID: "near-edge", CreatedAt: now.Add(-26 * time.Hour)}
	stale := &Session{ID: "stale", CreatedAt: now.Add(-28 * time.Hour)}

	if err := store.SaveAll(ctx, []*Session{fresh, nearEdge, stale}, "fresh"); err != nil {
		t.Fatalf("SaveAll() error = %v", err)
	}

	loaded, _, err := store.loadAt(ctx, now)
	if err != nil {
		t.Fatalf("loadAt() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loadAt() returned %d sessions, want 2", len(loaded))
	}
	// Newest first.
	if loaded[0].ID != "fresh" || loaded[1].ID != "near-edge" {
		t.Errorf("order = [%s, %s], want [fresh, near-edge]", loaded[0].ID, loaded[1].ID)
	}

	// Eviction is persistent, not just filtered from the result.
	loaded, _, err = store.loadAt(ctx, now)
	if err != nil {
		t.Fatalf("loadAt() second call error = %v", err)
	}
	for _, sess := range loaded {
		if sess.ID == "stale" {
			t.Error("expired session still present after reload")
		}
	}
}

func TestStore_LoadEvictionRemovesImageDir(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	dir, err := EnsureImageDir("doomed")
	if err != nil {
		t.Fatalf("EnsureImageDir() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "original.png"), []byte("png"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	stale := &Session{ID: "doomed", CreatedAt: now.Add(-30 * time.Hour)}
	if err := store.SaveAll(ctx, []*Session{stale}, ""); err != nil {
		t.Fatalf("SaveAll() error = %v", err)
	}

	if _, _, err := store.loadAt(ctx, now); err != nil {
		t.Fatalf("loadAt() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("image dir still exists after eviction: %v", err)
	}
}

func TestStore_ReviveHandles(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tmpDir := t.TempDir()

	current := filepath.Join(tmpDir, "current.png")
	if err := os.WriteFile(current, []byte("png"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	artifact := filepath.Join(tmpDir, "gen.png")
	if err := os.WriteFile(artifact, []byte("png"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	sess := &Session{
		ID:            "sess-1",
		CreatedAt:     time.Now(),
		OriginalImage: filepath.Join(tmpDir, "missing-original.png"),
		CurrentImage:  current,
		Generations: []*Generation{
			{ID: "gen-ok", Status: StatusCompleted, ImagePath: artifact, CreatedAt: time.Now()},
			{ID: "gen-gone", Status: StatusCompleted, ImagePath: filepath.Join(tmpDir, "gone.png"), CreatedAt: time.Now()},
		},
	}
	if err := store.SaveAll(ctx, []*Session{sess}, ""); err != nil {
		t.Fatalf("SaveAll() error = %v", err)
	}

	loaded, _, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := loaded[0]

	if got.ThumbnailPath != current {
		t.Errorf("ThumbnailPath = %q, want current image %q", got.ThumbnailPath, current)
	}
	if url := got.Generation("gen-ok").LocalURL; url != "file://"+filepath.ToSlash(artifact) {
		t.Errorf("LocalURL = %q, want file URL of %q", url, artifact)
	}
	if url := got.Generation("gen-gone").LocalURL; url != "" {
		t.Errorf("LocalURL for missing bytes = %q, want empty", url)
	}
}

func TestStore_ReviveThumbnailFallsBackToOriginal(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	tmpDir := t.TempDir()

	original := filepath.Join(tmpDir, "original.png")
	if err := os.WriteFile(original, []byte("png"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	sess := &Session{
		ID:            "sess-1",
		CreatedAt:     time.Now(),
		OriginalImage: original,
		CurrentImage:  filepath.Join(tmpDir, "missing-current.png"),
	}
	if err := store.SaveAll(ctx, []*Session{sess}, ""); err != nil {
		t.Fatalf("SaveAll() error = %v", err)
	}

	loaded, _, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded[0].ThumbnailPath != original {
		t.Errorf("ThumbnailPath = %q, want fallback to %q", loaded[0].ThumbnailPath, original)
	}
}

func TestStore_Meta(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	got, err := store.GetMeta(ctx, "missing")
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if got != "" {
		t.Errorf("GetMeta(missing) = %q, want empty", got)
	}

	if err := store.SetMeta(ctx, metaLastPrediction, "pred-1"); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}
	if err := store.SetMeta(ctx, metaLastPrediction, "pred-2"); err != nil {
		t.Fatalf("SetMeta() overwrite error = %v", err)
	}

	got, err = store.GetMeta(ctx, metaLastPrediction)
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if got != "pred-2" {
		t.Errorf("GetMeta() = %q, want %q", got, "pred-2")
	}
}
