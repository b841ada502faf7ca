package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	store := testSQLiteStore(t)
	ctx := context.Background()

	for _, prompt := range []string{"first", "second", "third"} {
		if err := store.Append(ctx, "edit", prompt); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	prompts, err := store.List(ctx, "edit")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"third", "second", "first"}
	if len(prompts) != len(want) {
		t.Fatalf("List() = %v, want %v", prompts, want)
	}
	for i := range want {
		if prompts[i] != want[i] {
			t.Errorf("prompts[%d] = %q, want %q", i, prompts[i], want[i])
		}
	}
}

func TestSQLiteStore_DuplicateMovesToFront(t *testing.T) {
	store := testSQLiteStore(t)
	ctx := context.Background()

	for _, prompt := range []string{"a", "b", "c", "a"} {
		if err := store.Append(ctx, "edit", prompt); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	prompts, err := store.List(ctx, "edit")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(prompts) != 3 {
		t.Fatalf("List() = %v, want 3 unique prompts", prompts)
	}
	if prompts[0] != "a" || prompts[1] != "c" || prompts[2] != "b" {
		t.Errorf("List() = %v, want [a c b]", prompts)
	}
}

func TestSQLiteStore_SectionsAreIndependent(t *testing.T) {
	store := testSQLiteStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "edit", "edit prompt"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Append(ctx, "video", "video prompt"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	edits, _ := store.List(ctx, "edit")
	videos, _ := store.List(ctx, "video")
	if len(edits) != 1 || edits[0] != "edit prompt" {
		t.Errorf("edit section = %v", edits)
	}
	if len(videos) != 1 || videos[0] != "video prompt" {
		t.Errorf("video section = %v", videos)
	}
}

func TestSQLiteStore_EmptyPromptIgnored(t *testing.T) {
	store := testSQLiteStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "edit", ""); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	prompts, err := store.List(ctx, "edit")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(prompts) != 0 {
		t.Errorf("List() = %v, want empty", prompts)
	}
}

func TestPush_CapsAtLimit(t *testing.T) {
	var prompts []string
	for i := 0; i < maxPrompts+20; i++ {
		prompts = push(prompts, fmt.Sprintf("prompt-%d", i))
	}

	if len(prompts) != maxPrompts {
		t.Fatalf("len = %d, want %d", len(prompts), maxPrompts)
	}
	if prompts[0] != fmt.Sprintf("prompt-%d", maxPrompts+19) {
		t.Errorf("front = %q, want the newest prompt", prompts[0])
	}
}

func TestList_MissingSection(t *testing.T) {
	store := testSQLiteStore(t)

	prompts, err := store.List(context.Background(), "never-used")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if prompts != nil {
		t.Errorf("List() = %v, want nil", prompts)
	}
}
