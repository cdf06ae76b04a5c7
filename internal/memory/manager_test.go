package memory

import (
	"context"
	"testing"
	"time"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAddAssignsIDAndPersists(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	e := &Entry{Kind: KindError, Content: "浏览器截图超时，应先等待页面加载"}
	if err := m.Add(context.Background(), e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e.ID == "" {
		t.Error("Add did not assign an ID")
	}
	if e.CreatedAt.IsZero() {
		t.Error("Add did not stamp CreatedAt")
	}

	// A fresh manager over the same directory sees the entry.
	m2, err := NewManager(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := len(m2.All()); got != 1 {
		t.Fatalf("reloaded entries = %d, want 1", got)
	}
	if m2.All()[0].Content != e.Content {
		t.Errorf("reloaded content = %q", m2.All()[0].Content)
	}
}

func TestAddRejectsEmptyContent(t *testing.T) {
	m := newTestManager(t)
	if err := m.Add(context.Background(), &Entry{Content: "   "}); err == nil {
		t.Error("Add accepted blank content")
	}
}

func TestSearchRanksByKeywordOverlap(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	entries := []*Entry{
		{Kind: KindFact, Content: "user prefers replies in chinese"},
		{Kind: KindError, Content: "shell timeout when running npm install", Tags: []string{"timeout"}},
		{Kind: KindError, Content: "browser navigation failed with timeout on slow pages"},
	}
	for _, e := range entries {
		if err := m.Add(ctx, e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got := m.Search(ctx, "timeout", 10)
	if len(got) != 2 {
		t.Fatalf("Search returned %d entries, want 2", len(got))
	}
	// Tag hit weighs double, so the npm entry ranks first.
	if got[0].Content != entries[1].Content {
		t.Errorf("top hit = %q, want npm timeout entry", got[0].Content)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	m := newTestManager(t)
	if got := m.Search(context.Background(), "   ", 5); got != nil {
		t.Errorf("Search on blank query = %v, want nil", got)
	}
}

func TestMaxEntriesEvictsOldest(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	m := newTestManager(t, WithMaxEntries(2), WithNow(func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Minute)
	}))
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		if err := m.Add(ctx, &Entry{Content: content}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	all := m.All()
	if len(all) != 2 {
		t.Fatalf("entries = %d, want 2", len(all))
	}
	if all[0].Content != "second" || all[1].Content != "third" {
		t.Errorf("kept %q and %q, want second and third", all[0].Content, all[1].Content)
	}
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	e := &Entry{Content: "to be removed"}
	if err := m.Add(ctx, e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Delete(ctx, e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := len(m.All()); got != 0 {
		t.Errorf("entries after delete = %d, want 0", got)
	}
	// Unknown ID is a no-op.
	if err := m.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete unknown id: %v", err)
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.Add(ctx, &Entry{Kind: KindError, Content: "a"})
	m.Add(ctx, &Entry{Kind: KindError, Content: "b"})
	m.Add(ctx, &Entry{Kind: KindPreference, Content: "c"})

	s := m.Stats()
	if s.TotalEntries != 3 {
		t.Errorf("TotalEntries = %d, want 3", s.TotalEntries)
	}
	if s.ByKind[KindError] != 2 || s.ByKind[KindPreference] != 1 {
		t.Errorf("ByKind = %v", s.ByKind)
	}
}
