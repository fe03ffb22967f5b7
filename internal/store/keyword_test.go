package store

import (
	"testing"

	"github.com/saeed-khosravi/fabula/internal/memory"
)

func TestKeywordIndexSearch(t *testing.T) {
	k := NewKeywordIndex()
	tenant := memory.Tenant{UserID: "u", ProjectID: "p"}

	docs := []memory.Memory{
		{ID: "m1", Title: "Hook: mystery", Content: "the lighthouse keeper has vanished", Tags: []string{"hook"}},
		{ID: "m2", Title: "Plot point", Content: "a storm closes the harbor", Tags: []string{"plot_point"}},
	}
	for _, m := range docs {
		if err := k.Index(tenant, m); err != nil {
			t.Fatalf("index %s: %v", m.ID, err)
		}
	}

	hits, err := k.Search(tenant, "lighthouse", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "m1" {
		t.Fatalf("hits = %+v, want m1", hits)
	}
	if hits[0].Score <= 0 {
		t.Fatalf("zero score for matching hit")
	}
}

func TestKeywordIndexCachesRecords(t *testing.T) {
	k := NewKeywordIndex()
	tenant := memory.Tenant{UserID: "u", ProjectID: "p"}

	m := memory.Memory{
		ID:            "m1",
		Content:       "the keeper's log ends mid-sentence",
		Importance:    0.7,
		OriginChapter: memory.ChapterRef{ID: "ch-2", Number: 2},
		Embedding:     []float32{0.1, 0.2},
	}
	if err := k.Index(tenant, m); err != nil {
		t.Fatalf("index: %v", err)
	}

	got := k.Cached(tenant, []string{"m1", "unknown"})
	if len(got) != 1 || got[0].ID != "m1" || got[0].Content != m.Content {
		t.Fatalf("cached = %+v", got)
	}
	if got[0].Embedding != nil {
		t.Fatalf("cache should not retain vectors")
	}

	if err := k.Delete(tenant, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := k.Cached(tenant, []string{"m1"}); len(got) != 0 {
		t.Fatalf("deleted record still cached: %+v", got)
	}
}

func TestKeywordIndexRecent(t *testing.T) {
	k := NewKeywordIndex()
	tenant := memory.Tenant{UserID: "u", ProjectID: "p"}

	records := []memory.Memory{
		{ID: "old", Importance: 0.9, OriginChapter: memory.ChapterRef{Number: 1}},
		{ID: "b", Importance: 0.6, OriginChapter: memory.ChapterRef{Number: 3}},
		{ID: "a", Importance: 0.6, OriginChapter: memory.ChapterRef{Number: 3}},
		{ID: "weak", Importance: 0.3, OriginChapter: memory.ChapterRef{Number: 3}},
		{ID: "strong", Importance: 0.8, OriginChapter: memory.ChapterRef{Number: 2}},
	}
	for _, m := range records {
		if err := k.Index(tenant, m); err != nil {
			t.Fatalf("index %s: %v", m.ID, err)
		}
	}

	got := k.Recent(tenant, 2, 4, 0.5)
	// Chapter desc, importance desc, id asc; "old" is outside the window and
	// "weak" below the floor.
	want := []string{"a", "b", "strong"}
	ids := make([]string, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if len(ids) != len(want) {
		t.Fatalf("recent = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("recent = %v, want %v", ids, want)
		}
	}
}

func TestKeywordIndexTenantIsolation(t *testing.T) {
	k := NewKeywordIndex()
	a := memory.Tenant{UserID: "u1", ProjectID: "p1"}
	b := memory.Tenant{UserID: "u2", ProjectID: "p2"}

	if err := k.Index(a, memory.Memory{ID: "m1", Content: "a secret passage behind the shelf"}); err != nil {
		t.Fatalf("index: %v", err)
	}

	hits, err := k.Search(b, "secret passage", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("tenant b sees tenant a's documents: %+v", hits)
	}
}

func TestKeywordIndexDelete(t *testing.T) {
	k := NewKeywordIndex()
	tenant := memory.Tenant{UserID: "u", ProjectID: "p"}

	if err := k.Index(tenant, memory.Memory{ID: "m1", Content: "an unopened letter"}); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := k.Delete(tenant, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	hits, err := k.Search(tenant, "letter", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("deleted document still returned: %+v", hits)
	}
}

func TestKeywordIndexDropTenant(t *testing.T) {
	k := NewKeywordIndex()
	tenant := memory.Tenant{UserID: "u", ProjectID: "p"}

	if err := k.Index(tenant, memory.Memory{ID: "m1", Content: "the raven taps at the window"}); err != nil {
		t.Fatalf("index: %v", err)
	}
	k.DropTenant(tenant)

	hits, err := k.Search(tenant, "raven", 5)
	if err != nil {
		t.Fatalf("search after drop: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("dropped tenant still has documents: %+v", hits)
	}
	if got := k.Cached(tenant, []string{"m1"}); len(got) != 0 {
		t.Fatalf("dropped tenant still has cached records: %+v", got)
	}
}
