package foreshadow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/saeed-khosravi/fabula/internal/memory"
	"github.com/saeed-khosravi/fabula/internal/store"
)

type stubStore struct {
	memories map[string]memory.Memory
	updated  map[string]memory.TypeMetadata
	scanned  []store.Filter
}

func newStubStore(ms ...memory.Memory) *stubStore {
	s := &stubStore{memories: map[string]memory.Memory{}, updated: map[string]memory.TypeMetadata{}}
	for _, m := range ms {
		s.memories[m.ID] = m
	}
	return s
}

func (s *stubStore) Get(_ context.Context, _ memory.Tenant, id string) (memory.Memory, error) {
	m, ok := s.memories[id]
	if !ok {
		return memory.Memory{}, memory.ErrNotFound
	}
	return m, nil
}

// ResolveForeshadow mirrors the real store's conditional write: the update
// only lands while the record is still planted.
func (s *stubStore) ResolveForeshadow(_ context.Context, _ memory.Tenant, id string, patch memory.TypeMetadata) error {
	m, ok := s.memories[id]
	if !ok || m.Metadata.Foreshadow == nil || m.Metadata.Foreshadow.State != memory.ForeshadowPlanted {
		return fmt.Errorf("%w: foreshadow %s is no longer planted", memory.ErrInvalidTransition, id)
	}
	m.Metadata = patch
	s.memories[id] = m
	s.updated[id] = patch
	return nil
}

func (s *stubStore) Scan(_ context.Context, _ memory.Tenant, f store.Filter) ([]memory.Memory, error) {
	s.scanned = append(s.scanned, f)
	var out []memory.Memory
	for _, m := range s.memories {
		if m.Type == memory.TypeForeshadow && m.Metadata.Foreshadow != nil && m.Metadata.Foreshadow.State == memory.ForeshadowPlanted {
			out = append(out, m)
		}
	}
	return out, nil
}

func planted(id string, chapter int) memory.Memory {
	return memory.Memory{
		ID:            id,
		Type:          memory.TypeForeshadow,
		Content:       "an unopened letter",
		Importance:    0.6,
		OriginChapter: memory.ChapterRef{ID: "ch", Number: chapter},
		Metadata:      memory.TypeMetadata{Foreshadow: &memory.ForeshadowMeta{State: memory.ForeshadowPlanted}},
	}
}

var testTenant = memory.Tenant{UserID: "u", ProjectID: "p"}

func TestResolve(t *testing.T) {
	st := newStubStore(planted("fs-1", 3))
	tr := New(st, nil)

	err := tr.Resolve(context.Background(), testTenant, "fs-1", memory.ChapterRef{ID: "ch-7", Number: 7})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	patch, ok := st.updated["fs-1"]
	if !ok || patch.Foreshadow == nil {
		t.Fatalf("metadata not updated")
	}
	if patch.Foreshadow.State != memory.ForeshadowResolved {
		t.Fatalf("state = %q, want resolved", patch.Foreshadow.State)
	}
	if patch.Foreshadow.ResolvedInChapter == nil || patch.Foreshadow.ResolvedInChapter.Number != 7 {
		t.Fatalf("resolved_in_chapter not recorded: %+v", patch.Foreshadow)
	}
}

func TestResolveRejectsEarlierOrSameChapter(t *testing.T) {
	st := newStubStore(planted("fs-1", 5))
	tr := New(st, nil)

	for _, n := range []int{4, 5} {
		err := tr.Resolve(context.Background(), testTenant, "fs-1", memory.ChapterRef{ID: "ch", Number: n})
		if !errors.Is(err, memory.ErrInvalidTransition) {
			t.Fatalf("chapter %d: got %v, want ErrInvalidTransition", n, err)
		}
	}
	if len(st.updated) != 0 {
		t.Fatalf("rejected transition must not write")
	}
}

// staleStore serves reads from a snapshot taken at construction, so two
// interleaved resolvers both observe the planted state no matter who writes
// first. Only the conditional write keeps the second one out.
type staleStore struct {
	*stubStore
	snapshot map[string]memory.Memory
}

func newStaleStore(ms ...memory.Memory) *staleStore {
	s := &staleStore{stubStore: newStubStore(ms...), snapshot: map[string]memory.Memory{}}
	for _, m := range ms {
		s.snapshot[m.ID] = m
	}
	return s
}

func (s *staleStore) Get(_ context.Context, _ memory.Tenant, id string) (memory.Memory, error) {
	m, ok := s.snapshot[id]
	if !ok {
		return memory.Memory{}, memory.ErrNotFound
	}
	return m, nil
}

func TestResolveConcurrentSecondWriterLoses(t *testing.T) {
	st := newStaleStore(planted("fs-1", 3))
	tr := New(st, nil)

	// Both resolvers read the planted record before either writes.
	first := tr.Resolve(context.Background(), testTenant, "fs-1", memory.ChapterRef{ID: "ch-5", Number: 5})
	second := tr.Resolve(context.Background(), testTenant, "fs-1", memory.ChapterRef{ID: "ch-5", Number: 5})

	if first != nil {
		t.Fatalf("first resolve: %v", first)
	}
	if !errors.Is(second, memory.ErrInvalidTransition) {
		t.Fatalf("second resolve got %v, want ErrInvalidTransition", second)
	}
	if len(st.updated) != 1 {
		t.Fatalf("expected exactly one successful write, got %d", len(st.updated))
	}
}

func TestResolveRejectsAlreadyResolved(t *testing.T) {
	m := planted("fs-1", 2)
	m.Metadata.Foreshadow = &memory.ForeshadowMeta{
		State:             memory.ForeshadowResolved,
		ResolvedInChapter: &memory.ChapterRef{ID: "ch-4", Number: 4},
	}
	st := newStubStore(m)
	tr := New(st, nil)

	err := tr.Resolve(context.Background(), testTenant, "fs-1", memory.ChapterRef{ID: "ch-6", Number: 6})
	if !errors.Is(err, memory.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestResolveRejectsNonForeshadow(t *testing.T) {
	m := planted("pp-1", 2)
	m.Type = memory.TypePlotPoint
	m.Metadata = memory.TypeMetadata{PlotPoint: &memory.PlotPointMeta{}}
	st := newStubStore(m)
	tr := New(st, nil)

	err := tr.Resolve(context.Background(), testTenant, "pp-1", memory.ChapterRef{Number: 9})
	if !errors.Is(err, memory.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestResolveMissingForeshadow(t *testing.T) {
	tr := New(newStubStore(), nil)
	err := tr.Resolve(context.Background(), testTenant, "ghost", memory.ChapterRef{Number: 2})
	if !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListOpenFilter(t *testing.T) {
	st := newStubStore(planted("fs-1", 1), planted("fs-2", 4))
	tr := New(st, nil)

	ms, err := tr.ListOpen(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("expected 2 open foreshadows, got %d", len(ms))
	}
	if len(st.scanned) != 1 {
		t.Fatalf("expected one scan")
	}
	f := st.scanned[0]
	if f.ForeshadowState != memory.ForeshadowPlanted || f.OrderBy != store.OrderChapterAsc {
		t.Fatalf("unexpected filter: %+v", f)
	}
}
