package assembler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/saeed-khosravi/fabula/internal/memory"
	"github.com/saeed-khosravi/fabula/internal/store"
)

var testTenant = memory.Tenant{UserID: "u", ProjectID: "p"}

// fakeStore routes each Scan to a canned response keyed by what the filter
// asks for, mirroring how the real store serves the strategies.
type fakeStore struct {
	recency     []memory.Memory
	foreshadows []memory.Memory
	characters  []memory.Memory
	plotPoints  []memory.Memory
	searchHits  []store.SearchResult
	byID        map[string]memory.Memory

	searchErr  error
	scanErr    error
	getManyErr error
	scanDelay  time.Duration
}

func (f *fakeStore) Scan(ctx context.Context, _ memory.Tenant, flt store.Filter) ([]memory.Memory, error) {
	if f.scanDelay > 0 {
		select {
		case <-time.After(f.scanDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	switch {
	case flt.ForeshadowState == memory.ForeshadowPlanted:
		return f.foreshadows, nil
	case len(flt.Characters) > 0:
		return f.characters, nil
	case len(flt.Types) == 1 && flt.Types[0] == memory.TypePlotPoint:
		return f.plotPoints, nil
	default:
		return f.recency, nil
	}
}

func (f *fakeStore) Search(_ context.Context, _ memory.Tenant, _ []float32, _ store.Filter, _ int) ([]store.SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchHits, nil
}

func (f *fakeStore) GetMany(_ context.Context, _ memory.Tenant, ids []string) ([]memory.Memory, error) {
	if f.getManyErr != nil {
		return nil, f.getManyErr
	}
	var out []memory.Memory
	for _, id := range ids {
		if m, ok := f.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeKeywords struct {
	hits   []store.KeywordHit
	err    error
	cached map[string]memory.Memory
	recent []memory.Memory
}

func (f *fakeKeywords) Search(_ memory.Tenant, _ string, _ int) ([]store.KeywordHit, error) {
	return f.hits, f.err
}

func (f *fakeKeywords) Cached(_ memory.Tenant, ids []string) []memory.Memory {
	var out []memory.Memory
	for _, id := range ids {
		if m, ok := f.cached[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeKeywords) Recent(_ memory.Tenant, _, _ int, _ float64) []memory.Memory {
	return f.recent
}

func mem(id string, imp float64, chapter int, content string) memory.Memory {
	return memory.Memory{
		ID:            id,
		Type:          memory.TypePlotPoint,
		Content:       content,
		Importance:    imp,
		OriginChapter: memory.ChapterRef{ID: "ch", Number: chapter},
	}
}

func itemIDs(b memory.ContextBundle) []string {
	out := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		out = append(out, it.Memory.ID)
	}
	return out
}

func TestAssembleRankingAndDedup(t *testing.T) {
	shared := mem("shared", 0.9, 2, "s")
	fs := &fakeStore{
		recency:    []memory.Memory{shared, mem("r1", 0.6, 3, "r")},
		plotPoints: []memory.Memory{shared, mem("p1", 0.8, 1, "p")},
	}
	a := New(fs, nil, &fakeEmbedder{}, Options{}, nil)

	bundle, err := a.Assemble(context.Background(), testTenant, 4, nil, "", 1000)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	// importance desc, so: shared (0.9), p1 (0.8), r1 (0.6).
	want := []string{"shared", "p1", "r1"}
	if got := itemIDs(bundle); !reflect.DeepEqual(got, want) {
		t.Fatalf("ranking = %v, want %v", got, want)
	}
	// The shared memory appears once, tagged by both strategies.
	first := bundle.Items[0]
	if len(first.Strategies) != 2 {
		t.Fatalf("shared item strategies = %v", first.Strategies)
	}
	if bundle.BudgetUsed != 3 {
		t.Fatalf("budget used = %d, want 3", bundle.BudgetUsed)
	}
}

func TestAssembleDeterministic(t *testing.T) {
	fs := &fakeStore{
		recency:     []memory.Memory{mem("b", 0.7, 2, "bb"), mem("a", 0.7, 2, "aa")},
		foreshadows: []memory.Memory{mem("c", 0.7, 1, "cc")},
	}
	a := New(fs, nil, &fakeEmbedder{}, Options{}, nil)

	var prev []string
	for i := 0; i < 5; i++ {
		bundle, err := a.Assemble(context.Background(), testTenant, 3, nil, "", 100)
		if err != nil {
			t.Fatalf("assemble: %v", err)
		}
		ids := itemIDs(bundle)
		if prev != nil && !reflect.DeepEqual(ids, prev) {
			t.Fatalf("ordering not stable: %v vs %v", ids, prev)
		}
		prev = ids
	}
	// Equal importance: later chapter wins, then lexicographic ID.
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(prev, want) {
		t.Fatalf("ordering = %v, want %v", prev, want)
	}
}

func TestAssembleBudgetWithStrategyDiversity(t *testing.T) {
	fs := &fakeStore{
		recency:     []memory.Memory{mem("r1", 0.9, 3, strings.Repeat("r", 80))},
		foreshadows: []memory.Memory{mem("f1", 0.2, 1, strings.Repeat("f", 80))},
		plotPoints:  []memory.Memory{mem("p1", 0.8, 2, strings.Repeat("p", 80))},
	}
	a := New(fs, nil, &fakeEmbedder{}, Options{}, nil)

	// Budget fits barely one item, yet each contributing strategy keeps its
	// best nomination.
	bundle, err := a.Assemble(context.Background(), testTenant, 4, nil, "", 100)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	want := []string{"r1", "p1", "f1"}
	if got := itemIDs(bundle); !reflect.DeepEqual(got, want) {
		t.Fatalf("items = %v, want every strategy represented as %v", got, want)
	}
}

func TestAssembleBudgetCutsLowRanked(t *testing.T) {
	fs := &fakeStore{
		recency: []memory.Memory{
			mem("r1", 0.9, 3, strings.Repeat("x", 60)),
			mem("r2", 0.8, 3, strings.Repeat("x", 60)),
			mem("r3", 0.7, 3, strings.Repeat("x", 60)),
		},
	}
	a := New(fs, nil, &fakeEmbedder{}, Options{}, nil)

	bundle, err := a.Assemble(context.Background(), testTenant, 4, nil, "", 130)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	// r1 is the strategy's reserved pick; r2 fits; r3 would overflow.
	want := []string{"r1", "r2"}
	if got := itemIDs(bundle); !reflect.DeepEqual(got, want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	if bundle.BudgetUsed != 120 {
		t.Fatalf("budget used = %d, want 120", bundle.BudgetUsed)
	}
}

func TestAssembleSemanticContributesSimilarity(t *testing.T) {
	hit := mem("s1", 0.5, 2, "sem")
	fs := &fakeStore{
		searchHits: []store.SearchResult{{Memory: hit, Distance: 0.2, Similarity: 0.8}},
	}
	a := New(fs, nil, &fakeEmbedder{}, Options{}, nil)

	bundle, err := a.Assemble(context.Background(), testTenant, 3, nil, "betrayal at the summit", 1000)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(bundle.Items) != 1 || bundle.Items[0].Similarity != 0.8 {
		t.Fatalf("semantic similarity lost: %+v", bundle.Items)
	}
	if bundle.StrategyHits[memory.StrategySemantic] != 1 {
		t.Fatalf("strategy hits = %v", bundle.StrategyHits)
	}
}

func TestAssembleSemanticKeywordFallback(t *testing.T) {
	kwMem := mem("k1", 0.6, 2, "keyword hit")
	fs := &fakeStore{byID: map[string]memory.Memory{"k1": kwMem}}
	kw := &fakeKeywords{hits: []store.KeywordHit{{ID: "k1", Score: 1.5}}}
	a := New(fs, kw, &fakeEmbedder{err: errors.New("provider down")}, Options{}, nil)

	bundle, err := a.Assemble(context.Background(), testTenant, 3, nil, "storm", 1000)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got := itemIDs(bundle); !reflect.DeepEqual(got, []string{"k1"}) {
		t.Fatalf("fallback items = %v", got)
	}
}

func TestAssembleSurvivesStoreOutage(t *testing.T) {
	storeDown := fmt.Errorf("dial tcp: connection refused: %w", memory.ErrStore)
	fs := &fakeStore{scanErr: storeDown, searchErr: storeDown, getManyErr: storeDown}

	r1 := mem("r1", 0.8, 3, "the keeper has vanished from the tower")
	k1 := mem("k1", 0.6, 1, "a lantern flickers in the fog")
	kw := store.NewKeywordIndex()
	for _, m := range []memory.Memory{r1, k1} {
		if err := kw.Index(testTenant, m); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	a := New(fs, kw, &fakeEmbedder{}, Options{}, nil)

	bundle, err := a.Assemble(context.Background(), testTenant, 4, nil, "lantern", 1000)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	// Recency answers from the record cache; the semantic strategy falls
	// through keyword search and hydrates from the same cache.
	want := []string{"r1", "k1"}
	if got := itemIDs(bundle); !reflect.DeepEqual(got, want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	if bundle.StrategyHits[memory.StrategyRecency] != 2 {
		t.Fatalf("strategy hits = %v", bundle.StrategyHits)
	}
}

func TestAssembleStrategyFailureIsSoft(t *testing.T) {
	fs := &fakeStore{
		recency: []memory.Memory{mem("r1", 0.8, 3, "r")},
	}
	fs.searchErr = errors.New("index corrupted")
	a := New(fs, nil, &fakeEmbedder{}, Options{}, nil)

	bundle, err := a.Assemble(context.Background(), testTenant, 4, nil, "hint", 1000)
	if err != nil {
		t.Fatalf("assemble should survive a failing strategy: %v", err)
	}
	if len(bundle.Items) == 0 {
		t.Fatalf("surviving strategies contributed nothing")
	}
	found := false
	for _, w := range bundle.Warnings {
		if strings.Contains(w, string(memory.StrategySemantic)) {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing warning for failed strategy: %v", bundle.Warnings)
	}
}

func TestAssembleStrategyTimeout(t *testing.T) {
	fs := &fakeStore{scanDelay: 200 * time.Millisecond}
	a := New(fs, nil, &fakeEmbedder{}, Options{StrategyTimeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	bundle, err := a.Assemble(context.Background(), testTenant, 4, nil, "", 1000)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("assemble waited past the strategy timeout: %v", elapsed)
	}
	if len(bundle.Warnings) == 0 {
		t.Fatalf("timed-out strategies should warn")
	}
	for _, w := range bundle.Warnings {
		if !strings.Contains(w, "time budget") {
			t.Fatalf("unexpected warning %q", w)
		}
	}
}

func TestAssembleRejectsBadInput(t *testing.T) {
	a := New(&fakeStore{}, nil, &fakeEmbedder{}, Options{}, nil)
	if _, err := a.Assemble(context.Background(), memory.Tenant{}, 1, nil, "", 100); err == nil {
		t.Fatalf("empty tenant accepted")
	}
	if _, err := a.Assemble(context.Background(), testTenant, 0, nil, "", 100); err == nil {
		t.Fatalf("target chapter 0 accepted")
	}
}
