package assembler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/saeed-khosravi/fabula/internal/memory"
	"github.com/saeed-khosravi/fabula/internal/store"
)

// Default strategy bounds, overridable through Options.
const (
	defaultRecencyWindow   = 3
	defaultSemanticTopK    = 10
	defaultCharacterTopK   = 8
	defaultPlotTopK        = 5
	defaultStrategyTimeout = 5 * time.Second

	recencyMinImportance  = 0.5
	semanticMinImportance = 0.4
	plotMinImportance     = 0.7
)

type assemblerStore interface {
	Scan(ctx context.Context, tenant memory.Tenant, f store.Filter) ([]memory.Memory, error)
	Search(ctx context.Context, tenant memory.Tenant, vector []float32, f store.Filter, topK int) ([]store.SearchResult, error)
	GetMany(ctx context.Context, tenant memory.Tenant, ids []string) ([]memory.Memory, error)
}

type keywordSearcher interface {
	Search(tenant memory.Tenant, query string, topK int) ([]store.KeywordHit, error)
	Cached(tenant memory.Tenant, ids []string) []memory.Memory
	Recent(tenant memory.Tenant, from, before int, minImportance float64) []memory.Memory
}

type embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Options tune the five retrieval strategies.
type Options struct {
	RecencyWindow   int
	SemanticTopK    int
	CharacterTopK   int
	PlotPointTopK   int
	StrategyTimeout time.Duration
}

func (o Options) normalize() Options {
	if o.RecencyWindow <= 0 {
		o.RecencyWindow = defaultRecencyWindow
	}
	if o.SemanticTopK <= 0 {
		o.SemanticTopK = defaultSemanticTopK
	}
	if o.CharacterTopK <= 0 {
		o.CharacterTopK = defaultCharacterTopK
	}
	if o.PlotPointTopK <= 0 {
		o.PlotPointTopK = defaultPlotTopK
	}
	if o.StrategyTimeout <= 0 {
		o.StrategyTimeout = defaultStrategyTimeout
	}
	return o
}

// Assembler runs the five retrieval strategies and fuses their candidates
// into one bounded, deterministic context bundle.
type Assembler struct {
	store    assemblerStore
	keywords keywordSearcher
	provider embedder
	opts     Options
	logger   *log.Logger

	strategyFails otelmetric.Int64Counter
	latency       otelmetric.Float64Histogram
	bundleSize    otelmetric.Int64Histogram
}

// New constructs an assembler. keywords and provider may be nil; the
// semantic strategy then degrades or sits out entirely.
func New(st assemblerStore, kw keywordSearcher, provider embedder, opts Options, logger *log.Logger) *Assembler {
	if logger == nil {
		logger = log.New(log.Writer(), "[ASSEMBLE] ", log.LstdFlags)
	}
	a := &Assembler{store: st, keywords: kw, provider: provider, opts: opts.normalize(), logger: logger}
	meter := otel.Meter("fabula/assembler")
	var err error
	a.strategyFails, err = meter.Int64Counter("strategy_failures")
	if err != nil {
		logger.Printf("otel counter strategy_failures: %v", err)
	}
	a.latency, err = meter.Float64Histogram("assemble_latency_ms", otelmetric.WithUnit("ms"))
	if err != nil {
		logger.Printf("otel histogram assemble_latency_ms: %v", err)
	}
	a.bundleSize, err = meter.Int64Histogram("bundle_items")
	if err != nil {
		logger.Printf("otel histogram bundle_items: %v", err)
	}
	return a
}

// candidate is one strategy's nomination.
type candidate struct {
	mem        memory.Memory
	similarity float64
}

type strategyResult struct {
	strategy   memory.Strategy
	candidates []candidate
	err        error
}

// Assemble runs all five strategies concurrently, each under its own
// timeout, and merges whatever completed. A failing strategy contributes an
// empty result and a warning; the call itself only fails on bad input.
// Given unchanged store state and identical arguments, the returned bundle
// has identical composition and ordering.
func (a *Assembler) Assemble(ctx context.Context, tenant memory.Tenant, targetChapter int, characterNames []string, themeHint string, tokenBudget int) (memory.ContextBundle, error) {
	start := time.Now()
	defer func() {
		if a.latency != nil {
			a.latency.Record(ctx, time.Since(start).Seconds()*1000)
		}
	}()
	if err := tenant.Validate(); err != nil {
		return memory.ContextBundle{}, err
	}
	if targetChapter <= 0 {
		return memory.ContextBundle{}, fmt.Errorf("target chapter must be positive")
	}
	if tokenBudget <= 0 {
		tokenBudget = 4000
	}

	runs := []struct {
		strategy memory.Strategy
		fn       func(context.Context) ([]candidate, error)
	}{
		{memory.StrategyRecency, func(c context.Context) ([]candidate, error) { return a.recency(c, tenant, targetChapter) }},
		{memory.StrategySemantic, func(c context.Context) ([]candidate, error) { return a.semantic(c, tenant, themeHint) }},
		{memory.StrategyOpenForeshadow, func(c context.Context) ([]candidate, error) { return a.openForeshadows(c, tenant) }},
		{memory.StrategyCharacters, func(c context.Context) ([]candidate, error) { return a.characters(c, tenant, characterNames) }},
		{memory.StrategyPlotPoints, func(c context.Context) ([]candidate, error) { return a.plotPoints(c, tenant) }},
	}

	results := make([]strategyResult, len(runs))
	done := make(chan int, len(runs))
	for i, run := range runs {
		i, run := i, run
		go func() {
			sctx, cancel := context.WithTimeout(ctx, a.opts.StrategyTimeout)
			defer cancel()
			cands, err := run.fn(sctx)
			if err == nil && sctx.Err() != nil {
				err = sctx.Err()
			}
			results[i] = strategyResult{strategy: run.strategy, candidates: cands, err: err}
			done <- i
		}()
	}
	for range runs {
		<-done
	}

	bundle := memory.ContextBundle{
		TargetChapter: targetChapter,
		Budget:        tokenBudget,
		StrategyHits:  make(map[memory.Strategy]int, len(runs)),
	}
	for _, res := range results {
		if res.err != nil {
			bundle.Warnings = append(bundle.Warnings, a.describeFailure(ctx, res.strategy, res.err))
			continue
		}
		bundle.StrategyHits[res.strategy] = len(res.candidates)
	}

	a.fuse(&bundle, results)
	if a.bundleSize != nil {
		a.bundleSize.Record(ctx, int64(len(bundle.Items)))
	}
	return bundle, nil
}

func (a *Assembler) describeFailure(ctx context.Context, s memory.Strategy, err error) string {
	kind := "error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
		err = fmt.Errorf("%w: %s exceeded its time budget", memory.ErrRetrievalTimeout, s)
	case errors.Is(err, memory.ErrStore):
		kind = "store"
	}
	a.logger.Printf("warn: strategy %s contributed nothing: %v", s, err)
	if a.strategyFails != nil {
		a.strategyFails.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("strategy", string(s)),
			attribute.String("kind", kind),
		))
	}
	return fmt.Sprintf("strategy %s: %v", s, err)
}

// recency: memories from the last few chapters before the target, important
// enough to still matter. Needs no vectors, and when the store itself is
// unreachable it answers from the in-process record cache, so a store
// outage never empties the bundle.
func (a *Assembler) recency(ctx context.Context, tenant memory.Tenant, targetChapter int) ([]candidate, error) {
	from := targetChapter - a.opts.RecencyWindow
	if from < 1 {
		from = 1
	}
	ms, err := a.store.Scan(ctx, tenant, store.Filter{
		ChapterFrom:   from,
		ChapterBefore: targetChapter,
		MinImportance: recencyMinImportance,
		OrderBy:       store.OrderChapterDesc,
	})
	if err != nil {
		if errors.Is(err, memory.ErrStore) && a.keywords != nil {
			a.logger.Printf("warn: recency scan failed, serving cached records: %v", err)
			return plain(a.keywords.Recent(tenant, from, targetChapter, recencyMinImportance)), nil
		}
		return nil, err
	}
	return plain(ms), nil
}

// semantic: vector search over an embedded theme hint, degrading to the
// keyword index when the provider cannot produce a query vector.
func (a *Assembler) semantic(ctx context.Context, tenant memory.Tenant, themeHint string) ([]candidate, error) {
	themeHint = strings.TrimSpace(themeHint)
	if themeHint == "" {
		return nil, nil
	}
	if a.provider != nil {
		vecs, err := a.provider.CreateEmbedding(ctx, []string{themeHint})
		if err == nil && len(vecs) == 1 {
			hits, searchErr := a.store.Search(ctx, tenant, vecs[0], store.Filter{
				MinImportance: semanticMinImportance,
			}, a.opts.SemanticTopK)
			if searchErr != nil {
				if errors.Is(searchErr, memory.ErrStore) && a.keywords != nil {
					a.logger.Printf("warn: vector search failed, falling back to keywords: %v", searchErr)
					return a.keywordFallback(ctx, tenant, themeHint)
				}
				return nil, searchErr
			}
			out := make([]candidate, 0, len(hits))
			for _, h := range hits {
				out = append(out, candidate{mem: h.Memory, similarity: h.Similarity})
			}
			return out, nil
		}
		a.logger.Printf("warn: %v: semantic query embedding failed, falling back to keywords: %v", memory.ErrEmbedding, err)
	}
	return a.keywordFallback(ctx, tenant, themeHint)
}

func (a *Assembler) keywordFallback(ctx context.Context, tenant memory.Tenant, query string) ([]candidate, error) {
	if a.keywords == nil {
		return nil, nil
	}
	hits, err := a.keywords.Search(tenant, query, a.opts.SemanticTopK)
	if err != nil || len(hits) == 0 {
		return nil, err
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	ms, err := a.store.GetMany(ctx, tenant, ids)
	if err != nil {
		if !errors.Is(err, memory.ErrStore) {
			return nil, err
		}
		a.logger.Printf("warn: keyword hit hydration failed, serving cached records: %v", err)
		ms = a.keywords.Cached(tenant, ids)
	}
	var out []candidate
	for _, m := range ms {
		if m.Importance < semanticMinImportance {
			continue
		}
		out = append(out, candidate{mem: m})
	}
	return out, nil
}

// openForeshadows: every planted foreshadow, oldest first — the longer one
// has been waiting, the more due its payoff.
func (a *Assembler) openForeshadows(ctx context.Context, tenant memory.Tenant) ([]candidate, error) {
	ms, err := a.store.Scan(ctx, tenant, store.Filter{
		Types:           []memory.Type{memory.TypeForeshadow},
		ForeshadowState: memory.ForeshadowPlanted,
		OrderBy:         store.OrderChapterAsc,
	})
	if err != nil {
		return nil, err
	}
	return plain(ms), nil
}

// characters: memories touching any of the named characters.
func (a *Assembler) characters(ctx context.Context, tenant memory.Tenant, names []string) ([]candidate, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ms, err := a.store.Scan(ctx, tenant, store.Filter{
		Characters: names,
		Limit:      a.opts.CharacterTopK,
		OrderBy:    store.OrderImportanceDesc,
	})
	if err != nil {
		return nil, err
	}
	return plain(ms), nil
}

// plotPoints: the high-importance structural beats.
func (a *Assembler) plotPoints(ctx context.Context, tenant memory.Tenant) ([]candidate, error) {
	ms, err := a.store.Scan(ctx, tenant, store.Filter{
		Types:         []memory.Type{memory.TypePlotPoint},
		MinImportance: plotMinImportance,
		Limit:         a.opts.PlotPointTopK,
		OrderBy:       store.OrderImportanceDesc,
	})
	if err != nil {
		return nil, err
	}
	return plain(ms), nil
}

// fuse deduplicates candidates across strategies, ranks them by the stable
// composite key (importance desc, origin chapter desc, id asc) and fills
// the budget greedily while guaranteeing one slot to every strategy that
// returned anything, so no strategy is silently starved.
func (a *Assembler) fuse(bundle *memory.ContextBundle, results []strategyResult) {
	merged := make(map[string]*memory.BundleItem)
	var order []string
	for _, res := range results {
		if res.err != nil {
			continue
		}
		for _, cand := range res.candidates {
			item, ok := merged[cand.mem.ID]
			if !ok {
				item = &memory.BundleItem{Memory: cand.mem}
				merged[cand.mem.ID] = item
				order = append(order, cand.mem.ID)
			}
			item.Strategies = append(item.Strategies, res.strategy)
			if cand.similarity > item.Similarity {
				item.Similarity = cand.similarity
			}
		}
	}
	if len(merged) == 0 {
		return
	}

	ranked := make([]*memory.BundleItem, 0, len(merged))
	for _, id := range order {
		ranked = append(ranked, merged[id])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		x, y := ranked[i], ranked[j]
		if x.Memory.Importance != y.Memory.Importance {
			return x.Memory.Importance > y.Memory.Importance
		}
		if x.Memory.OriginChapter.Number != y.Memory.OriginChapter.Number {
			return x.Memory.OriginChapter.Number > y.Memory.OriginChapter.Number
		}
		return x.Memory.ID < y.Memory.ID
	})

	// Diversity pass: each strategy that nominated anything gets its
	// best-ranked nomination in, budget notwithstanding.
	selected := make(map[string]struct{})
	used := 0
	for _, s := range memory.Strategies {
		for _, item := range ranked {
			if !contributed(item, s) {
				continue
			}
			if _, ok := selected[item.Memory.ID]; !ok {
				selected[item.Memory.ID] = struct{}{}
				used += item.Cost()
			}
			break
		}
	}
	// Greedy pass over the global ranking.
	for _, item := range ranked {
		if _, ok := selected[item.Memory.ID]; ok {
			continue
		}
		cost := item.Cost()
		if used+cost > bundle.Budget {
			continue
		}
		selected[item.Memory.ID] = struct{}{}
		used += cost
	}

	for _, item := range ranked {
		if _, ok := selected[item.Memory.ID]; ok {
			bundle.Items = append(bundle.Items, *item)
		}
	}
	bundle.BudgetUsed = used
}

func contributed(item *memory.BundleItem, s memory.Strategy) bool {
	for _, have := range item.Strategies {
		if have == s {
			return true
		}
	}
	return false
}

func plain(ms []memory.Memory) []candidate {
	out := make([]candidate, 0, len(ms))
	for _, m := range ms {
		out = append(out, candidate{mem: m})
	}
	return out
}

var _ assemblerStore = (*store.Store)(nil)
var _ keywordSearcher = (*store.KeywordIndex)(nil)
