package extractor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/saeed-khosravi/fabula/internal/memory"
	"github.com/saeed-khosravi/fabula/internal/queue"
	"github.com/saeed-khosravi/fabula/internal/store"
)

// Producer-side thresholds for converting analysis facts into memories.
// Hooks below minHookStrength and plot points below minPlotImportance are
// analysis noise and are not worth a vector.
const (
	minHookStrength     = 6.0
	minPlotImportance   = 0.6
	characterImportance = 0.7
	summaryImportance   = 0.6
)

type extractorStore interface {
	Upsert(ctx context.Context, tenant memory.Tenant, m memory.Memory) error
	ExistingDedupKeys(ctx context.Context, tenant memory.Tenant, chapterID string, keys []string) (map[string]struct{}, error)
	Delete(ctx context.Context, tenant memory.Tenant, ids []string) error
}

type keywordIndexer interface {
	Index(tenant memory.Tenant, m memory.Memory) error
}

type embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Resolver closes previously planted foreshadows referenced by the analysis.
type Resolver interface {
	Resolve(ctx context.Context, tenant memory.Tenant, foreshadowID string, resolvingChapter memory.ChapterRef) error
}

// Extractor converts one chapter's structured analysis into memory records
// and writes them through the vector store adapter.
type Extractor struct {
	store     extractorStore
	keywords  keywordIndexer
	provider  embedder
	resolver  Resolver
	reembed   *queue.Publisher
	batchSize int
	logger    *log.Logger

	extracted otelmetric.Int64Counter
	skipped   otelmetric.Int64Counter
	deduped   otelmetric.Int64Counter
	latency   otelmetric.Float64Histogram
}

// New constructs an extractor. reembed may be nil when no queue is wired;
// embedding failures then only degrade to keyword indexing.
func New(st extractorStore, kw keywordIndexer, provider embedder, resolver Resolver, reembed *queue.Publisher, batchSize int, logger *log.Logger) *Extractor {
	if batchSize <= 0 {
		batchSize = 32
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags)
	}
	e := &Extractor{
		store:     st,
		keywords:  kw,
		provider:  provider,
		resolver:  resolver,
		reembed:   reembed,
		batchSize: batchSize,
		logger:    logger,
	}
	meter := otel.Meter("fabula/extractor")
	var err error
	e.extracted, err = meter.Int64Counter("memories_extracted")
	if err != nil {
		logger.Printf("otel counter memories_extracted: %v", err)
	}
	e.skipped, err = meter.Int64Counter("memories_skipped")
	if err != nil {
		logger.Printf("otel counter memories_skipped: %v", err)
	}
	e.deduped, err = meter.Int64Counter("memories_deduplicated")
	if err != nil {
		logger.Printf("otel counter memories_deduplicated: %v", err)
	}
	e.latency, err = meter.Float64Histogram("extraction_latency_ms", otelmetric.WithUnit("ms"))
	if err != nil {
		logger.Printf("otel histogram extraction_latency_ms: %v", err)
	}
	return e
}

// Result reports what one ingestion produced.
type Result struct {
	CreatedIDs []string `json:"created_ids"`
	Skipped    int      `json:"skipped"`
	Duplicates int      `json:"duplicates"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Ingest converts the analysis into memories and commits them as a batch.
// Invalid facts are skipped one by one; already-ingested facts are detected
// by their content-hash+position key so re-running the same analysis is
// idempotent. If the batch cannot be committed in full (store failure or
// cancellation) every record written so far is deleted again, so a cancelled
// analysis never leaves partial state behind. Foreshadow-resolution
// violations never abort the batch but are always surfaced in the returned
// error.
func (e *Extractor) Ingest(ctx context.Context, tenant memory.Tenant, chapter memory.ChapterRef, chapterText string, analysis memory.ChapterAnalysis) (res Result, err error) {
	start := time.Now()
	defer func() {
		if e.latency != nil {
			e.latency.Record(ctx, time.Since(start).Seconds()*1000)
		}
	}()
	if err = tenant.Validate(); err != nil {
		return res, err
	}
	if strings.TrimSpace(chapter.ID) == "" || chapter.Number <= 0 {
		return res, fmt.Errorf("chapter reference required")
	}

	candidates, resolves := e.convert(tenant, chapter, chapterText, analysis)

	// Per-record validation: log and skip, never abort the batch.
	valid := candidates[:0]
	for _, m := range candidates {
		if vErr := m.Validate(len(chapterText)); vErr != nil {
			e.logger.Printf("warn: skipping fact for chapter %s: %v", chapter.ID, vErr)
			res.Skipped++
			continue
		}
		valid = append(valid, m)
	}
	if e.skipped != nil && res.Skipped > 0 {
		e.skipped.Add(ctx, int64(res.Skipped))
	}

	fresh, dupes, dedupErr := e.dedupe(ctx, tenant, chapter, valid)
	if dedupErr != nil {
		return res, dedupErr
	}
	res.Duplicates = dupes
	if e.deduped != nil && dupes > 0 {
		e.deduped.Add(ctx, int64(dupes))
	}

	embedWarn := e.embedAll(ctx, fresh)
	if embedWarn != "" {
		res.Warnings = append(res.Warnings, embedWarn)
	}

	written, writeErr := e.commit(ctx, tenant, fresh)
	if writeErr != nil {
		return res, writeErr
	}
	res.CreatedIDs = written
	if e.extracted != nil {
		e.extracted.Add(ctx, int64(len(written)))
	}

	// Explicit foreshadow resolutions happen after the batch is durable.
	var transitionErrs []error
	for _, id := range resolves {
		if e.resolver == nil {
			break
		}
		if rErr := e.resolver.Resolve(ctx, tenant, id, chapter); rErr != nil {
			if errors.Is(rErr, memory.ErrInvalidTransition) {
				transitionErrs = append(transitionErrs, rErr)
				continue
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("resolve foreshadow %s: %v", id, rErr))
			e.logger.Printf("warn: resolve foreshadow %s: %v", id, rErr)
		}
	}
	if len(transitionErrs) > 0 {
		return res, errors.Join(transitionErrs...)
	}
	return res, nil
}

// dedupe drops candidates whose content-hash+position key already exists for
// the chapter, and collapses duplicates inside the batch itself.
func (e *Extractor) dedupe(ctx context.Context, tenant memory.Tenant, chapter memory.ChapterRef, candidates []memory.Memory) ([]memory.Memory, int, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}
	keys := make([]string, 0, len(candidates))
	for i := range candidates {
		candidates[i].DedupKey = memory.DedupKeyFor(candidates[i].Content, candidates[i].Position)
		keys = append(keys, candidates[i].DedupKey)
	}
	existing, err := e.store.ExistingDedupKeys(ctx, tenant, chapter.ID, keys)
	if err != nil {
		return nil, 0, err
	}
	seen := make(map[string]struct{}, len(candidates))
	var (
		fresh []memory.Memory
		dupes int
	)
	for _, m := range candidates {
		if _, ok := existing[m.DedupKey]; ok {
			dupes++
			continue
		}
		if _, ok := seen[m.DedupKey]; ok {
			dupes++
			continue
		}
		seen[m.DedupKey] = struct{}{}
		fresh = append(fresh, m)
	}
	return fresh, dupes, nil
}

// embedAll computes vectors for the batch in provider-sized chunks. On
// provider failure the records stay vectorless, get queued for re-embedding,
// and the batch proceeds: a missing vector degrades retrieval, it does not
// block ingestion.
func (e *Extractor) embedAll(ctx context.Context, ms []memory.Memory) string {
	if len(ms) == 0 || e.provider == nil {
		return ""
	}
	texts := make([]string, len(ms))
	for i := range ms {
		texts[i] = ms[i].Content
	}
	var failed bool
	for startIdx := 0; startIdx < len(texts); startIdx += e.batchSize {
		end := startIdx + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.provider.CreateEmbedding(ctx, texts[startIdx:end])
		if err != nil || len(vecs) != end-startIdx {
			if err == nil {
				err = fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), end-startIdx)
			}
			e.logger.Printf("warn: %v: %v", memory.ErrEmbedding, err)
			failed = true
			continue
		}
		for i := startIdx; i < end; i++ {
			ms[i].Embedding = vecs[i-startIdx]
		}
	}
	if !failed {
		return ""
	}
	return fmt.Sprintf("%v: some memories stored without vectors and queued for re-embedding", memory.ErrEmbedding)
}

// commit upserts the batch, indexing keywords alongside, and rolls the whole
// batch back if any write fails or the caller is cancelled. Rollback uses a
// detached context so a client disconnect cannot strand half a batch.
func (e *Extractor) commit(ctx context.Context, tenant memory.Tenant, ms []memory.Memory) (written []string, err error) {
	defer func() {
		if err == nil || len(written) == 0 {
			return
		}
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if delErr := e.store.Delete(cleanup, tenant, written); delErr != nil {
			e.logger.Printf("warn: rollback of %d memories failed: %v", len(written), delErr)
		}
		written = nil
	}()

	for i := range ms {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			return
		}
		if upErr := e.store.Upsert(ctx, tenant, ms[i]); upErr != nil {
			err = fmt.Errorf("commit batch: %w", upErr)
			return
		}
		written = append(written, ms[i].ID)
		if e.keywords != nil {
			if kwErr := e.keywords.Index(tenant, ms[i]); kwErr != nil {
				e.logger.Printf("warn: keyword index %s: %v", ms[i].ID, kwErr)
			}
		}
		if len(ms[i].Embedding) == 0 && e.reembed != nil {
			if _, qErr := e.reembed.Publish(ctx, queue.ReembedTask{
				Tenant:   tenant,
				MemoryID: ms[i].ID,
				Content:  ms[i].Content,
			}); qErr != nil {
				e.logger.Printf("warn: queue re-embed %s: %v", ms[i].ID, qErr)
			}
		}
	}
	return written, nil
}

// convert maps analysis facts to memory records and collects explicit
// foreshadow resolution references.
func (e *Extractor) convert(tenant memory.Tenant, chapter memory.ChapterRef, chapterText string, analysis memory.ChapterAnalysis) ([]memory.Memory, []string) {
	var (
		out      []memory.Memory
		resolves []string
	)
	base := func() memory.Memory {
		return memory.Memory{
			ID:            uuid.NewString(),
			Tenant:        tenant,
			OriginChapter: chapter,
			Position:      -1,
			CreatedAt:     time.Now().UTC(),
		}
	}

	if summary := strings.TrimSpace(analysis.Summary); summary != "" {
		m := base()
		m.Type = memory.TypeChapterSummary
		m.Title = fmt.Sprintf("Chapter %d summary", chapter.Number)
		m.Content = summary
		m.Importance = summaryImportance
		m.Position = 0
		m.Length = len(summary)
		if m.Length > len(chapterText) && len(chapterText) > 0 {
			m.Length = len(chapterText)
		}
		m.Tags = []string{"summary"}
		out = append(out, m)
	}

	for _, hook := range analysis.Hooks {
		if hook.Strength < minHookStrength {
			continue
		}
		m := base()
		m.Type = memory.TypeHook
		m.Title = fmt.Sprintf("Hook: %s", hook.Kind)
		m.Content = hook.Content
		m.Importance = clamp01(hook.Strength / 10)
		m.Position = hook.Position
		m.Length = hook.Length
		m.Tags = []string{"hook", hook.Kind}
		m.Metadata.Hook = &memory.HookMeta{Strength: hook.Strength}
		out = append(out, m)
	}

	for _, fs := range analysis.Foreshadows {
		if ref := strings.TrimSpace(fs.Resolves); ref != "" {
			resolves = append(resolves, ref)
			continue
		}
		m := base()
		m.Type = memory.TypeForeshadow
		m.Title = "Planted foreshadow"
		m.Content = fs.Content
		m.Importance = clamp01(fs.Strength / 10)
		m.Position = fs.Position
		m.Length = fs.Length
		m.Tags = []string{"foreshadow"}
		m.Metadata.Foreshadow = &memory.ForeshadowMeta{State: memory.ForeshadowPlanted}
		out = append(out, m)
	}

	for _, pp := range analysis.PlotPoints {
		if pp.Importance < minPlotImportance {
			continue
		}
		m := base()
		m.Type = memory.TypePlotPoint
		m.Title = "Plot point"
		m.Content = pp.Content
		m.Importance = pp.Importance
		m.Position = pp.Position
		m.Length = pp.Length
		m.Tags = []string{"plot_point"}
		m.Metadata.PlotPoint = &memory.PlotPointMeta{Impact: pp.Impact}
		out = append(out, m)
	}

	for _, cs := range analysis.CharacterStates {
		name := strings.TrimSpace(cs.Name)
		if name == "" {
			continue
		}
		m := base()
		m.Type = memory.TypeCharacterEvent
		m.Title = fmt.Sprintf("%s changes", name)
		m.Content = characterContent(cs)
		m.Importance = characterImportance
		m.Tags = []string{"character", name}
		m.Metadata.CharacterEvent = &memory.CharacterEventMeta{RelatedCharacters: []string{name}}
		out = append(out, m)
	}

	return out, resolves
}

func characterContent(cs memory.CharacterFact) string {
	var b strings.Builder
	b.WriteString(cs.Name)
	if cs.StateBefore != "" || cs.StateAfter != "" {
		fmt.Fprintf(&b, ": %s -> %s", cs.StateBefore, cs.StateAfter)
	}
	if cs.Change != "" {
		b.WriteString(". ")
		b.WriteString(cs.Change)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ extractorStore = (*store.Store)(nil)
