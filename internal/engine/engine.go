package engine

import (
	"context"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/saeed-khosravi/fabula/internal/annotate"
	"github.com/saeed-khosravi/fabula/internal/assembler"
	"github.com/saeed-khosravi/fabula/internal/extractor"
	"github.com/saeed-khosravi/fabula/internal/foreshadow"
	"github.com/saeed-khosravi/fabula/internal/memory"
	"github.com/saeed-khosravi/fabula/internal/store"
)

// Engine is the narrative memory facade: analysis ingestion in, context
// bundles and annotations out. All state lives in the store; the engine
// itself is safe for concurrent use across tenants and within one tenant.
type Engine struct {
	store     *store.Store
	keywords  *store.KeywordIndex
	extractor *extractor.Extractor
	tracker   *foreshadow.Tracker
	assembler *assembler.Assembler
	logger    *log.Logger

	ingests   otelmetric.Int64Counter
	assembles otelmetric.Int64Counter
}

// New wires the engine from its parts.
func New(st *store.Store, kw *store.KeywordIndex, ex *extractor.Extractor, tr *foreshadow.Tracker, as *assembler.Assembler, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	e := &Engine{store: st, keywords: kw, extractor: ex, tracker: tr, assembler: as, logger: logger}
	meter := otel.Meter("fabula/engine")
	var err error
	e.ingests, err = meter.Int64Counter("chapter_ingests")
	if err != nil {
		logger.Printf("otel counter chapter_ingests: %v", err)
	}
	e.assembles, err = meter.Int64Counter("context_assemblies")
	if err != nil {
		logger.Printf("otel counter context_assemblies: %v", err)
	}
	return e
}

// IngestChapterAnalysis distills one completed chapter's analysis into
// memories. Called once per completed chapter analysis; calling it again
// with the same input is a no-op thanks to content-hash+position dedup.
func (e *Engine) IngestChapterAnalysis(ctx context.Context, tenant memory.Tenant, chapter memory.ChapterRef, chapterText string, analysis memory.ChapterAnalysis) (extractor.Result, error) {
	res, err := e.extractor.Ingest(ctx, tenant, chapter, chapterText, analysis)
	if err == nil && e.ingests != nil {
		e.ingests.Add(ctx, 1)
	}
	return res, err
}

// AssembleContext builds the ranked, budget-bounded bundle consumed by
// prompt construction for the next chapter.
func (e *Engine) AssembleContext(ctx context.Context, tenant memory.Tenant, targetChapter int, characterNames []string, themeHint string, tokenBudget int) (memory.ContextBundle, error) {
	bundle, err := e.assembler.Assemble(ctx, tenant, targetChapter, characterNames, themeHint, tokenBudget)
	if err == nil && e.assembles != nil {
		e.assembles.Add(ctx, 1)
	}
	return bundle, err
}

// GetAnnotations returns non-overlapping display spans for one chapter.
// Chapter persistence belongs to the surrounding system, so the caller
// supplies the raw text the offsets refer to.
func (e *Engine) GetAnnotations(ctx context.Context, tenant memory.Tenant, chapterID, chapterText string) ([]annotate.Span, error) {
	if strings.TrimSpace(chapterID) == "" {
		return nil, memory.ErrNotFound
	}
	ms, err := e.store.Scan(ctx, tenant, store.Filter{ChapterID: chapterID})
	if err != nil {
		return nil, err
	}
	return annotate.MapAnnotations(chapterText, ms), nil
}

// ResolveForeshadow exposes the lifecycle transition for callers outside
// the ingest path.
func (e *Engine) ResolveForeshadow(ctx context.Context, tenant memory.Tenant, foreshadowID string, resolvingChapter memory.ChapterRef) error {
	return e.tracker.Resolve(ctx, tenant, foreshadowID, resolvingChapter)
}

// OpenForeshadows lists planted foreshadows oldest-first.
func (e *Engine) OpenForeshadows(ctx context.Context, tenant memory.Tenant) ([]memory.Memory, error) {
	return e.tracker.ListOpen(ctx, tenant)
}

// WarmKeywordIndex reloads vectorless records into the keyword index. The
// index is process-local, so records written during an embedding outage
// would otherwise be unfindable after a restart until the re-embed worker
// catches up. Per-tenant failures are logged and skipped.
func (e *Engine) WarmKeywordIndex(ctx context.Context) (int, error) {
	if e.keywords == nil {
		return 0, nil
	}
	tenants, err := e.store.ListTenants(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenant := range tenants {
		ms, err := e.store.Scan(ctx, tenant, store.Filter{VectorlessOnly: true})
		if err != nil {
			e.logger.Printf("warn: warm keyword index for %s/%s: %v", tenant.UserID, tenant.ProjectID, err)
			continue
		}
		for _, m := range ms {
			if err := e.keywords.Index(tenant, m); err != nil {
				e.logger.Printf("warn: reindex %s: %v", m.ID, err)
				continue
			}
			total++
		}
	}
	return total, nil
}

// DeleteProject removes the tenant's collection and keyword index. The
// collection's lifetime is bound to its project.
func (e *Engine) DeleteProject(ctx context.Context, tenant memory.Tenant) error {
	if err := e.store.DeleteTenant(ctx, tenant); err != nil {
		return err
	}
	if e.keywords != nil {
		e.keywords.DropTenant(tenant)
	}
	return nil
}
