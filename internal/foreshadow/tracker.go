package foreshadow

import (
	"context"
	"fmt"
	"log"

	"github.com/saeed-khosravi/fabula/internal/memory"
	"github.com/saeed-khosravi/fabula/internal/store"
)

type trackerStore interface {
	Get(ctx context.Context, tenant memory.Tenant, id string) (memory.Memory, error)
	ResolveForeshadow(ctx context.Context, tenant memory.Tenant, id string, patch memory.TypeMetadata) error
	Scan(ctx context.Context, tenant memory.Tenant, f store.Filter) ([]memory.Memory, error)
}

// Tracker enforces the foreshadow lifecycle: planted at creation, resolved
// exactly once by a strictly later chapter, never reopened. A narrative that
// silently resolved the wrong foreshadow would corrupt the consistency this
// engine exists to protect, so every violation is an error.
type Tracker struct {
	store  trackerStore
	logger *log.Logger
}

// New constructs a tracker over the vector store adapter.
func New(st trackerStore, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(log.Writer(), "[FORESHADOW] ", log.LstdFlags)
	}
	return &Tracker{store: st, logger: logger}
}

// Resolve transitions a planted foreshadow to resolved.
//
// It fails with ErrInvalidTransition when the target is not a foreshadow,
// is already resolved (a second resolve is rejected, not ignored, so
// conflicting analyses surface upstream), or when the resolving chapter
// does not come after the chapter that planted it. The write itself is
// guarded on the planted state in the store, so the checks here can read a
// stale record without letting two concurrent resolves both succeed.
func (t *Tracker) Resolve(ctx context.Context, tenant memory.Tenant, foreshadowID string, resolvingChapter memory.ChapterRef) error {
	m, err := t.store.Get(ctx, tenant, foreshadowID)
	if err != nil {
		return err
	}
	if m.Type != memory.TypeForeshadow || m.Metadata.Foreshadow == nil {
		return fmt.Errorf("%w: memory %s is not a foreshadow", memory.ErrInvalidTransition, foreshadowID)
	}
	fs := m.Metadata.Foreshadow
	if fs.State == memory.ForeshadowResolved {
		return fmt.Errorf("%w: foreshadow %s already resolved in chapter %d",
			memory.ErrInvalidTransition, foreshadowID, resolvedNumber(fs))
	}
	if resolvingChapter.Number <= m.OriginChapter.Number {
		return fmt.Errorf("%w: foreshadow %s planted in chapter %d cannot resolve in chapter %d",
			memory.ErrInvalidTransition, foreshadowID, m.OriginChapter.Number, resolvingChapter.Number)
	}

	resolved := resolvingChapter
	patch := m.Metadata
	patch.Foreshadow = &memory.ForeshadowMeta{
		State:             memory.ForeshadowResolved,
		ResolvedInChapter: &resolved,
	}
	if err := t.store.ResolveForeshadow(ctx, tenant, foreshadowID, patch); err != nil {
		return err
	}
	t.logger.Printf("foreshadow %s resolved by chapter %d", foreshadowID, resolvingChapter.Number)
	return nil
}

// ListOpen returns every planted foreshadow, oldest origin chapter first:
// the longer one has waited, the more due its payoff is.
func (t *Tracker) ListOpen(ctx context.Context, tenant memory.Tenant) ([]memory.Memory, error) {
	return t.store.Scan(ctx, tenant, store.Filter{
		Types:           []memory.Type{memory.TypeForeshadow},
		ForeshadowState: memory.ForeshadowPlanted,
		OrderBy:         store.OrderChapterAsc,
	})
}

func resolvedNumber(fs *memory.ForeshadowMeta) int {
	if fs.ResolvedInChapter == nil {
		return 0
	}
	return fs.ResolvedInChapter.Number
}

var _ trackerStore = (*store.Store)(nil)
