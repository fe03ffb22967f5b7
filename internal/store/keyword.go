package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/saeed-khosravi/fabula/internal/memory"
)

// KeywordIndex keeps one in-memory bleve index per tenant collection, plus
// the full records behind it. It is the fallback retrieval path twice over:
// records whose embedding failed are findable here, the semantic strategy
// searches it when the provider is down, and the cached records answer
// recency and hydration when the store itself is unreachable.
type KeywordIndex struct {
	mu      sync.RWMutex
	indexes map[string]bleve.Index
	records map[string]map[string]memory.Memory
}

type keywordDoc struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// KeywordHit is one keyword search result.
type KeywordHit struct {
	ID    string
	Score float64
}

// NewKeywordIndex creates an empty index set.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{
		indexes: make(map[string]bleve.Index),
		records: make(map[string]map[string]memory.Memory),
	}
}

func (k *KeywordIndex) index(tenant memory.Tenant) (bleve.Index, error) {
	coll := tenant.Collection()
	k.mu.RLock()
	idx, ok := k.indexes[coll]
	k.mu.RUnlock()
	if ok {
		return idx, nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if idx, ok = k.indexes[coll]; ok {
		return idx, nil
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create keyword index %s: %w", coll, err)
	}
	k.indexes[coll] = idx
	return idx, nil
}

// Index adds or replaces one memory in the tenant's keyword index and its
// record cache.
func (k *KeywordIndex) Index(tenant memory.Tenant, m memory.Memory) error {
	idx, err := k.index(tenant)
	if err != nil {
		return err
	}
	// The cache exists for retrieval fallback, not similarity; dropping the
	// vector keeps it small.
	m.Embedding = nil
	coll := tenant.Collection()
	k.mu.Lock()
	if k.records[coll] == nil {
		k.records[coll] = make(map[string]memory.Memory)
	}
	k.records[coll][m.ID] = m
	k.mu.Unlock()
	return idx.Index(m.ID, keywordDoc{Title: m.Title, Content: m.Content, Tags: m.Tags})
}

// Search runs a match query over the tenant's index.
func (k *KeywordIndex) Search(tenant memory.Tenant, query string, topK int) ([]KeywordHit, error) {
	idx, err := k.index(tenant)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), topK, 0, false)
	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	hits := make([]KeywordHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, KeywordHit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Cached returns the cached records for the given IDs in the given order,
// skipping IDs this process has not seen.
func (k *KeywordIndex) Cached(tenant memory.Tenant, ids []string) []memory.Memory {
	coll := tenant.Collection()
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []memory.Memory
	for _, id := range ids {
		if m, ok := k.records[coll][id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Recent returns cached records with origin chapter in [from, before) at or
// above the importance floor, newest chapter first. It mirrors the recency
// scan's ordering so assembly stays deterministic when served from here.
func (k *KeywordIndex) Recent(tenant memory.Tenant, from, before int, minImportance float64) []memory.Memory {
	coll := tenant.Collection()
	k.mu.RLock()
	var out []memory.Memory
	for _, m := range k.records[coll] {
		n := m.OriginChapter.Number
		if n < from || n >= before || m.Importance < minImportance {
			continue
		}
		out = append(out, m)
	}
	k.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OriginChapter.Number != out[j].OriginChapter.Number {
			return out[i].OriginChapter.Number > out[j].OriginChapter.Number
		}
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes one memory from the tenant's index and cache.
func (k *KeywordIndex) Delete(tenant memory.Tenant, id string) error {
	idx, err := k.index(tenant)
	if err != nil {
		return err
	}
	coll := tenant.Collection()
	k.mu.Lock()
	delete(k.records[coll], id)
	k.mu.Unlock()
	return idx.Delete(id)
}

// DropTenant discards the tenant's entire index and cache.
func (k *KeywordIndex) DropTenant(tenant memory.Tenant) {
	coll := tenant.Collection()
	k.mu.Lock()
	idx, ok := k.indexes[coll]
	delete(k.indexes, coll)
	delete(k.records, coll)
	k.mu.Unlock()
	if ok {
		_ = idx.Close()
	}
}
