package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/saeed-khosravi/fabula/internal/memory"
)

// DefaultEmbeddingDimensions indicates the expected length of semantic
// vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Store is the tenant-isolated vector store adapter backed by Postgres with
// the pgvector extension. Each tenant owns one lazily-created table named
// from its hashed identity; no operation ever crosses tenant tables.
type Store struct {
	DB     *sql.DB
	dims   int
	logger *log.Logger

	mu    sync.Mutex
	known map[string]struct{} // collections already ensured this process
}

// New wraps an open database handle.
func New(db *sql.DB, dims int, logger *log.Logger) *Store {
	if dims <= 0 {
		dims = DefaultEmbeddingDimensions
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	return &Store{DB: db, dims: dims, logger: logger, known: make(map[string]struct{})}
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string, dims int, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w: %v", memory.ErrStore, err)
	}
	return New(db, dims, logger), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SearchResult is one similarity hit: a memory plus its cosine distance.
type SearchResult struct {
	Memory     memory.Memory
	Distance   float64
	Similarity float64
}

// Order selects the scan ordering for non-vector retrieval.
type Order int

const (
	OrderNone Order = iota
	OrderChapterDesc
	OrderChapterAsc
	OrderImportanceDesc
)

// Filter narrows scans and searches. Zero values mean "no constraint".
type Filter struct {
	Types           []memory.Type
	MinImportance   float64
	ChapterBefore   int // origin chapter number < ChapterBefore (0 = off)
	ChapterFrom     int // origin chapter number >= ChapterFrom (0 = off)
	ChapterID       string
	ForeshadowState string
	Characters      []string // intersect tags or related_characters
	VectorlessOnly  bool     // only rows still waiting for an embedding
	Limit           int
	OrderBy         Order
}

func (s *Store) ensure(ctx context.Context, tenant memory.Tenant) (string, error) {
	if err := tenant.Validate(); err != nil {
		return "", err
	}
	coll := tenant.Collection()
	s.mu.Lock()
	_, ok := s.known[coll]
	s.mu.Unlock()
	if ok {
		return coll, nil
	}

	table := pq.QuoteIdentifier(coll)
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  origin_chapter_id TEXT NOT NULL,
  origin_chapter_number INT NOT NULL,
  memory_type TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  importance DOUBLE PRECISION NOT NULL,
  tags TEXT[] NOT NULL DEFAULT '{}',
  position INT NOT NULL DEFAULT -1,
  length INT NOT NULL DEFAULT 0,
  dedup_key TEXT NOT NULL UNIQUE,
  embedding vector(%d),
  metadata JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`, table, s.dims)
	if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("create collection %s: %w: %v", coll, memory.ErrStore, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (origin_chapter_number, memory_type);`,
		pq.QuoteIdentifier(coll+"_chapter_idx"), table)
	if _, err := s.DB.ExecContext(ctx, idx); err != nil {
		return "", fmt.Errorf("index collection %s: %w: %v", coll, memory.ErrStore, err)
	}
	if _, err := s.DB.ExecContext(ctx, `
INSERT INTO tenant_collections (collection, user_id, project_id, created_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (collection) DO NOTHING;
`, coll, tenant.UserID, tenant.ProjectID); err != nil {
		return "", fmt.Errorf("register collection %s: %w: %v", coll, memory.ErrStore, err)
	}

	s.mu.Lock()
	s.known[coll] = struct{}{}
	s.mu.Unlock()
	return coll, nil
}

// Upsert writes one memory into the tenant's collection. The write is
// atomic per record: the vector and all metadata land together or not at
// all. Conflicts on the dedup key leave the existing record in place, so a
// concurrent duplicate ingest of the same fact is a silent no-op rather
// than a failed batch.
func (s *Store) Upsert(ctx context.Context, tenant memory.Tenant, m memory.Memory) error {
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return err
	}
	metaBytes, err := m.Metadata.Marshal()
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var vec interface{}
	if len(m.Embedding) > 0 {
		lit, encErr := encodeVectorLiteral(m.Embedding)
		if encErr != nil {
			return encErr
		}
		vec = lit
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, origin_chapter_id, origin_chapter_number, memory_type, title, content, importance, tags, position, length, dedup_key, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::vector,$13,NOW())
ON CONFLICT (dedup_key) DO NOTHING;
`, pq.QuoteIdentifier(coll))
	_, err = s.DB.ExecContext(ctx, query,
		m.ID, m.OriginChapter.ID, m.OriginChapter.Number, string(m.Type), m.Title, m.Content,
		m.Importance, pq.Array(m.Tags), m.Position, m.Length, m.DedupKey, vec, metaBytes)
	if err != nil {
		return fmt.Errorf("upsert memory %s: %w: %v", m.ID, memory.ErrStore, err)
	}
	return nil
}

// ExistingDedupKeys returns which of the given dedup keys are already
// present for the chapter, so re-ingestion skips them.
func (s *Store) ExistingDedupKeys(ctx context.Context, tenant memory.Tenant, chapterID string, keys []string) (map[string]struct{}, error) {
	if len(keys) == 0 {
		return map[string]struct{}{}, nil
	}
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT dedup_key FROM %s WHERE origin_chapter_id = $1 AND dedup_key = ANY($2)`, pq.QuoteIdentifier(coll))
	rows, err := s.DB.QueryContext(ctx, query, chapterID, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("existing dedup keys: %w: %v", memory.ErrStore, err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan dedup key: %w", err)
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

// Search returns the closest memories to the query vector under the filter,
// ranked by cosine distance. Rows without embeddings never match.
func (s *Store) Search(ctx context.Context, tenant memory.Tenant, vector []float32, f Filter, topK int) ([]SearchResult, error) {
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return nil, err
	}
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	where, args := buildWhere(f, 2)
	where = append([]string{"embedding IS NOT NULL"}, where...)
	query := fmt.Sprintf(`
SELECT %s, embedding <=> $1::vector AS distance
FROM %s
WHERE %s
ORDER BY embedding <=> $1::vector
LIMIT %d`, memoryColumns, pq.QuoteIdentifier(coll), strings.Join(where, " AND "), topK)
	args = append([]interface{}{lit}, args...)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w: %v", memory.ErrStore, err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		m, distance, err := scanMemoryRow(rows, tenant, true)
		if err != nil {
			return nil, err
		}
		out = append(out, SearchResult{Memory: m, Distance: distance, Similarity: 1 - distance})
	}
	return out, rows.Err()
}

// Scan returns memories matching the filter without any vector math. It is
// the workhorse for the recency, foreshadow, character and plot-point
// strategies and keeps working when the embedding provider is down.
func (s *Store) Scan(ctx context.Context, tenant memory.Tenant, f Filter) ([]memory.Memory, error) {
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return nil, err
	}
	where, args := buildWhere(f, 1)
	if len(where) == 0 {
		where = []string{"TRUE"}
	}
	query := fmt.Sprintf(`SELECT %s, 0 FROM %s WHERE %s`, memoryColumns, pq.QuoteIdentifier(coll), strings.Join(where, " AND "))
	switch f.OrderBy {
	case OrderChapterDesc:
		query += " ORDER BY origin_chapter_number DESC, importance DESC, id ASC"
	case OrderChapterAsc:
		query += " ORDER BY origin_chapter_number ASC, id ASC"
	case OrderImportanceDesc:
		query += " ORDER BY importance DESC, origin_chapter_number DESC, id ASC"
	default:
		query += " ORDER BY origin_chapter_number ASC, position ASC, id ASC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan memories: %w: %v", memory.ErrStore, err)
	}
	defer rows.Close()

	var out []memory.Memory
	for rows.Next() {
		m, _, err := scanMemoryRow(rows, tenant, false)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get fetches a single memory by ID.
func (s *Store) Get(ctx context.Context, tenant memory.Tenant, id string) (memory.Memory, error) {
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return memory.Memory{}, err
	}
	query := fmt.Sprintf(`SELECT %s, 0 FROM %s WHERE id = $1`, memoryColumns, pq.QuoteIdentifier(coll))
	rows, err := s.DB.QueryContext(ctx, query, id)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("get memory %s: %w: %v", id, memory.ErrStore, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return memory.Memory{}, fmt.Errorf("get memory %s: %w: %v", id, memory.ErrStore, err)
		}
		return memory.Memory{}, fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	m, _, err := scanMemoryRow(rows, tenant, false)
	return m, err
}

// GetMany fetches the given IDs, skipping missing ones.
func (s *Store) GetMany(ctx context.Context, tenant memory.Tenant, ids []string) ([]memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s, 0 FROM %s WHERE id = ANY($1)`, memoryColumns, pq.QuoteIdentifier(coll))
	rows, err := s.DB.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get memories: %w: %v", memory.ErrStore, err)
	}
	defer rows.Close()
	var out []memory.Memory
	for rows.Next() {
		m, _, err := scanMemoryRow(rows, tenant, false)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMetadata replaces the stored type metadata for one memory.
func (s *Store) UpdateMetadata(ctx context.Context, tenant memory.Tenant, id string, patch memory.TypeMetadata) error {
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return err
	}
	metaBytes, err := patch.Marshal()
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET metadata = $2 WHERE id = $1`, pq.QuoteIdentifier(coll))
	res, err := s.DB.ExecContext(ctx, query, id, metaBytes)
	if err != nil {
		return fmt.Errorf("update metadata %s: %w: %v", id, memory.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// ResolveForeshadow replaces the metadata of a foreshadow that is still
// planted. The planted-state guard lives in the statement itself, so of two
// concurrent resolves exactly one wins; the loser's update matches no row
// and comes back as ErrInvalidTransition.
func (s *Store) ResolveForeshadow(ctx context.Context, tenant memory.Tenant, id string, patch memory.TypeMetadata) error {
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return err
	}
	metaBytes, err := patch.Marshal()
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET metadata = $2 WHERE id = $1 AND metadata->'foreshadow'->>'state' = $3`, pq.QuoteIdentifier(coll))
	res, err := s.DB.ExecContext(ctx, query, id, metaBytes, memory.ForeshadowPlanted)
	if err != nil {
		return fmt.Errorf("resolve foreshadow %s: %w: %v", id, memory.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: foreshadow %s is no longer planted", memory.ErrInvalidTransition, id)
	}
	return nil
}

// SetEmbedding attaches a vector to a record written without one (re-embed
// path).
func (s *Store) SetEmbedding(ctx context.Context, tenant memory.Tenant, id string, vector []float32) error {
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return err
	}
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET embedding = $2::vector WHERE id = $1`, pq.QuoteIdentifier(coll))
	res, err := s.DB.ExecContext(ctx, query, id, lit)
	if err != nil {
		return fmt.Errorf("set embedding %s: %w: %v", id, memory.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// Delete removes the given memories. Used by the extractor's rollback path.
func (s *Store) Delete(ctx context.Context, tenant memory.Tenant, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	coll, err := s.ensure(ctx, tenant)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, pq.QuoteIdentifier(coll))
	if _, err := s.DB.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete memories: %w: %v", memory.ErrStore, err)
	}
	return nil
}

// ListTenants returns every tenant registered in the collection catalog.
func (s *Store) ListTenants(ctx context.Context) ([]memory.Tenant, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT user_id, project_id FROM tenant_collections ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w: %v", memory.ErrStore, err)
	}
	defer rows.Close()
	var out []memory.Tenant
	for rows.Next() {
		var t memory.Tenant
		if err := rows.Scan(&t.UserID, &t.ProjectID); err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTenant drops the tenant's collection entirely. The collection's
// lifetime is bound to its project; this is called when the project goes.
func (s *Store) DeleteTenant(ctx context.Context, tenant memory.Tenant) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	coll := tenant.Collection()
	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pq.QuoteIdentifier(coll))); err != nil {
		return fmt.Errorf("drop collection %s: %w: %v", coll, memory.ErrStore, err)
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM tenant_collections WHERE collection = $1`, coll); err != nil {
		return fmt.Errorf("deregister collection %s: %w: %v", coll, memory.ErrStore, err)
	}
	s.mu.Lock()
	delete(s.known, coll)
	s.mu.Unlock()
	return nil
}

const memoryColumns = "id, origin_chapter_id, origin_chapter_number, memory_type, title, content, importance, tags, position, length, dedup_key, metadata, created_at"

func scanMemoryRow(rows *sql.Rows, tenant memory.Tenant, withDistance bool) (memory.Memory, float64, error) {
	var (
		m        memory.Memory
		tags     pq.StringArray
		rawMeta  []byte
		distance float64
	)
	err := rows.Scan(&m.ID, &m.OriginChapter.ID, &m.OriginChapter.Number, &m.Type, &m.Title, &m.Content,
		&m.Importance, &tags, &m.Position, &m.Length, &m.DedupKey, &rawMeta, &m.CreatedAt, &distance)
	if err != nil {
		return memory.Memory{}, 0, fmt.Errorf("scan memory row: %w", err)
	}
	m.Tenant = tenant
	m.Tags = []string(tags)
	meta, err := memory.UnmarshalMetadata(rawMeta)
	if err != nil {
		return memory.Memory{}, 0, err
	}
	m.Metadata = meta
	if !withDistance {
		distance = 0
	}
	return m, distance, nil
}

func buildWhere(f Filter, argStart int) ([]string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	next := func() string {
		n := argStart + len(args)
		return "$" + strconv.Itoa(n)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		clauses = append(clauses, "memory_type = ANY("+next()+")")
		args = append(args, pq.Array(types))
	}
	if f.MinImportance > 0 {
		clauses = append(clauses, "importance >= "+next())
		args = append(args, f.MinImportance)
	}
	if f.ChapterBefore > 0 {
		clauses = append(clauses, "origin_chapter_number < "+next())
		args = append(args, f.ChapterBefore)
	}
	if f.ChapterFrom > 0 {
		clauses = append(clauses, "origin_chapter_number >= "+next())
		args = append(args, f.ChapterFrom)
	}
	if f.ChapterID != "" {
		clauses = append(clauses, "origin_chapter_id = "+next())
		args = append(args, f.ChapterID)
	}
	if f.ForeshadowState != "" {
		clauses = append(clauses, "metadata->'foreshadow'->>'state' = "+next())
		args = append(args, f.ForeshadowState)
	}
	if len(f.Characters) > 0 {
		// Match either free-form tags or the character_event variant's
		// related_characters list.
		namesArg := next()
		args = append(args, pq.Array(f.Characters))
		jsonNames, _ := json.Marshal(f.Characters)
		jsonArg := next()
		args = append(args, string(jsonNames))
		clauses = append(clauses, fmt.Sprintf(
			"(tags && %s OR (metadata->'character_event'->'related_characters') ?| ARRAY(SELECT json_array_elements_text(%s::json)))",
			namesArg, jsonArg))
	}
	if f.VectorlessOnly {
		clauses = append(clauses, "embedding IS NULL")
	}
	return clauses, args
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
