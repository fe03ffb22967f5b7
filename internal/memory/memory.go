package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Type discriminates the closed set of memory kinds. Downstream logic
// branches on it, so new kinds are added here rather than as free-form
// strings.
type Type string

const (
	TypeHook           Type = "hook"
	TypeForeshadow     Type = "foreshadow"
	TypePlotPoint      Type = "plot_point"
	TypeCharacterEvent Type = "character_event"
	TypeChapterSummary Type = "chapter_summary"
)

// Valid reports whether t is one of the known memory types.
func (t Type) Valid() bool {
	switch t {
	case TypeHook, TypeForeshadow, TypePlotPoint, TypeCharacterEvent, TypeChapterSummary:
		return true
	}
	return false
}

// Foreshadow lifecycle states.
const (
	ForeshadowPlanted  = "planted"
	ForeshadowResolved = "resolved"
)

// ChapterRef identifies a chapter by ID and its position in the story
// timeline. Ordering is always by Number, never by creation time.
type ChapterRef struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
}

// Tenant is the isolation unit: one user's one project. Every store and
// retrieval operation is scoped to exactly one tenant.
type Tenant struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
}

// Validate checks that both tenant components are present.
func (t Tenant) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("tenant user_id required")
	}
	if strings.TrimSpace(t.ProjectID) == "" {
		return fmt.Errorf("tenant project_id required")
	}
	return nil
}

// Collection derives the tenant's storage collection name. Raw IDs can be
// arbitrarily long, so each component is reduced to the first 8 hex chars of
// its sha256, which keeps the identifier inside Postgres's 63-byte limit and
// stays deterministic across processes.
func (t Tenant) Collection() string {
	return fmt.Sprintf("mem_u_%s_p_%s", hash8(t.UserID), hash8(t.ProjectID))
}

func hash8(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

// Memory is one unit of narrative fact distilled from a chapter's analysis.
type Memory struct {
	ID            string     `json:"id"`
	Tenant        Tenant     `json:"tenant"`
	OriginChapter ChapterRef `json:"origin_chapter"`
	Type          Type       `json:"type"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	Importance    float64    `json:"importance"`
	Tags          []string   `json:"tags,omitempty"`

	// Position/Length are character offsets into the origin chapter's raw
	// text. Position -1 marks a memory the analysis could not locate; such
	// records are stored and retrieved but never rendered as annotations.
	Position int `json:"position"`
	Length   int `json:"length"`

	// Embedding is nil when the provider was unavailable at ingest time;
	// the record is then keyword-indexed and queued for re-embedding.
	Embedding []float32 `json:"-"`

	// DedupKey is sha256(content) + position, persisted so re-running the
	// same chapter's analysis is idempotent.
	DedupKey string `json:"-"`

	Metadata  TypeMetadata `json:"metadata"`
	CreatedAt time.Time    `json:"created_at"`
}

// DedupKeyFor computes the content-hash+position identity used to detect
// re-ingested duplicates.
func DedupKeyFor(content string, position int) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s:%d", hex.EncodeToString(sum[:]), position)
}

// Validate enforces the record-level invariants against the origin chapter's
// text length. chapterLen <= 0 skips the position bound (caller has no text).
func (m *Memory) Validate(chapterLen int) error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrExtraction, m.Type)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("%w: importance %.3f outside [0,1]", ErrExtraction, m.Importance)
	}
	if m.Position < -1 {
		return fmt.Errorf("%w: position %d invalid", ErrExtraction, m.Position)
	}
	if chapterLen > 0 && m.Position >= chapterLen {
		return fmt.Errorf("%w: position %d beyond chapter length %d", ErrExtraction, m.Position, chapterLen)
	}
	if m.Length < 0 {
		return fmt.Errorf("%w: length %d invalid", ErrExtraction, m.Length)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrExtraction)
	}
	if err := m.Metadata.validateFor(m.Type); err != nil {
		return err
	}
	return nil
}

// Located reports whether the memory carries a usable text position.
func (m *Memory) Located() bool { return m.Position >= 0 }
