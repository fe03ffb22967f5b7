package annotate

import (
	"sort"

	"github.com/saeed-khosravi/fabula/internal/memory"
)

// DefaultExcerptLength is used for memories whose analysis did not supply a
// span length.
const DefaultExcerptLength = 30

// Span is one renderable highlight over the chapter text. Spans returned by
// MapAnnotations never overlap.
type Span struct {
	MemoryID   string      `json:"memory_id"`
	Type       memory.Type `json:"type"`
	Title      string      `json:"title"`
	Content    string      `json:"content"`
	Importance float64     `json:"importance"`
	Tags       []string    `json:"tags,omitempty"`
	Position   int         `json:"position"`
	Length     int         `json:"length"`
}

// MapAnnotations projects a chapter's memories onto its raw text as
// non-overlapping display spans, ordered by position. Unlocated memories
// (position < 0) are skipped. Where two spans overlap, the higher-importance
// memory keeps its range and the lower one is clipped to what remains, or
// dropped when nothing does.
func MapAnnotations(chapterText string, memories []memory.Memory) []Span {
	textLen := len(chapterText)
	if textLen == 0 || len(memories) == 0 {
		return nil
	}

	spans := make([]Span, 0, len(memories))
	for _, m := range memories {
		if !m.Located() || m.Position >= textLen {
			continue
		}
		length := m.Length
		if length <= 0 {
			length = DefaultExcerptLength
		}
		if m.Position+length > textLen {
			length = textLen - m.Position
		}
		spans = append(spans, Span{
			MemoryID:   m.ID,
			Type:       m.Type,
			Title:      m.Title,
			Content:    m.Content,
			Importance: m.Importance,
			Tags:       m.Tags,
			Position:   m.Position,
			Length:     length,
		})
	}
	if len(spans) == 0 {
		return nil
	}

	// Resolve conflicts importance-first so the strongest memories always
	// keep their full range; ID breaks ties for determinism.
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Importance != spans[j].Importance {
			return spans[i].Importance > spans[j].Importance
		}
		return spans[i].MemoryID < spans[j].MemoryID
	})

	var placed []Span
	for _, s := range spans {
		s, ok := clipAgainst(s, placed)
		if !ok {
			continue
		}
		placed = append(placed, s)
	}

	sort.SliceStable(placed, func(i, j int) bool {
		if placed[i].Position != placed[j].Position {
			return placed[i].Position < placed[j].Position
		}
		return placed[i].MemoryID < placed[j].MemoryID
	})
	return placed
}

// clipAgainst trims s so it does not intersect any already-placed span. The
// surviving range is the leftmost uncovered stretch of s; a fully covered
// span is dropped.
func clipAgainst(s Span, placed []Span) (Span, bool) {
	start, end := s.Position, s.Position+s.Length
	for _, p := range placed {
		pStart, pEnd := p.Position, p.Position+p.Length
		if end <= pStart || start >= pEnd {
			continue
		}
		// Overlap: keep whichever side of p still has room, preferring
		// the left side to preserve reading order.
		if start < pStart {
			end = pStart
		} else if end > pEnd {
			start = pEnd
		} else {
			return Span{}, false
		}
		if start >= end {
			return Span{}, false
		}
	}
	s.Position = start
	s.Length = end - start
	return s, true
}
