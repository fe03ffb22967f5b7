package memory

import "errors"

// Sentinel errors for the engine's failure taxonomy. Callers test with
// errors.Is; wrapping sites add the specifics.
var (
	// ErrExtraction marks a malformed or out-of-range fact from upstream
	// analysis. Field-level and non-fatal: the record is skipped.
	ErrExtraction = errors.New("extraction error")

	// ErrEmbedding marks an unavailable or failed embedding provider. The
	// record falls back to keyword-only indexing and is queued for
	// re-embedding.
	ErrEmbedding = errors.New("embedding error")

	// ErrStore marks an unreachable vector store. Reads degrade to the
	// strategies that can still run; writes surface to the ingest caller.
	ErrStore = errors.New("store error")

	// ErrInvalidTransition marks a foreshadow state machine violation.
	// Always surfaced, never silently corrected.
	ErrInvalidTransition = errors.New("invalid foreshadow transition")

	// ErrRetrievalTimeout marks a retrieval strategy that exceeded its time
	// budget. The strategy contributes nothing; the call still succeeds.
	ErrRetrievalTimeout = errors.New("retrieval timeout")

	// ErrNotFound marks a missing memory or tenant collection.
	ErrNotFound = errors.New("not found")
)
