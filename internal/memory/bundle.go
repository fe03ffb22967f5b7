package memory

// Strategy names the retrieval strategies fused into a context bundle.
type Strategy string

const (
	StrategyRecency        Strategy = "recency"
	StrategySemantic       Strategy = "semantic"
	StrategyOpenForeshadow Strategy = "open_foreshadows"
	StrategyCharacters     Strategy = "characters"
	StrategyPlotPoints     Strategy = "plot_points"
)

// Strategies lists every strategy in fixed order.
var Strategies = []Strategy{
	StrategyRecency,
	StrategySemantic,
	StrategyOpenForeshadow,
	StrategyCharacters,
	StrategyPlotPoints,
}

// BundleItem is one memory excerpt selected for prompt construction,
// tagged with every strategy that nominated it.
type BundleItem struct {
	Memory     Memory     `json:"memory"`
	Strategies []Strategy `json:"strategies"`
	// Similarity is set only when the semantic strategy contributed.
	Similarity float64 `json:"similarity,omitempty"`
}

// Cost is the item's weight against the bundle budget, measured in
// characters of content (the stand-in for tokens the original pipeline
// logs with).
func (it BundleItem) Cost() int {
	n := len(it.Memory.Content)
	if n == 0 {
		n = 1
	}
	return n
}

// ContextBundle is the ephemeral, ranked, deduplicated, size-bounded result
// of one Assemble call. It is rebuilt fresh every time and never persisted.
type ContextBundle struct {
	TargetChapter int              `json:"target_chapter"`
	Items         []BundleItem     `json:"items"`
	StrategyHits  map[Strategy]int `json:"strategy_hits"`
	Warnings      []string         `json:"warnings,omitempty"`
	BudgetUsed    int              `json:"budget_used"`
	Budget        int              `json:"budget"`
}
