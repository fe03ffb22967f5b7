package memory

// ChapterAnalysis is the structured result the upstream analysis step hands
// over for one completed chapter. The engine consumes it as-is; producing it
// is the language model's job.
type ChapterAnalysis struct {
	Summary         string           `json:"summary,omitempty"`
	Hooks           []HookFact       `json:"hooks,omitempty"`
	Foreshadows     []ForeshadowFact `json:"foreshadows,omitempty"`
	PlotPoints      []PlotPointFact  `json:"plot_points,omitempty"`
	CharacterStates []CharacterFact  `json:"character_states,omitempty"`
}

// HookFact describes one attention-holding device found in the chapter.
// Strength is on the analysis's 0-10 scale.
type HookFact struct {
	Kind     string  `json:"kind"`
	Content  string  `json:"content"`
	Strength float64 `json:"strength"`
	Position int     `json:"position"`
	Length   int     `json:"length"`
}

// ForeshadowFact is either a newly planted foreshadow or, when Resolves is
// set, an explicit reference resolving an earlier one. Resolution never
// happens by text matching.
type ForeshadowFact struct {
	Content  string  `json:"content"`
	Strength float64 `json:"strength"`
	Position int     `json:"position"`
	Length   int     `json:"length"`
	// Resolves carries the ID of the previously planted foreshadow this
	// chapter pays off. Empty for a fresh plant.
	Resolves string `json:"resolves,omitempty"`
}

// PlotPointFact is one significant story-structure event. Importance is
// already normalised to [0,1] by the analysis.
type PlotPointFact struct {
	Content    string  `json:"content"`
	Impact     string  `json:"impact,omitempty"`
	Importance float64 `json:"importance"`
	Position   int     `json:"position"`
	Length     int     `json:"length"`
}

// CharacterFact records a named character's state change.
type CharacterFact struct {
	Name        string `json:"name"`
	StateBefore string `json:"state_before,omitempty"`
	StateAfter  string `json:"state_after,omitempty"`
	Change      string `json:"change,omitempty"`
}
