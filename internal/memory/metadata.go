package memory

import (
	"encoding/json"
	"fmt"
)

// TypeMetadata is the tagged variant payload attached to a memory. Exactly
// one branch is populated, selected by the memory's Type; the engine never
// reaches into a free-form map.
type TypeMetadata struct {
	Hook           *HookMeta           `json:"hook,omitempty"`
	Foreshadow     *ForeshadowMeta     `json:"foreshadow,omitempty"`
	PlotPoint      *PlotPointMeta      `json:"plot_point,omitempty"`
	CharacterEvent *CharacterEventMeta `json:"character_event,omitempty"`
}

// HookMeta scores how strongly a hook holds reader attention.
type HookMeta struct {
	Strength float64 `json:"strength"`
}

// ForeshadowMeta tracks the planted/resolved lifecycle.
type ForeshadowMeta struct {
	State             string      `json:"state"`
	ResolvedInChapter *ChapterRef `json:"resolved_in_chapter,omitempty"`
}

// PlotPointMeta carries the analysis's impact description.
type PlotPointMeta struct {
	Impact string `json:"impact,omitempty"`
}

// CharacterEventMeta names the characters whose state the event touches.
type CharacterEventMeta struct {
	RelatedCharacters []string `json:"related_characters"`
}

func (tm TypeMetadata) validateFor(t Type) error {
	switch t {
	case TypeHook:
		if tm.Hook == nil {
			return fmt.Errorf("%w: hook memory missing hook metadata", ErrExtraction)
		}
	case TypeForeshadow:
		if tm.Foreshadow == nil {
			return fmt.Errorf("%w: foreshadow memory missing lifecycle metadata", ErrExtraction)
		}
		switch tm.Foreshadow.State {
		case ForeshadowPlanted:
			if tm.Foreshadow.ResolvedInChapter != nil {
				return fmt.Errorf("%w: planted foreshadow must not carry resolved_in_chapter", ErrExtraction)
			}
		case ForeshadowResolved:
			if tm.Foreshadow.ResolvedInChapter == nil {
				return fmt.Errorf("%w: resolved foreshadow missing resolved_in_chapter", ErrExtraction)
			}
		default:
			return fmt.Errorf("%w: unknown foreshadow state %q", ErrExtraction, tm.Foreshadow.State)
		}
	case TypeCharacterEvent:
		if tm.CharacterEvent == nil || len(tm.CharacterEvent.RelatedCharacters) == 0 {
			return fmt.Errorf("%w: character_event memory missing related characters", ErrExtraction)
		}
	}
	return nil
}

// Characters returns the related character names, empty for other variants.
func (tm TypeMetadata) Characters() []string {
	if tm.CharacterEvent == nil {
		return nil
	}
	return tm.CharacterEvent.RelatedCharacters
}

// Marshal serialises the metadata for storage alongside the vector.
func (tm TypeMetadata) Marshal() ([]byte, error) {
	return json.Marshal(tm)
}

// UnmarshalMetadata decodes stored metadata bytes.
func UnmarshalMetadata(raw []byte) (TypeMetadata, error) {
	var tm TypeMetadata
	if len(raw) == 0 {
		return tm, nil
	}
	if err := json.Unmarshal(raw, &tm); err != nil {
		return tm, fmt.Errorf("decode type metadata: %w", err)
	}
	return tm, nil
}
