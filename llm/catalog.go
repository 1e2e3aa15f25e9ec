package llm

import "strings"

// ModelInfo describes a known model.
type ModelInfo struct {
	ID            string
	Provider      string
	ContextWindow int
	MaxOutput     int
	Aliases       []string
}

// DefaultContextWindow is used for models the catalog does not know.
const DefaultContextWindow = 128000

var models = []ModelInfo{
	{ID: "claude-opus-4-6", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 32768, Aliases: []string{"opus"}},
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 16384, Aliases: []string{"sonnet"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 8192, Aliases: []string{"haiku"}},
	{ID: "gpt-5.2", Provider: "openai", ContextWindow: 400000, MaxOutput: 32768},
	{ID: "gpt-5.2-mini", Provider: "openai", ContextWindow: 400000, MaxOutput: 16384},
	{ID: "gpt-4o", Provider: "openai", ContextWindow: 128000, MaxOutput: 16384},
	{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000, MaxOutput: 16384},
}

// LookupModel returns the catalog entry for a model id or alias, or nil.
// Dated snapshots ("claude-sonnet-4-5-20250929") resolve to their family.
func LookupModel(id string) *ModelInfo {
	for i := range models {
		if models[i].ID == id {
			return &models[i]
		}
		for _, alias := range models[i].Aliases {
			if alias == id {
				return &models[i]
			}
		}
	}
	for i := range models {
		if strings.HasPrefix(id, models[i].ID+"-") {
			return &models[i]
		}
	}
	return nil
}

// ContextWindow returns the context window size of a model, falling back to
// DefaultContextWindow.
func ContextWindow(id string) int {
	if info := LookupModel(id); info != nil {
		return info.ContextWindow
	}
	return DefaultContextWindow
}
