package outfit

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/menta2k/outfit-lens/pkg/types"
)

// EmptyOutfit is the fallback answer used whenever the model output is unusable
const EmptyOutfit = `{"outfit":[],"hotPrompts":[]}`

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseEmpty decodes a configured empty value, falling back to EmptyOutfit
func ParseEmpty(raw string) *types.Outfit {
	var o types.Outfit
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		_ = json.Unmarshal([]byte(EmptyOutfit), &o)
	}
	return &o
}

// ParseOutfit decodes a model answer. ok is false when the answer was not
// usable JSON, in which case a copy of empty is returned.
func ParseOutfit(raw string, empty *types.Outfit) (*types.Outfit, bool) {
	cleaned := sanitizeModelJSON(raw)

	if !strings.HasPrefix(cleaned, "{") {
		return cloneOutfit(empty), false
	}

	var result types.Outfit
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return cloneOutfit(empty), false
	}
	if result.Outfit == nil {
		result.Outfit = []types.Garment{}
	}
	if result.HotPrompts == nil {
		result.HotPrompts = []string{}
	}
	return &result, true
}

// sanitizeModelJSON removes code fences, comments, and trailing commas from a model answer
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	// whole-line comments only, string values may contain "//"
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func cloneOutfit(o *types.Outfit) *types.Outfit {
	if o == nil {
		return &types.Outfit{Outfit: []types.Garment{}, HotPrompts: []string{}}
	}
	out := &types.Outfit{
		Outfit:     append([]types.Garment{}, o.Outfit...),
		HotPrompts: append([]string{}, o.HotPrompts...),
	}
	return out
}
