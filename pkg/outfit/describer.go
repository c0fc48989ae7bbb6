// Package outfit asks a vision-language model to describe the outfit in a frame
// and turns its answer into a types.Outfit.
package outfit

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/outfit-lens/pkg/client"
	"github.com/menta2k/outfit-lens/pkg/types"
)

// DefaultPrompt is the default outfit prompt
const DefaultPrompt = `You are a fashion assistant looking at a photo of a person.

Return JSON only:
{
  "outfit": [
    {"type": "string", "coloring": "string", "usage": "string", "gender": "string", "pattern": "string"}
  ],
  "hotPrompts": ["short suggestion", "short suggestion", "short suggestion", "short suggestion"]
}

RULES
- One entry in "outfit" per visible garment, top to bottom.
- "type" is the garment kind (e.g. Tshirts, Jeans, Sneakers), "coloring" its base colour,
  "usage" one of Casual, Formal, Sports, Ethnic, Party, Smart Casual, Travel,
  "gender" one of Men, Women, Boys, Girls, Unisex, "pattern" e.g. Solid, Striped, Checked, Printed.
- "hotPrompts" are up to four short restyling ideas for this outfit (≤ 6 words each).
- If no person or clothing is visible, return {"outfit": [], "hotPrompts": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// DefaultPlotTemplate turns an outfit summary into an image generation prompt
const DefaultPlotTemplate = "A full-body fashion illustration of a person wearing %s. Plain light background, studio lighting."

// DefaultQuestion checks that the model can see the image
const DefaultQuestion = "What is the person in this image wearing? Describe it briefly."

// DefaultMaxHotPrompts matches the number of suggestion slots shown to the user
const DefaultMaxHotPrompts = 4

// Config controls the describer
type Config struct {
	Model         string
	Prompt        string
	EmptyOutfit   string
	PlotTemplate  string
	MaxHotPrompts int
}

// Describer sends frames to a vision model and never fails: every error
// degrades to the configured empty outfit
type Describer struct {
	client client.VisionClient
	config Config
	empty  *types.Outfit
	logger *zap.Logger
}

// NewDescriber creates a describer for the given backend
func NewDescriber(c client.VisionClient, config Config, logger *zap.Logger) *Describer {
	if config.Prompt == "" {
		config.Prompt = DefaultPrompt
	}
	if config.EmptyOutfit == "" {
		config.EmptyOutfit = EmptyOutfit
	}
	if config.MaxHotPrompts <= 0 {
		config.MaxHotPrompts = DefaultMaxHotPrompts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PlotTemplate == "" {
		config.PlotTemplate = DefaultPlotTemplate
	} else if err := CheckPlotTemplate(config.PlotTemplate); err != nil {
		logger.Warn("ignoring plot template", zap.Error(err))
		config.PlotTemplate = DefaultPlotTemplate
	}
	return &Describer{
		client: c,
		config: config,
		empty:  ParseEmpty(config.EmptyOutfit),
		logger: logger,
	}
}

// CheckPlotTemplate reports whether template takes exactly one %s and no
// other formatting verbs
func CheckPlotTemplate(template string) error {
	if strings.Count(template, "%s") != 1 || strings.Contains(fmt.Sprintf(template, ""), "%!") {
		return fmt.Errorf("plot template %q must contain exactly one %%s and no other verbs", template)
	}
	return nil
}

// Empty returns a copy of the configured empty outfit
func (d *Describer) Empty() *types.Outfit {
	return cloneOutfit(d.empty)
}

// Describe asks the model about the frame. hint, when set, is the garment the
// on-device classifiers agreed on and is passed along to ground the answer.
func (d *Describer) Describe(ctx context.Context, imgB64 string, hint types.Garment) *types.Outfit {
	prompt := d.config.Prompt
	if !hint.IsZero() {
		prompt += "\n\nAn on-device classifier saw: " + summarize(hint) + "."
	}

	raw, err := d.client.DescribeOutfit(ctx, d.config.Model, prompt, imgB64)
	if err != nil {
		d.logger.Error("vision model request failed", zap.String("model", d.config.Model), zap.Error(err))
		return d.Empty()
	}
	d.logger.Debug("vision model response", zap.String("model", d.config.Model), zap.String("raw", raw))

	result, ok := ParseOutfit(raw, d.empty)
	if !ok {
		d.logger.Warn("vision model returned malformed outfit JSON", zap.String("raw", raw))
		return result
	}

	result.Outfit = normalizeGarments(result.Outfit)
	result.HotPrompts = normalizePrompts(result.HotPrompts, d.config.MaxHotPrompts)
	return result
}

// Ask sends a free-form question about the frame and returns the model's
// answer as text
func (d *Describer) Ask(ctx context.Context, imgB64, question string) (string, error) {
	if question = strings.TrimSpace(question); question == "" {
		question = DefaultQuestion
	}
	answer, err := d.client.SimpleQuery(ctx, d.config.Model, question, imgB64)
	if err != nil {
		return "", fmt.Errorf("vision model request failed: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// ImagePrompt builds the image generation prompt for an outfit. extra is an
// optional restyling instruction such as a chosen hot prompt.
func (d *Describer) ImagePrompt(o *types.Outfit, extra string) string {
	parts := make([]string, 0, len(o.Outfit))
	for _, g := range o.Outfit {
		parts = append(parts, summarize(g))
	}
	prompt := fmt.Sprintf(d.config.PlotTemplate, strings.Join(parts, "; "))
	if extra = strings.TrimSpace(extra); extra != "" {
		prompt += " Style: " + extra + "."
	}
	return prompt
}

func summarize(g types.Garment) string {
	words := make([]string, 0, 5)
	for _, w := range []string{g.Coloring, g.Pattern, g.Type} {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	s := strings.Join(words, " ")
	var tail []string
	if g.Usage != "" {
		tail = append(tail, strings.ToLower(g.Usage))
	}
	if g.Gender != "" {
		tail = append(tail, "for "+strings.ToLower(g.Gender))
	}
	if len(tail) > 0 {
		s += " (" + strings.Join(tail, ", ") + ")"
	}
	return s
}

// normalizeGarments trims fields and drops entries with no attributes
func normalizeGarments(in []types.Garment) []types.Garment {
	out := make([]types.Garment, 0, len(in))
	for _, g := range in {
		g = types.Garment{
			Type:     strings.TrimSpace(g.Type),
			Coloring: strings.TrimSpace(g.Coloring),
			Usage:    strings.TrimSpace(g.Usage),
			Gender:   strings.TrimSpace(g.Gender),
			Pattern:  strings.TrimSpace(g.Pattern),
		}
		if g.IsZero() {
			continue
		}
		out = append(out, g)
	}
	return out
}

// normalizePrompts trims, de-duplicates case-insensitively and caps the list
func normalizePrompts(prompts []string, limit int) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, limit)
	for _, p := range prompts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out
}
