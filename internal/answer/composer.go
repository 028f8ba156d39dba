package answer

import (
	"context"
	"fmt"
	"strings"
)

// Default token budgets per prompt kind. Grounded answers carry citations and
// get a larger budget than best-effort fallbacks.
const (
	defaultGroundedMaxTokens = 900
	defaultFallbackMaxTokens = 500
)

const groundedPromptTemplate = `You are a field service assistant for commercial kitchen equipment repair.
Answer ONLY based on the manual excerpts provided below.
If the answer is not in the excerpts, say so clearly - do not guess.
Be concise and practical - the technician is standing in front of the equipment.
Always cite which page or section your answer comes from.

Manual excerpts:
%s

Question: %s
`

const fallbackPromptTemplate = `You are a field service assistant for commercial kitchen equipment repair.
No indexed manual excerpts are available for this equipment in the system.
Give a concise best-effort answer and clearly say that no manual is currently indexed.

Equipment: %s %s
Question: %s
`

// Excerpt is one retrieved manual passage handed to the model as context.
type Excerpt struct {
	Page    int
	Section string
	Text    string
}

// Generator produces text for a prompt. Implemented by Client.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	Model() string
}

// Composer renders grounded and fallback prompts and runs them through the
// generation client.
type Composer struct {
	generator         Generator
	groundedMaxTokens int
	fallbackMaxTokens int
}

// NewComposer creates a Composer backed by the given generator. Non-positive
// token budgets fall back to the defaults.
func NewComposer(g Generator, groundedMaxTokens, fallbackMaxTokens int) *Composer {
	if groundedMaxTokens <= 0 {
		groundedMaxTokens = defaultGroundedMaxTokens
	}
	if fallbackMaxTokens <= 0 {
		fallbackMaxTokens = defaultFallbackMaxTokens
	}
	return &Composer{
		generator:         g,
		groundedMaxTokens: groundedMaxTokens,
		fallbackMaxTokens: fallbackMaxTokens,
	}
}

// Model returns the generation model identifier.
func (c *Composer) Model() string {
	return c.generator.Model()
}

// AnswerWithContext produces an answer grounded in the given excerpts.
func (c *Composer) AnswerWithContext(ctx context.Context, question string, excerpts []Excerpt) (string, error) {
	prompt := fmt.Sprintf(groundedPromptTemplate, buildContext(excerpts), strings.TrimSpace(question))
	return c.generator.Generate(ctx, prompt, c.groundedMaxTokens)
}

// AnswerFallback produces a best-effort answer for equipment that has no
// usable manual excerpts.
func (c *Composer) AnswerFallback(ctx context.Context, question, brand, model string) (string, error) {
	prompt := fmt.Sprintf(fallbackPromptTemplate,
		strings.TrimSpace(brand), strings.TrimSpace(model), strings.TrimSpace(question))
	return c.generator.Generate(ctx, prompt, c.fallbackMaxTokens)
}

// buildContext renders numbered excerpt blocks with their page and section so
// the model can cite them.
func buildContext(excerpts []Excerpt) string {
	blocks := make([]string, 0, len(excerpts))
	for i, ex := range excerpts {
		section := ex.Section
		if section == "" {
			section = "Unknown"
		}
		blocks = append(blocks, fmt.Sprintf("[Excerpt %d] Page %d, Section: %s\n%s",
			i+1, ex.Page, section, strings.TrimSpace(ex.Text)))
	}
	return strings.Join(blocks, "\n\n")
}
