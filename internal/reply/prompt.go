package reply

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/user/chatpilot/pkg/llm"
)

const (
	// NoStyle is what ExtractStyle returns for an empty history.
	NoStyle = "No style data available"
	// FallbackPersona stands in for a missing style profile.
	FallbackPersona = "confident playful with 😏💋"

	promptTail = "Reply short, engaging:"
)

// Encodings ship with the binary so startup never needs the network.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Prompt builds token-budgeted prompts for reply generation.
type Prompt struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// NewPrompt selects the tokenizer for model (cl100k_base for unknown
// models). maxTokens <= 0 disables trimming.
func NewPrompt(model string, maxTokens int) (*Prompt, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Prompt{tokenizer: enc, maxTokens: maxTokens}, nil
}

func (p *Prompt) countTokens(text string) int {
	return len(p.tokenizer.Encode(text, nil, nil))
}

// truncate cuts text to at most n tokens.
func (p *Prompt) truncate(text string, n int) string {
	if n <= 0 {
		return ""
	}
	toks := p.tokenizer.Encode(text, nil, nil)
	if len(toks) <= n {
		return text
	}
	return p.tokenizer.Decode(toks[:n])
}

// Persona returns the style to use, substituting the fallback persona for an
// empty or sentinel profile.
func Persona(style string) string {
	if style == "" || style == NoStyle {
		return FallbackPersona
	}
	return style
}

func render(text, style string) string {
	return fmt.Sprintf("You are a flirty 20s model. Style: %s. Fan: %s\n%s", style, text, promptTail)
}

// Build renders the prompt. Over budget, the style is trimmed first and the
// fan text second.
func (p *Prompt) Build(text, style string) []llm.Message {
	style = Persona(style)
	content := render(text, style)
	if p == nil || p.maxTokens <= 0 {
		return []llm.Message{{Role: "user", Content: content}}
	}
	// Token counts are not additive across joins, so re-measure until it fits.
	for range 4 {
		over := p.countTokens(content) - p.maxTokens
		if over <= 0 {
			break
		}
		if n := p.countTokens(style); n > 0 {
			cut := min(over, n)
			style = p.truncate(style, n-cut)
			over -= cut
		}
		if over > 0 {
			text = p.truncate(text, p.countTokens(text)-over)
		}
		content = render(text, style)
	}
	return []llm.Message{{Role: "user", Content: content}}
}
