// Package reply generates replies to fan messages and derives the style
// profile they are written in.
package reply

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/user/chatpilot/internal/types"
	"github.com/user/chatpilot/pkg/llm"
)

const maxReplyChars = 200

// Synthesizer produces replies with an LLM and falls back to canned
// keyword replies whenever the model is missing, fails or says nothing.
type Synthesizer struct {
	provider llm.Provider
	prompt   *Prompt
	pick     func(n int) int
}

var _ types.Synthesizer = (*Synthesizer)(nil)

// NewSynthesizer returns a synthesizer. provider and prompt may be nil.
func NewSynthesizer(provider llm.Provider, prompt *Prompt) *Synthesizer {
	return &Synthesizer{provider: provider, prompt: prompt, pick: rand.IntN}
}

// Synthesize never returns an empty string.
func (s *Synthesizer) Synthesize(ctx context.Context, text, style string) string {
	if s.provider != nil {
		resp, err := s.provider.Complete(ctx, s.prompt.Build(text, style))
		switch {
		case err != nil:
			slog.Warn("reply generation failed, using fallback", "error", err)
		default:
			if r := CleanReply(resp.Content); r != "" {
				return r
			}
			slog.Warn("empty reply from model, using fallback")
		}
	}
	return FallbackReply(text, s.pick)
}

// CleanReply keeps the first line, drops echoed prompt fragments, collapses
// whitespace and caps the length on a word boundary.
func CleanReply(raw string) string {
	r := strings.TrimSpace(raw)
	if i := strings.IndexByte(r, '\n'); i >= 0 {
		r = r[:i]
	}
	if i := strings.LastIndex(r, promptTail); i >= 0 {
		r = r[i+len(promptTail):]
	}
	if i := strings.LastIndex(r, "Fan:"); i >= 0 {
		r = r[i+len("Fan:"):]
	}
	r = strings.Join(strings.Fields(r), " ")
	if runes := []rune(r); len(runes) > maxReplyChars {
		cut := string(runes[:maxReplyChars])
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
		r = cut + "..."
	}
	return r
}
