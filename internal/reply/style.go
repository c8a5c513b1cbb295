package reply

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/user/chatpilot/internal/types"
	"github.com/user/chatpilot/pkg/llm"
)

// FlirtyPhrases anchor the tone score.
var FlirtyPhrases = []string{
	"you're so hot", "you're beautiful", "you're sexy", "i want you", "i need you",
	"you turn me on", "you're amazing", "you're gorgeous", "i love", "you're perfect",
	"so hot", "so sexy", "so beautiful",
	"💕", "😘", "🥰", "😍", "🔥", "💖", "❤️", "💋",
	"kiss", "hug", "cuddle", "baby", "babe", "sweetheart", "honey", "darling",
}

const (
	toneSample = 50
	topEmojis  = 5
)

var emojiRe = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2702}-\x{27B0}\x{24C2}-\x{1F251}]+`)

// StyleExtractor summarizes historical replies. With an embedder the tone
// comes from semantic similarity to FlirtyPhrases; without one, or when
// embedding fails, from keyword frequency.
type StyleExtractor struct {
	embedder llm.Embedder
}

var _ types.StyleExtractor = (*StyleExtractor)(nil)

// NewStyleExtractor returns an extractor; embedder may be nil.
func NewStyleExtractor(embedder llm.Embedder) *StyleExtractor {
	return &StyleExtractor{embedder: embedder}
}

func (e *StyleExtractor) ExtractStyle(ctx context.Context, replies []string) string {
	if len(replies) == 0 {
		slog.Warn("no replies to analyse for style")
		return NoStyle
	}

	tone := ""
	if e.embedder != nil {
		score, err := e.toneScore(ctx, replies)
		if err != nil {
			slog.Warn("embedding tone analysis failed, using keywords", "error", err)
		} else if score > 0 {
			tone = toneFromScore(score)
			slog.Info("tone scored", "score", fmt.Sprintf("%.3f", score), "tone", tone)
		}
	}
	if tone == "" {
		tone = toneFromKeywords(replies)
	}

	style := fmt.Sprintf("Communication style: %s. Message style: %s. Tone: %s. %s",
		tone, lengthStyle(replies), capsStyle(replies), emojiSummary(replies))
	slog.Info("style extracted", "style", style, "replies", len(replies))
	return style
}

func (e *StyleExtractor) toneScore(ctx context.Context, replies []string) (float64, error) {
	sample := replies[:min(len(replies), toneSample)]
	anchors, err := e.embedder.Embed(ctx, FlirtyPhrases)
	if err != nil {
		return 0, err
	}
	vecs, err := e.embedder.Embed(ctx, sample)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range vecs {
		best := math.Inf(-1)
		for _, a := range anchors {
			best = max(best, cosine(v, a))
		}
		sum += best
	}
	return sum / float64(len(vecs)), nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range min(len(a), len(b)) {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func toneFromScore(score float64) string {
	switch {
	case score > 0.5:
		return "very flirty and romantic"
	case score > 0.4:
		return "flirty and playful"
	case score > 0.3:
		return "friendly and warm"
	case score > 0.2:
		return "casual and friendly"
	}
	return "professional and neutral"
}

func toneFromKeywords(replies []string) string {
	all := strings.ToLower(strings.Join(replies, " "))
	count := 0
	for _, p := range FlirtyPhrases {
		if strings.Contains(all, p) {
			count++
		}
	}
	ratio := float64(count) / float64(max(len(strings.Fields(all)), 1)) * 100
	switch {
	case ratio > 5:
		return "very flirty and romantic"
	case ratio > 3:
		return "flirty and playful"
	case ratio > 1:
		return "friendly and warm"
	}
	return "casual and professional"
}

func lengthStyle(replies []string) string {
	total := 0
	for _, r := range replies {
		total += utf8.RuneCountInString(r)
	}
	avg := float64(total) / float64(len(replies))
	switch {
	case avg > 200:
		return "long and detailed"
	case avg > 100:
		return "medium length"
	}
	return "short and concise"
}

func capsStyle(replies []string) string {
	n := 0
	for _, r := range replies {
		runes := []rune(r)
		if slices.ContainsFunc(runes[:min(len(runes), 10)], unicode.IsUpper) {
			n++
		}
	}
	if float64(n)/float64(len(replies)) > 0.3 {
		return "enthusiastic (uses caps)"
	}
	return "calm and composed"
}

// ExtractEmojis returns the emoji runs in text.
func ExtractEmojis(text string) []string {
	return emojiRe.FindAllString(text, -1)
}

func emojiSummary(replies []string) string {
	counts := make(map[string]int)
	var order []string
	for _, r := range replies {
		for _, e := range ExtractEmojis(r) {
			if counts[e] == 0 {
				order = append(order, e)
			}
			counts[e]++
		}
	}
	if len(order) == 0 {
		return "No emojis used"
	}
	slices.SortStableFunc(order, func(a, b string) int { return cmp.Compare(counts[b], counts[a]) })
	parts := make([]string, 0, topEmojis)
	for _, e := range order[:min(len(order), topEmojis)] {
		parts = append(parts, fmt.Sprintf("%s (%d)", e, counts[e]))
	}
	return "Top emojis: " + strings.Join(parts, ", ")
}
