package voice

import (
	"strings"
)

const wakePunct = " ,.!?;:-\"'`~"

// WakeGate filters grouped utterances down to those addressed to the bot.
// With no phrases configured every utterance passes unchanged.
type WakeGate struct {
	phrases [][]string
	// Within is how many leading words are searched for a phrase.
	Within int
}

func NewWakeGate(phrases []string, within int) *WakeGate {
	g := &WakeGate{Within: within}
	for _, p := range phrases {
		if words := wakeWords(p); len(words) > 0 {
			g.phrases = append(g.phrases, words)
		}
	}
	return g
}

func wakeWords(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		if w := strings.Trim(strings.ToLower(f), wakePunct); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Match reports whether text addresses the bot and returns the text that
// follows the wake phrase.
func (g *WakeGate) Match(text string) (bool, string) {
	text = strings.TrimSpace(text)
	if g == nil || len(g.phrases) == 0 {
		return text != "", text
	}
	fields := strings.Fields(text)
	words := make([]string, len(fields))
	for i, f := range fields {
		words[i] = strings.Trim(strings.ToLower(f), wakePunct)
	}
	limit := len(words)
	if g.Within > 0 && g.Within < limit {
		limit = g.Within
	}
	for _, phrase := range g.phrases {
		for i := 0; i+len(phrase) <= len(words) && i < limit; i++ {
			if equalWords(words[i:i+len(phrase)], phrase) {
				rest := strings.Join(fields[i+len(phrase):], " ")
				return true, strings.Trim(rest, wakePunct)
			}
		}
	}
	return false, ""
}

func equalWords(a, b []string) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
