package text

import (
	"log/slog"
	"math"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens returns an estimated token count for s, compatible with
// common LLM APIs. The primary path uses the cl100k_base subword encoding;
// if the encoding cannot be loaded the estimate degrades to a character
// heuristic. It never fails and is deterministic for identical input.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}

	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, falling back to character heuristic", "error", err)
			return
		}
		encoding = enc
	})

	if encoding != nil {
		return len(encoding.Encode(s, nil, nil))
	}
	return heuristicTokens(s)
}

// heuristicTokens approximates token counts as CJK chars / 1.5 plus all other
// chars / 4, ceiling-rounded.
func heuristicTokens(s string) int {
	var cjk, other int
	for _, r := range s {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(cjk)/1.5 + float64(other)/4))
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
