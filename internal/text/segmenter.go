package text

import (
	"log/slog"
	"strings"
)

// Segment is a bounded slice of a larger document. Text starts with Overlap
// (a suffix of the previous segment, empty for the first) followed by the
// segment's own content; Body returns the content without the overlap.
// Concatenating all bodies reproduces the original document.
type Segment struct {
	Index   int
	Total   int
	Text    string
	Overlap string
}

func (s Segment) Body() string {
	return s.Text[len(s.Overlap):]
}

// SegmentDocument splits text into ordered segments of at most roughly
// maxTokens estimated tokens each, re-including a trailing window of the
// previous segment (sized to approximate overlapTokens) at the head of each
// subsequent segment for cross-segment context.
//
// Paragraphs are the primary split unit. A paragraph that alone exceeds the
// budget is split by sentence; a sentence that still exceeds it falls back to
// fixed-size character chunks, which loses natural boundaries and is logged
// as an anomaly.
func SegmentDocument(text string, maxTokens, overlapTokens int) []Segment {
	if text == "" || maxTokens <= 0 {
		return nil
	}

	var units []string
	for _, para := range splitParagraphs(text) {
		if EstimateTokens(para) <= maxTokens {
			units = append(units, para)
			continue
		}
		for _, sent := range splitSentences(para) {
			if EstimateTokens(sent) <= maxTokens {
				units = append(units, sent)
				continue
			}
			slog.Warn("sentence exceeds segment budget, falling back to character chunking",
				"sentence_tokens", EstimateTokens(sent), "max_tokens", maxTokens)
			units = append(units, chunkChars(sent, maxTokens)...)
		}
	}

	var bodies []string
	var cur strings.Builder
	curTokens := 0
	for _, u := range units {
		ut := EstimateTokens(u)
		if curTokens > 0 && curTokens+ut > maxTokens {
			bodies = append(bodies, cur.String())
			cur.Reset()
			curTokens = 0
		}
		cur.WriteString(u)
		curTokens += ut
	}
	if cur.Len() > 0 {
		bodies = append(bodies, cur.String())
	}

	segs := make([]Segment, len(bodies))
	for i, body := range bodies {
		overlap := ""
		if i > 0 && overlapTokens > 0 {
			overlap = overlapWindow(bodies[i-1], overlapTokens)
		}
		segs[i] = Segment{
			Index:   i,
			Total:   len(bodies),
			Text:    overlap + body,
			Overlap: overlap,
		}
	}
	return segs
}

// splitParagraphs splits on blank lines, keeping each separator run attached
// to the preceding paragraph so concatenation reproduces the input exactly.
func splitParagraphs(text string) []string {
	var parts []string
	start := 0
	i := 0
	for i < len(text) {
		if text[i] == '\n' && i+1 < len(text) && text[i+1] == '\n' {
			j := i
			for j < len(text) && text[j] == '\n' {
				j++
			}
			parts = append(parts, text[start:j])
			start = j
			i = j
			continue
		}
		i++
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}

// splitSentences splits after sentence-ending punctuation, keeping the
// punctuation (and any trailing whitespace) with the sentence.
func splitSentences(text string) []string {
	var parts []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isSentenceEnd(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t') {
			j++
		}
		parts = append(parts, string(runes[start:j]))
		start = j
		i = j - 1
	}
	if start < len(runes) {
		parts = append(parts, string(runes[start:]))
	}
	return parts
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '。', '！', '？', '；':
		return true
	}
	return false
}

// chunkChars is the last-resort split: fixed chunks of roughly maxTokens/2
// tokens' worth of characters (≈4 chars per token), on rune boundaries.
func chunkChars(text string, maxTokens int) []string {
	size := maxTokens / 2 * 4
	if size < 1 {
		size = 1
	}
	runes := []rune(text)
	var parts []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

// overlapWindow returns a suffix of prev approximating overlapTokens: whole
// trailing paragraphs while they fit, otherwise a raw character suffix.
func overlapWindow(prev string, overlapTokens int) string {
	paras := splitParagraphs(prev)
	window := ""
	tokens := 0
	for i := len(paras) - 1; i >= 0; i-- {
		pt := EstimateTokens(paras[i])
		if tokens+pt > overlapTokens {
			break
		}
		window = paras[i] + window
		tokens += pt
	}
	if window != "" {
		return window
	}

	chars := overlapTokens * 4
	runes := []rune(prev)
	if chars >= len(runes) {
		return prev
	}
	return string(runes[len(runes)-chars:])
}
