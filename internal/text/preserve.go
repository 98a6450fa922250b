package text

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type SpanCategory string

const (
	CategoryImageRef  SpanCategory = "image-reference"
	CategoryHTMLImage SpanCategory = "html-image"
	CategoryTableRow  SpanCategory = "table-row"
	CategoryMath      SpanCategory = "math-expression"
)

// PreservedSpan is a substring replaced by a placeholder before external
// rewriting. Category is diagnostic only; restoration goes by placeholder.
type PreservedSpan struct {
	Placeholder string
	Original    string
	Category    SpanCategory
}

var (
	markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	htmlImageRe     = regexp.MustCompile(`(?is)<img[^>]*?/?>`)
	tableLineRe     = regexp.MustCompile(`(?m)^[^\n]*\|[^\n]*$`)
	mathBlockRe     = regexp.MustCompile(`(?s)\$\$.+?\$\$`)
	mathInlineRe    = regexp.MustCompile(`\$[^$\n]+\$`)
	mathBracketRe   = regexp.MustCompile(`(?s)\\\[.+?\\\]`)
	mathParenRe     = regexp.MustCompile(`(?s)\\\(.+?\\\)`)
)

// Preserver extracts content that an external rewriting step must not touch
// (images, tables, math) and substitutes collision-free placeholders. The
// per-job salt guarantees placeholders collide neither with document content
// nor with model-generated text; the running counter keeps them pairwise
// distinct, and the closing delimiter keeps any placeholder from being a
// prefix of another.
type Preserver struct {
	salt    string
	counter int
	pattern *regexp.Regexp
}

func NewPreserver() *Preserver {
	salt := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return &Preserver{
		salt:    salt,
		pattern: regexp.MustCompile(`\[\[PD-` + salt + `-\d+\]\]`),
	}
}

func (p *Preserver) mint() string {
	ph := fmt.Sprintf("[[PD-%s-%d]]", p.salt, p.counter)
	p.counter++
	return ph
}

// Extract scans text in a fixed order (markdown images, HTML image tags,
// table rows, math expressions) and returns the working text with every match
// replaced by a fresh placeholder, plus the spans needed to reverse it.
func (p *Preserver) Extract(text string) (string, []PreservedSpan) {
	var spans []PreservedSpan

	replace := func(re *regexp.Regexp, cat SpanCategory, keep func(string) bool) {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			if keep != nil && !keep(m) {
				return m
			}
			if p.pattern.MatchString(m) {
				// Already contains one of our placeholders; leave it alone so
				// nested matches cannot double-wrap.
				return m
			}
			ph := p.mint()
			spans = append(spans, PreservedSpan{Placeholder: ph, Original: m, Category: cat})
			return ph
		})
	}

	replace(markdownImageRe, CategoryImageRef, nil)
	replace(htmlImageRe, CategoryHTMLImage, nil)
	// A stray pipe in prose is not a table; require at least three separators.
	replace(tableLineRe, CategoryTableRow, func(m string) bool {
		return strings.Count(m, "|") >= 3
	})
	replace(mathBlockRe, CategoryMath, nil)
	replace(mathBracketRe, CategoryMath, nil)
	replace(mathParenRe, CategoryMath, nil)
	replace(mathInlineRe, CategoryMath, nil)

	return text, spans
}

// Restore substitutes every placeholder back with its original content, then
// runs a second targeted pass over any remaining placeholder-shaped
// substrings (the rewriting step may duplicate or relocate a placeholder but
// leave its literal text intact). It returns the restored text and the number
// of spans whose placeholder was altered beyond recognition and could not be
// recovered; that loss is logged, never fatal.
func (p *Preserver) Restore(text string, spans []PreservedSpan) (string, int) {
	byPlaceholder := make(map[string]string, len(spans))
	for _, s := range spans {
		byPlaceholder[s.Placeholder] = s.Original
	}

	lost := 0
	for _, s := range spans {
		if !strings.Contains(text, s.Placeholder) {
			lost++
			continue
		}
		text = strings.ReplaceAll(text, s.Placeholder, s.Original)
	}

	// Repair pass: any placeholder-shaped leftovers with our salt.
	text = p.pattern.ReplaceAllStringFunc(text, func(m string) string {
		if orig, ok := byPlaceholder[m]; ok {
			return orig
		}
		return m
	})

	if lost > 0 {
		slog.Warn("placeholders lost during external rewrite", "lost", lost, "total", len(spans))
	}
	return text, lost
}
