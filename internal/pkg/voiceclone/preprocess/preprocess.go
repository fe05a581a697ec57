package preprocess

import (
	"iter"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// space matches what unicode considers whitespace: RE2's \s alone is ASCII
// only and leaves out \v.
const space = `[\s\v\x{1c}-\x{1f}\x{85}\p{Z}]`

var (
	whitespaceRe = regexp.MustCompile(space + `+`)
	boundaryRe   = regexp.MustCompile(`[.!?]` + space + `+`)
)

type Preprocessor struct{}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{}
}

// Process normalizes text before it is split and synthesized. It does not
// rewrite words; number and abbreviation expansion belong to the synthesizer.
func (p *Preprocessor) Process(text string) string {
	text = norm.NFC.String(text)
	text = normalizeQuotes(text)
	text = normalizePunctuation(text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Split cuts text immediately after every '.', '!' or '?' that is followed by
// whitespace. The whitespace run is dropped. A text with N such boundaries
// always yields N+1 segments, some of which may be empty.
func Split(text string) []string {
	bounds := boundaryRe.FindAllStringIndex(text, -1)
	segments := make([]string, 0, len(bounds)+1)
	start := 0
	for _, b := range bounds {
		// b[0] is the punctuation byte, which stays with the left segment.
		segments = append(segments, text[start:b[0]+1])
		start = b[1]
	}
	segments = append(segments, text[start:])
	return segments
}

// Sentences returns the non-empty, trimmed segments of text. The sequence is
// lazy and can be ranged over any number of times.
func Sentences(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		start := 0
		for {
			loc := boundaryRe.FindStringIndex(text[start:])
			var segment string
			if loc == nil {
				segment = text[start:]
			} else {
				segment = text[start : start+loc[0]+1]
			}
			if s := strings.TrimSpace(segment); s != "" {
				if !yield(s) {
					return
				}
			}
			if loc == nil {
				return
			}
			start += loc[1]
		}
	}
}

func normalizeQuotes(text string) string {
	text = strings.ReplaceAll(text, "“", "\"")
	text = strings.ReplaceAll(text, "”", "\"")
	text = strings.ReplaceAll(text, "‘", "'")
	text = strings.ReplaceAll(text, "’", "'")
	text = strings.ReplaceAll(text, "«", "\"")
	text = strings.ReplaceAll(text, "»", "\"")
	return text
}

func normalizePunctuation(text string) string {
	text = strings.ReplaceAll(text, "—", ", ")
	text = strings.ReplaceAll(text, "–", ", ")
	text = strings.ReplaceAll(text, "…", "...")
	text = strings.ReplaceAll(text, "•", ",")
	return text
}
