package analyzer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining marks after NFD decomposition, then
// recomposes, so "Café" and "Cafe" normalize identically.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize prepares text for matching: decompose, strip diacritics,
// recompose, case-fold. Matching and scoring operate only on
// normalized text.
func Normalize(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		// Transform failures leave the input usable; fall back to folding alone.
		out = s
	}
	return cases.Fold().String(out)
}

// findMentions returns the byte offsets of word-boundary occurrences of
// term in text. Both must already be normalized.
func findMentions(text, term string) []int {
	if term == "" {
		return nil
	}
	var offsets []int
	start := 0
	for {
		i := strings.Index(text[start:], term)
		if i < 0 {
			break
		}
		pos := start + i
		if boundaryBefore(text, pos) && boundaryAfter(text, pos+len(term)) {
			offsets = append(offsets, pos)
		}
		start = pos + len(term)
	}
	return offsets
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// sentence is one sentence span within normalized text.
type sentence struct {
	start int
	end   int
	text  string
}

// splitSentences breaks normalized text on terminal punctuation and
// newlines, keeping byte spans so mention offsets map back to their
// sentence.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	flush := func(end int) {
		seg := strings.TrimSpace(text[start:end])
		if seg != "" {
			out = append(out, sentence{start: start, end: end, text: seg})
		}
		start = end
	}
	for i, r := range text {
		switch r {
		case '.', '!', '?', '\n':
			flush(i + utf8.RuneLen(r))
		}
	}
	flush(len(text))
	return out
}

// containing returns the index of the sentence covering byte offset pos,
// or -1.
func containing(sentences []sentence, pos int) int {
	for i, s := range sentences {
		if pos >= s.start && pos < s.end {
			return i
		}
	}
	return -1
}
