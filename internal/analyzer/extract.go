package analyzer

import "github.com/sells-group/visibility-cli/internal/model"

// Snippet is one sentence of a response with its brand and polarity
// signal attached, the unit the aggregation ladder mines for insight
// items. Text is normalized.
type Snippet struct {
	Text      string
	HasBrand  bool
	Polarity  int      // positive minus negative lexicon hits
	Positives []string // lexicon terms that fired, in lexicon order
	Negatives []string
}

// Snippets splits a raw response into classified sentences. It applies
// the same normalization and lexicons as Analyze, so ladder extraction
// and response scoring never disagree about what a sentence says.
func Snippets(raw string, brand model.BrandContext) []Snippet {
	text := Normalize(raw)
	if text == "" {
		return nil
	}

	mentions := brandMentions(text, brand)
	sents := splitSentences(text)
	brandIdx := make(map[int]struct{})
	for _, i := range brandSentences(sents, mentions) {
		brandIdx[i] = struct{}{}
	}

	out := make([]Snippet, 0, len(sents))
	for i, s := range sents {
		sn := Snippet{Text: s.text}
		for _, term := range positiveTerms {
			if n := len(findMentions(s.text, term)); n > 0 {
				sn.Polarity += n
				sn.Positives = append(sn.Positives, term)
			}
		}
		for _, term := range negativeTerms {
			if n := len(findMentions(s.text, term)); n > 0 {
				sn.Polarity -= n
				sn.Negatives = append(sn.Negatives, term)
			}
		}
		_, sn.HasBrand = brandIdx[i]
		out = append(out, sn)
	}
	return out
}

// HasTerm reports a word-boundary occurrence of term in text. Both must
// already be normalized.
func HasTerm(text, term string) bool {
	return len(findMentions(text, term)) > 0
}
