// Package analyzer extracts brand-visibility signal from raw provider
// responses. Analysis is a pure function of the response text and the
// brand context: no network, no store, safe to re-run in place.
package analyzer

import (
	"sort"

	"github.com/sells-group/visibility-cli/internal/model"
)

// Position thresholds as a fraction of response length.
const (
	firstWindow = 0.15
	midWindow   = 0.60
)

// Context coverage thresholds (fraction of sentences mentioning the brand).
const (
	primaryFocusCoverage = 0.50
	featuredCoverage     = 0.25
)

// Analyze classifies one response against the brand context. The result
// is always a complete record; text with no readable signal lands on
// the neutral end of every scale.
func Analyze(raw string, brand model.BrandContext) model.Analysis {
	a := model.NeutralAnalysis()

	text := Normalize(raw)
	if text == "" {
		return a
	}

	mentions := brandMentions(text, brand)
	a.Competitors = competitorMentions(text, brand.Competitors)

	if len(mentions) == 0 {
		return a
	}
	a.BrandMentioned = true

	sentences := splitSentences(text)
	brandSents := brandSentences(sentences, mentions)

	a.MentionPosition = classifyPosition(mentions[0], len(text))
	a.MentionContext = classifyContext(len(mentions), len(brandSents), len(sentences))
	a.Sentiment = classifySentiment(sentences, brandSents)
	a.Recommendation = classifyRecommendation(sentences, brandSents)

	return a
}

// brandMentions returns sorted byte offsets of the brand name and its
// aliases in normalized text.
func brandMentions(text string, brand model.BrandContext) []int {
	terms := make([]string, 0, 1+len(brand.Aliases))
	if brand.Brand != "" {
		terms = append(terms, Normalize(brand.Brand))
	}
	for _, alias := range brand.Aliases {
		terms = append(terms, Normalize(alias))
	}

	var all []int
	for _, term := range terms {
		all = append(all, findMentions(text, term)...)
	}
	sort.Ints(all)
	return dedupeInts(all)
}

// competitorMentions returns competitor names present in the text,
// preserving the order and spelling of the configured list.
func competitorMentions(text string, competitors []string) []string {
	found := []string{}
	seen := make(map[string]struct{}, len(competitors))
	for _, c := range competitors {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		if len(findMentions(text, Normalize(c))) > 0 {
			found = append(found, c)
			seen[c] = struct{}{}
		}
	}
	return found
}

// brandSentences returns the indexes of sentences containing at least
// one brand mention.
func brandSentences(sentences []sentence, mentions []int) []int {
	var idxs []int
	seen := make(map[int]struct{})
	for _, pos := range mentions {
		i := containing(sentences, pos)
		if i < 0 {
			continue
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		idxs = append(idxs, i)
	}
	return idxs
}

func classifyPosition(first, textLen int) model.MentionPosition {
	frac := float64(first) / float64(textLen)
	switch {
	case frac <= firstWindow:
		return model.PositionFirst
	case frac <= midWindow:
		return model.PositionMid
	default:
		return model.PositionLate
	}
}

func classifyContext(mentionCount, brandSentCount, sentCount int) model.MentionContext {
	coverage := 0.0
	if sentCount > 0 {
		coverage = float64(brandSentCount) / float64(sentCount)
	}
	switch {
	case coverage >= primaryFocusCoverage:
		return model.ContextPrimaryFocus
	case coverage >= featuredCoverage || mentionCount >= 4:
		return model.ContextFeatured
	case mentionCount >= 2:
		return model.ContextSupporting
	default:
		return model.ContextPassing
	}
}

func classifySentiment(sentences []sentence, brandSents []int) model.Sentiment {
	pos, neg := 0, 0
	for _, i := range brandSents {
		text := sentences[i].text
		for _, term := range positiveTerms {
			pos += len(findMentions(text, term))
		}
		for _, term := range negativeTerms {
			neg += len(findMentions(text, term))
		}
	}

	net := pos - neg
	switch {
	case pos == 0 && neg == 0:
		return model.SentimentNeutral
	case pos > 0 && neg > 0 && abs(net) <= 1:
		return model.SentimentMixed
	case net >= 4:
		return model.SentimentVeryPositive
	case net >= 1:
		return model.SentimentPositive
	case net <= -4:
		return model.SentimentVeryNegative
	default:
		return model.SentimentNegative
	}
}

func classifyRecommendation(sentences []sentence, brandSents []int) model.Recommendation {
	best := model.RecommendationNone
	tiers := []struct {
		cues []string
		rec  model.Recommendation
	}{
		{topPickCues, model.RecommendationTopPick},
		{strongCues, model.RecommendationStrong},
		{moderateCues, model.RecommendationModerate},
		{conditionalCues, model.RecommendationConditional},
		{weakCues, model.RecommendationWeak},
	}

	for _, i := range brandSents {
		text := sentences[i].text
		for _, tier := range tiers {
			if best.Score() >= tier.rec.Score() {
				break
			}
			for _, cue := range tier.cues {
				if len(findMentions(text, cue)) > 0 {
					best = tier.rec
					break
				}
			}
		}
	}
	return best
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func dedupeInts(xs []int) []int {
	if len(xs) < 2 {
		return xs
	}
	out := xs[:1]
	for _, x := range xs[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
