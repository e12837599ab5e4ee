package insight

import (
	"sort"
	"strings"

	"github.com/sells-group/visibility-cli/internal/analyzer"
	"github.com/sells-group/visibility-cli/internal/model"
)

// featureTerms is the capability lexicon batch extraction scans for.
// Terms are lower case and matched word-boundary against normalized
// text. Deliberately excludes words that routinely appear inside
// company names.
var featureTerms = []string{
	"pricing", "integration", "integrations", "dashboard", "dashboards",
	"api", "reporting", "reports", "automation", "workflows", "support",
	"onboarding", "security", "compliance", "templates", "alerts",
	"collaboration", "permissions", "export", "exports", "forecasting",
	"attribution", "mobile app", "free tier", "free trial", "trial",
	"documentation", "setup", "migration", "sso", "data sources",
}

// absentLabel is the gap recorded when a response never mentions the
// brand at all.
const absentLabel = "absent from answers"

// Extraction scoring. A feature named in the same sentence as a brand
// mention outweighs one merely nearby; emphatic sentiment (two or more
// net lexicon hits) outweighs mild; a competitor named while the brand
// is absent is a stronger threat than a contested mention.
const (
	scoreBrandAdjacent   = 1.0
	scoreBare            = 0.4
	scoreEmphatic        = 1.0
	scoreMild            = 0.7
	scoreThreatOpen      = 1.0
	scoreThreatContested = 0.6
	strongPolarity       = 2
)

// extractResponse derives every insight item one analyzed response
// contributes, keyed by extraction type, in a single pass over its
// snippets.
func extractResponse(r model.Response, brand model.BrandContext) map[model.ExtractionType][]model.InsightItem {
	out := make(map[model.ExtractionType][]model.InsightItem, len(model.ExtractionTypes))

	for _, sn := range analyzer.Snippets(r.RawText, brand) {
		features := matchedFeatures(sn.Text)

		score := scoreBare
		if sn.HasBrand {
			score = scoreBrandAdjacent
		}
		for _, term := range features {
			out[model.ExtractFeatureMentions] = append(out[model.ExtractFeatureMentions], newItem(term, score, r.ID))
		}

		if !sn.HasBrand {
			continue
		}
		switch {
		case sn.Polarity > 0:
			s := scoreMild
			if sn.Polarity >= strongPolarity {
				s = scoreEmphatic
			}
			for _, label := range labelsOr(features, sn.Positives) {
				out[model.ExtractStrengths] = append(out[model.ExtractStrengths], newItem(label, s, r.ID))
			}
		case sn.Polarity < 0:
			s := scoreMild
			if sn.Polarity <= -strongPolarity {
				s = scoreEmphatic
			}
			for _, label := range labelsOr(features, sn.Negatives) {
				out[model.ExtractGaps] = append(out[model.ExtractGaps], newItem(label, s, r.ID))
			}
		}
	}

	if r.Analysis == nil {
		return out
	}
	if !r.Analysis.BrandMentioned {
		out[model.ExtractGaps] = append(out[model.ExtractGaps], newItem(absentLabel, scoreThreatOpen, r.ID))
	}
	for _, comp := range r.Analysis.Competitors {
		s := scoreThreatContested
		if !r.Analysis.BrandMentioned {
			s = scoreThreatOpen
		}
		out[model.ExtractCompetitorThreats] = append(out[model.ExtractCompetitorThreats], newItem(comp, s, r.ID))
	}
	return out
}

func matchedFeatures(text string) []string {
	var found []string
	for _, term := range featureTerms {
		if analyzer.HasTerm(text, term) {
			found = append(found, term)
		}
	}
	return found
}

// labelsOr prefers concrete feature labels; a sentence with none falls
// back to the first lexicon term that fired, so the signal is never
// dropped on the floor.
func labelsOr(features, fallback []string) []string {
	if len(features) > 0 {
		return features
	}
	if len(fallback) > 0 {
		return fallback[:1]
	}
	return nil
}

func newItem(label string, score float64, responseID string) model.InsightItem {
	return model.InsightItem{Label: label, Score: score, Count: 1, Sources: []string{responseID}}
}

// mergeItems folds duplicate labels together: counts sum, scores
// average weighted by count, sources union in first-seen order. The
// first-seen spelling of a label wins.
func mergeItems(items []model.InsightItem) []model.InsightItem {
	idx := make(map[string]int, len(items))
	out := []model.InsightItem{}
	for _, it := range items {
		key := normalizeLabel(it.Label)
		if i, ok := idx[key]; ok {
			m := &out[i]
			total := float64(m.Count + it.Count)
			m.Score = (m.Score*float64(m.Count) + it.Score*float64(it.Count)) / total
			m.Count += it.Count
			m.Sources = unionStrings(m.Sources, it.Sources)
			continue
		}
		idx[key] = len(out)
		out = append(out, it)
	}
	return out
}

// sortItems orders items by score, then count, then label, so payloads
// are stable regardless of arrival order.
func sortItems(items []model.InsightItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Label < items[j].Label
	})
}

func normalizeLabel(label string) string {
	return strings.Join(strings.Fields(strings.ToLower(label)), " ")
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	add := func(xs []string) {
		for _, s := range xs {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	add(a)
	add(b)
	return out
}
