package analyzer

// Sentiment lexicons, matched word-boundary against normalized text in
// sentences that mention the brand. Terms must be lower case.

var positiveTerms = []string{
	"excellent", "great", "best", "leading", "powerful", "reliable",
	"robust", "intuitive", "seamless", "fast", "easy", "flexible",
	"popular", "trusted", "strong", "impressive", "innovative",
	"outstanding", "superior", "efficient", "affordable", "scalable",
	"love", "loved", "recommend", "recommended", "favorite", "standout",
	"well-regarded", "mature", "polished",
}

var negativeTerms = []string{
	"poor", "bad", "worst", "slow", "clunky", "expensive", "limited",
	"lacking", "lacks", "weak", "difficult", "confusing", "outdated",
	"unreliable", "buggy", "frustrating", "overpriced", "complicated",
	"cumbersome", "disappointing", "inferior", "avoid", "problem",
	"problems", "issues", "complaint", "complaints", "struggles",
	"falls short", "behind",
}

// Recommendation cue phrases in descending strength. The strongest tier
// found in a brand sentence wins.

var topPickCues = []string{
	"top pick", "best choice", "best option", "number one", "#1",
	"first choice", "clear winner", "best overall", "the best",
}

var strongCues = []string{
	"highly recommend", "strongly recommend", "highly recommended",
	"strongly recommended", "excellent choice", "go-to", "ideal choice",
}

var moderateCues = []string{
	"recommend", "recommended", "good choice", "good option",
	"solid option", "solid choice", "great option", "a strong option",
}

var conditionalCues = []string{
	"if you need", "if you want", "if your team", "depending on",
	"for teams that", "for companies that", "best suited for",
	"works well for", "worth a look if", "consider it if",
}

var weakCues = []string{
	"worth considering", "worth a look", "an option", "one option",
	"could consider", "might consider", "may be worth", "an alternative",
}
