package sentiment

import (
	"strings"
)

// Analyzer scores news text with a keyword lexicon. It is the fallback for
// sources that ship no native sentiment score; items with no lexicon match
// stay unscored rather than defaulting to neutral.
type Analyzer struct {
	words   map[string]float64
	phrases []phrase
}

// phrase terms are matched with Contains: covers English bigrams and
// Chinese terms, which have no word boundaries to tokenize on
type phrase struct {
	text   string
	weight float64
}

// NewAnalyzer creates the analyzer with the built-in finance lexicon
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		words:   buildWordLexicon(),
		phrases: buildPhraseLexicon(),
	}
}

// Score returns a sentiment in [-1, 1] and whether any lexicon term matched
func (a *Analyzer) Score(text string) (float64, bool) {
	if text == "" {
		return 0, false
	}
	lower := strings.ToLower(text)

	var total float64
	matches := 0

	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if weight, ok := a.words[word]; ok {
			total += weight
			matches++
		}
	}
	for _, p := range a.phrases {
		if strings.Contains(lower, p.text) {
			total += p.weight
			matches++
		}
	}

	if matches == 0 {
		return 0, false
	}

	score := total / float64(matches)
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score, true
}

func buildWordLexicon() map[string]float64 {
	return map[string]float64{
		"bullish":    1.0,
		"rally":      0.8,
		"surge":      0.8,
		"soar":       0.8,
		"outperform": 0.7,
		"upgrade":    0.7,
		"buyback":    0.6,
		"dividend":   0.4,
		"gain":       0.5,
		"profit":     0.5,
		"growth":     0.5,
		"rise":       0.4,
		"record":     0.4,
		"optimistic": 0.5,
		"expansion":  0.4,

		"bearish":       -1.0,
		"crash":         -1.0,
		"plunge":        -0.9,
		"downgrade":     -0.7,
		"underperform":  -0.7,
		"selloff":       -0.7,
		"bankruptcy":    -1.0,
		"delisting":     -0.9,
		"fraud":         -1.0,
		"lawsuit":       -0.6,
		"loss":          -0.6,
		"decline":       -0.5,
		"fall":          -0.5,
		"drop":          -0.5,
		"miss":          -0.5,
		"recall":        -0.6,
		"layoffs":       -0.6,
		"investigation": -0.6,
	}
}

func buildPhraseLexicon() []phrase {
	return []phrase{
		{"beats estimates", 0.9},
		{"beat expectations", 0.9},
		{"raises guidance", 0.9},
		{"record revenue", 0.8},
		{"share buyback", 0.6},
		{"misses estimates", -0.9},
		{"cuts guidance", -0.9},
		{"profit warning", -0.9},
		{"going concern", -1.0},
		{"sec probe", -0.8},

		{"利好", 0.8},
		{"涨停", 0.9},
		{"大涨", 0.8},
		{"上涨", 0.5},
		{"增持", 0.6},
		{"回购", 0.6},
		{"业绩预增", 0.9},
		{"净利润增长", 0.7},
		{"创新高", 0.7},
		{"分红", 0.4},

		{"利空", -0.8},
		{"跌停", -0.9},
		{"大跌", -0.8},
		{"下跌", -0.5},
		{"减持", -0.6},
		{"亏损", -0.7},
		{"业绩预亏", -0.9},
		{"退市", -1.0},
		{"立案调查", -0.9},
		{"违规", -0.6},
		{"爆雷", -1.0},
		{"质押", -0.4},
	}
}
