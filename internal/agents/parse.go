package agents

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/selivandex/stock-agents/pkg/models"
)

// Agents are asked to close structured answers with uppercase tag lines
// (ACTION:, CONFIDENCE:, LEVEL:, SCORE:, TARGET_PRICE:). Models drift, so
// every parser falls back to a conservative default instead of failing the
// run over a formatting miss.

var tagLine = regexp.MustCompile(`(?m)^\s*\*{0,2}([A-Z_]+)\*{0,2}\s*[:：]\s*(.+?)\s*$`)

// extractTags pulls tag lines out of a model answer. The untagged remainder
// is returned as the free-form body.
func extractTags(text string) (map[string]string, string) {
	tags := make(map[string]string)
	var body []string
	for _, line := range strings.Split(text, "\n") {
		m := tagLine.FindStringSubmatch(line)
		if m == nil {
			body = append(body, line)
			continue
		}
		key := m[1]
		if _, dup := tags[key]; !dup {
			tags[key] = strings.Trim(m[2], "*` ")
		}
	}
	return tags, strings.TrimSpace(strings.Join(body, "\n"))
}

// parseRiskAssessment reads the risk manager's verdict. Unknown levels and
// unparseable scores degrade to medium/5.0 with the raw text preserved.
func parseRiskAssessment(text string) *models.RiskAssessment {
	tags, _ := extractTags(text)

	level := strings.ToLower(tags["LEVEL"])
	switch level {
	case "low", "medium", "high":
	default:
		level = "medium"
	}

	score := 5.0
	if raw, ok := tags["SCORE"]; ok {
		if v, err := strconv.ParseFloat(firstNumber(raw), 64); err == nil && v >= 0 && v <= 10 {
			score = v
		}
	}

	return &models.RiskAssessment{
		Level: level,
		Score: score,
		Text:  text,
	}
}

// parseFinalRecommendation reads the terminal decision. A missing or
// malformed answer degrades to hold at half confidence so terminal states
// always carry a recommendation.
func parseFinalRecommendation(text string) *models.FinalRecommendation {
	tags, body := extractTags(text)

	action := strings.ToLower(tags["ACTION"])
	switch action {
	case "buy", "hold", "sell":
	default:
		action = "hold"
	}

	confidence := 0.5
	if raw, ok := tags["CONFIDENCE"]; ok {
		if v, err := strconv.ParseFloat(firstNumber(raw), 64); err == nil {
			if v > 1 && v <= 100 { // models often answer in percent
				v /= 100
			}
			if v >= 0 && v <= 1 {
				confidence = v
			}
		}
	}

	var target float64
	if raw, ok := tags["TARGET_PRICE"]; ok {
		if v, err := strconv.ParseFloat(firstNumber(raw), 64); err == nil && v > 0 {
			target = v
		}
	}

	reasoning := body
	if r, ok := tags["REASONING"]; ok && r != "" {
		reasoning = r
	}
	if reasoning == "" {
		reasoning = text
	}

	return &models.FinalRecommendation{
		Action:      action,
		Confidence:  confidence,
		TargetPrice: target,
		Reasoning:   reasoning,
	}
}

var numberPattern = regexp.MustCompile(`-?\d+(\.\d+)?`)

func firstNumber(s string) string {
	return numberPattern.FindString(s)
}
