package pipeline

import (
	"strings"

	"trendlens/internal/core"
)

// Lexicon weights for rule-based sentiment. Kept small on purpose; the
// score only feeds search filters and topic summaries, not ranking.
var positiveWords = map[string]float64{
	"excellent": 1.0, "amazing": 0.9, "outstanding": 0.9, "fantastic": 0.8,
	"breakthrough": 0.8, "great": 0.7, "success": 0.7, "innovation": 0.7,
	"achievement": 0.7, "good": 0.6, "positive": 0.6, "growth": 0.6,
	"win": 0.6, "efficient": 0.6, "effective": 0.6, "beneficial": 0.6,
	"boost": 0.6, "profit": 0.6, "advance": 0.6, "progress": 0.6,
	"improvement": 0.5, "gain": 0.5, "opportunity": 0.5, "upgrade": 0.5,
	"optimize": 0.5, "enhance": 0.5, "advantage": 0.5, "record": 0.4,
	"launch": 0.4, "increase": 0.4,
}

var negativeWords = map[string]float64{
	"terrible": 1.0, "awful": 0.9, "horrible": 0.9, "disaster": 0.8,
	"crisis": 0.8, "failure": 0.7, "breach": 0.7, "hack": 0.7,
	"emergency": 0.7, "bad": 0.6, "poor": 0.6, "negative": 0.6,
	"lose": 0.6, "threat": 0.6, "decline": 0.6, "loss": 0.6,
	"attack": 0.6, "vulnerability": 0.6, "outage": 0.6, "closure": 0.6,
	"problem": 0.5, "risk": 0.5, "decrease": 0.5, "drop": 0.5,
	"error": 0.5, "fault": 0.5, "flaw": 0.5, "warning": 0.5,
	"downtime": 0.5, "shutdown": 0.5, "issue": 0.4, "concern": 0.4,
	"bug": 0.4, "weakness": 0.4, "fall": 0.4,
}

// ScoreSentiment assigns a lexicon-based sentiment score in [-1,1] to
// each item in place. Zero means neutral or no lexicon hits.
func ScoreSentiment(items []core.ProcessedItem) {
	for i := range items {
		items[i].SentimentScore = sentimentScore(
			items[i].NormalizedTitle + " " + items[i].Body)
	}
}

func sentimentScore(text string) float64 {
	var sum float64
	var hits int
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,:;!?\"'()[]")
		if w, ok := positiveWords[word]; ok {
			sum += w
			hits++
		} else if w, ok := negativeWords[word]; ok {
			sum -= w
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	score := sum / float64(hits)
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}
