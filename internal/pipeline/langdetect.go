package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"trendlens/internal/core"
)

// minDetectChars is the minimum content length for detection; shorter
// items are tagged "und".
const minDetectChars = 3

// DetectLanguages assigns a BCP-47 primary language tag and confidence
// to each item in place. Items carrying a collector-provided language
// hint keep it at full confidence. Detection runs on title plus body so
// short CJK titles still have enough signal.
func DetectLanguages(items []core.ProcessedItem) {
	for i := range items {
		if items[i].Language != "" {
			items[i].LangConfidence = 1
			continue
		}
		items[i].Language, items[i].LangConfidence = detectLanguage(
			items[i].NormalizedTitle + " " + items[i].Body)
	}
}

func detectLanguage(text string) (string, float64) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minDetectChars {
		return "und", 0
	}
	info := whatlanggo.Detect(text)
	tag := info.Lang.Iso6391()
	if tag == "" {
		tag = info.Lang.Iso6393()
	}
	if tag == "" {
		return "und", 0
	}
	return tag, info.Confidence
}
