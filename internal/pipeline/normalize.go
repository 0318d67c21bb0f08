package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"trendlens/internal/core"
)

// itemNamespace seeds deterministic item UUIDs so repeated collections
// of the same (source, source_id) produce the same identity.
var itemNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Normalize converts raw collector items into processed items: HTML
// stripped, Unicode NFC, whitespace collapsed. The original display
// title is preserved; normalized_title is the lower-cased comparison
// form. Items without the identity fields are dropped with an error.
func Normalize(raw []core.RawItem) ([]core.ProcessedItem, []string) {
	var items []core.ProcessedItem
	var errs []string
	now := time.Now().UTC()

	for _, r := range raw {
		if r.Source == "" || r.SourceID == "" {
			errs = append(errs, fmt.Sprintf("item %q missing source identity", r.Title))
			continue
		}
		title := CleanText(r.Title)
		if title == "" {
			errs = append(errs, fmt.Sprintf("item %s has no title", r.Key()))
			continue
		}

		publishedAt := r.PublishedAt
		if publishedAt.IsZero() {
			publishedAt = now
		}

		normalized := strings.ToLower(title)
		items = append(items, core.ProcessedItem{
			ID:              uuid.NewSHA1(itemNamespace, []byte(r.Key())).String(),
			Source:          r.Source,
			SourceID:        r.SourceID,
			URL:             strings.TrimSpace(r.URL),
			Title:           title,
			NormalizedTitle: normalized,
			Body:            CleanText(r.Body),
			Author:          strings.TrimSpace(r.Author),
			PublishedAt:     publishedAt.UTC(),
			Engagement:      r.Engagement,
			Category:        categorize(normalized, r.Tags),
			Language:        strings.TrimSpace(r.LanguageHint),
			Keywords:        extractKeywords(normalized),
			ProcessedAt:     now,
		})
	}
	return items, errs
}

// CleanText strips HTML, applies Unicode NFC, and collapses whitespace.
func CleanText(s string) string {
	s = stripHTML(s)
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style").Remove()
	return doc.Text()
}

// stopwords excluded from keyword extraction.
var stopwords = map[string]bool{
	"about": true, "after": true, "against": true, "because": true,
	"been": true, "before": true, "being": true, "between": true,
	"could": true, "does": true, "down": true, "every": true,
	"from": true, "have": true, "here": true, "http": true,
	"https": true, "into": true, "just": true, "like": true,
	"more": true, "most": true, "only": true, "other": true,
	"over": true, "same": true, "should": true, "some": true,
	"such": true, "than": true, "that": true, "their": true,
	"them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "those": true, "through": true,
	"under": true, "until": true, "very": true, "were": true,
	"what": true, "when": true, "where": true, "which": true,
	"while": true, "will": true, "with": true, "would": true,
	"your": true,
}

func extractKeywords(text string) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r < 128
	}) {
		if len(word) <= 3 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	return keywords
}

// categoryHints maps signal words to editorial categories. First match
// on tags wins, then title words.
var categoryHints = map[string]core.Category{
	"tech": core.CategoryTechnology, "technology": core.CategoryTechnology,
	"software": core.CategoryTechnology, "programming": core.CategoryTechnology,
	"startup": core.CategoryTechnology, "hardware": core.CategoryTechnology,
	"crypto": core.CategoryTechnology,

	"business": core.CategoryBusiness, "economy": core.CategoryBusiness,
	"finance": core.CategoryBusiness, "market": core.CategoryBusiness,
	"stocks": core.CategoryBusiness,

	"science": core.CategoryScience, "research": core.CategoryScience,
	"space": core.CategoryScience, "physics": core.CategoryScience,
	"biology": core.CategoryScience, "climate": core.CategoryScience,

	"entertainment": core.CategoryEntertainment, "movie": core.CategoryEntertainment,
	"music": core.CategoryEntertainment, "gaming": core.CategoryEntertainment,
	"celebrity": core.CategoryEntertainment,

	"sports": core.CategorySports, "football": core.CategorySports,
	"basketball": core.CategorySports, "soccer": core.CategorySports,
	"olympics": core.CategorySports,

	"politics": core.CategoryPolitics, "election": core.CategoryPolitics,
	"government": core.CategoryPolitics, "senate": core.CategoryPolitics,
	"congress": core.CategoryPolitics,

	"health": core.CategoryHealth, "medicine": core.CategoryHealth,
	"medical": core.CategoryHealth, "vaccine": core.CategoryHealth,
	"fitness": core.CategoryHealth,
}

func categorize(normalizedTitle string, tags []string) core.Category {
	for _, tag := range tags {
		if cat, ok := categoryHints[strings.ToLower(strings.TrimSpace(tag))]; ok {
			return cat
		}
	}
	for _, word := range strings.Fields(normalizedTitle) {
		if cat, ok := categoryHints[strings.Trim(word, ".,:;!?")]; ok {
			return cat
		}
	}
	return core.CategoryGeneral
}
