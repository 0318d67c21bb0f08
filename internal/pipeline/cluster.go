package pipeline

import (
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"trendlens/internal/clustering"
	"trendlens/internal/config"
	"trendlens/internal/core"
)

// topicNamespace seeds deterministic topic UUIDs from the sorted member
// set, so a re-run over the same items updates the same topic rows.
var topicNamespace = uuid.MustParse("9f2c41a0-5b8e-41d7-9c63-2f8a1d4e7b02")

// summaryTitles is how many member titles the topic summary joins.
const summaryTitles = 3

// BuildTopics clusters items by embedding and materializes one Topic
// per cluster. Items tagged "und" or missing embeddings are treated as
// noise: they stay persisted as items but join no topic. Clustering is
// cross-language; related coverage in different languages lands in the
// same topic.
func BuildTopics(items []core.ProcessedItem, cfg config.Pipeline) ([]core.Topic, error) {
	var eligible []int
	var vectors [][]float64
	for i := range items {
		if items[i].Language == "und" || len(items[i].Embedding) == 0 {
			continue
		}
		eligible = append(eligible, i)
		vectors = append(vectors, items[i].Embedding)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	clusterer, err := clustering.New(clustering.Params{
		Strategy:       cfg.ClusteringStrategy,
		MinClusterSize: cfg.MinClusterSize,
		MaxDistance:    cfg.ClusteringDistance,
	})
	if err != nil {
		return nil, err
	}
	labels, err := clusterer.Assign(vectors)
	if err != nil {
		return nil, err
	}

	groups := make(map[int][]int)
	for pos, label := range labels {
		if label == clustering.Noise {
			continue
		}
		groups[label] = append(groups[label], eligible[pos])
	}

	labelsSorted := make([]int, 0, len(groups))
	for label := range groups {
		labelsSorted = append(labelsSorted, label)
	}
	sort.Ints(labelsSorted)

	topics := make([]core.Topic, 0, len(groups))
	for _, label := range labelsSorted {
		topics = append(topics, buildTopic(items, groups[label], vectors, labels, label, cfg.TopKeywords))
	}
	return topics, nil
}

func buildTopic(items []core.ProcessedItem, members []int, vectors [][]float64, labels []int, label, topKeywords int) core.Topic {
	// Order members by engagement for the title and summary picks.
	byEngagement := append([]int(nil), members...)
	sort.Slice(byEngagement, func(a, b int) bool {
		sa, sb := items[byEngagement[a]].Engagement.Score(), items[byEngagement[b]].Engagement.Score()
		if sa != sb {
			return sa > sb
		}
		return items[byEngagement[a]].ID < items[byEngagement[b]].ID
	})

	var titles []string
	for _, idx := range byEngagement {
		if len(titles) == summaryTitles {
			break
		}
		titles = append(titles, items[idx].Title)
	}

	var engagement core.Engagement
	ids := make([]string, 0, len(members))
	first, last := items[members[0]].PublishedAt, items[members[0]].PublishedAt
	for _, idx := range members {
		engagement = engagement.Add(items[idx].Engagement)
		ids = append(ids, items[idx].ID)
		if items[idx].PublishedAt.Before(first) {
			first = items[idx].PublishedAt
		}
		if items[idx].PublishedAt.After(last) {
			last = items[idx].PublishedAt
		}
	}
	sort.Strings(ids)

	var memberPos []int
	for pos := range labels {
		if labels[pos] == label {
			memberPos = append(memberPos, pos)
		}
	}

	return core.Topic{
		ID:          uuid.NewSHA1(topicNamespace, []byte(strings.Join(ids, ","))).String(),
		Title:       items[byEngagement[0]].Title,
		Summary:     strings.Join(titles, " · "),
		Category:    majorityCategory(items, members),
		Keywords:    topicKeywords(items, members, topKeywords),
		ItemIDs:     ids,
		ItemCount:   len(ids),
		Engagement:  engagement,
		Language:    majorityLanguage(items, members),
		Centroid:    clustering.Centroid(vectors, memberPos),
		FirstSeen:   first,
		LastUpdated: last,
	}
}

// majorityLanguage returns the most common member language; ties go to
// the language of the earliest-published member holding it.
func majorityLanguage(items []core.ProcessedItem, members []int) string {
	counts := make(map[string]int)
	for _, idx := range members {
		counts[items[idx].Language]++
	}
	best, bestCount := "", -1
	ordered := append([]int(nil), members...)
	sort.Slice(ordered, func(a, b int) bool {
		return items[ordered[a]].PublishedAt.Before(items[ordered[b]].PublishedAt)
	})
	for _, idx := range ordered {
		lang := items[idx].Language
		if counts[lang] > bestCount {
			best, bestCount = lang, counts[lang]
		}
	}
	return best
}

func majorityCategory(items []core.ProcessedItem, members []int) core.Category {
	counts := make(map[core.Category]int)
	for _, idx := range members {
		counts[items[idx].Category]++
	}
	best := core.CategoryGeneral
	bestCount := -1
	for _, idx := range members {
		cat := items[idx].Category
		if counts[cat] > bestCount {
			best, bestCount = cat, counts[cat]
		}
	}
	return best
}

// topicKeywords ranks member keywords by cluster-local TF-IDF: term
// frequency across the cluster discounted by how many members carry
// the term.
func topicKeywords(items []core.ProcessedItem, members []int, topK int) []string {
	if topK <= 0 {
		topK = 10
	}
	tf := make(map[string]int)
	df := make(map[string]int)
	for _, idx := range members {
		seen := make(map[string]bool)
		for _, kw := range items[idx].Keywords {
			tf[kw]++
			if !seen[kw] {
				df[kw]++
				seen[kw] = true
			}
		}
	}

	type scored struct {
		word  string
		score float64
	}
	ranked := make([]scored, 0, len(tf))
	n := float64(len(members))
	for word, freq := range tf {
		idf := math.Log(1 + n/float64(df[word]))
		ranked = append(ranked, scored{word, float64(freq) * idf})
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].word < ranked[b].word
	})

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	words := make([]string, len(ranked))
	for i, s := range ranked {
		words[i] = s.word
	}
	return words
}
