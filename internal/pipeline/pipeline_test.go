package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlens/internal/config"
	"trendlens/internal/core"
)

func testPipelineConfig() config.Pipeline {
	return config.Pipeline{
		DeduplicationThreshold: 0.92,
		NearNeighborBatch:      500,
		MinClusterSize:         2,
		ClusteringDistance:     0.3,
		ClusteringStrategy:     "louvain",
		TopKeywords:            10,
	}
}

func testRankingConfig() config.Ranking {
	return config.Ranking{
		EngagementWeight:       0.5,
		RecencyWeight:          0.2,
		VelocityWeight:         0.2,
		DiversityWeight:        0.1,
		RecencyTauHours:        24,
		MaxTrendsPerCategory:   10,
		SourceDiversityEnabled: true,
		MaxPercentagePerSource: 0.20,
		VelocityEmerging:       50,
		VelocityViral:          500,
		VelocitySustainedLow:   10,
		VelocitySustainedHigh:  500,
	}
}

func TestNormalizeStripsHTMLAndCollapsesWhitespace(t *testing.T) {
	raw := []core.RawItem{{
		Source:   "hackernews",
		SourceID: "41",
		Title:    "  <b>Big   News</b> &amp; More  ",
		Body:     "<p>some <script>alert(1)</script>body</p>",
	}}
	items, errs := Normalize(raw)
	require.Empty(t, errs)
	require.Len(t, items, 1)

	assert.Equal(t, "Big News & More", items[0].Title)
	assert.Equal(t, "big news & more", items[0].NormalizedTitle)
	assert.Equal(t, "some body", items[0].Body)
	assert.False(t, items[0].PublishedAt.IsZero())
}

func TestNormalizeDropsItemsWithoutIdentity(t *testing.T) {
	raw := []core.RawItem{
		{Source: "", SourceID: "1", Title: "no source"},
		{Source: "rss", SourceID: "", Title: "no source id"},
		{Source: "rss", SourceID: "2", Title: "   "},
		{Source: "rss", SourceID: "3", Title: "kept"},
	}
	items, errs := Normalize(raw)
	assert.Len(t, items, 1)
	assert.Len(t, errs, 3)
}

func TestNormalizeIdentityIsDeterministic(t *testing.T) {
	raw := []core.RawItem{{Source: "reddit", SourceID: "abc", Title: "first form"}}
	again := []core.RawItem{{Source: "reddit", SourceID: "abc", Title: "retitled later"}}

	a, _ := Normalize(raw)
	b, _ := Normalize(again)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].ID, b[0].ID)
}

func TestDetectLanguages(t *testing.T) {
	items := []core.ProcessedItem{
		{NormalizedTitle: "the government announced a new policy on renewable energy today"},
		{NormalizedTitle: "el gobierno anunció una nueva política de energía renovable para el próximo año"},
		{NormalizedTitle: "ok"},
		{NormalizedTitle: "whatever text", Language: "fr"},
	}
	DetectLanguages(items)

	assert.Equal(t, "en", items[0].Language)
	assert.Equal(t, "es", items[1].Language)
	assert.Equal(t, "und", items[2].Language)
	assert.Equal(t, "fr", items[3].Language)
	assert.Equal(t, 1.0, items[3].LangConfidence)
}

func TestScoreSentiment(t *testing.T) {
	items := []core.ProcessedItem{
		{NormalizedTitle: "amazing breakthrough brings excellent results"},
		{NormalizedTitle: "terrible outage after security breach"},
		{NormalizedTitle: "quarterly report published"},
	}
	ScoreSentiment(items)

	assert.Greater(t, items[0].SentimentScore, 0.0)
	assert.Less(t, items[1].SentimentScore, 0.0)
	assert.Zero(t, items[2].SentimentScore)
	for _, item := range items {
		assert.GreaterOrEqual(t, item.SentimentScore, -1.0)
		assert.LessOrEqual(t, item.SentimentScore, 1.0)
	}
}

func dedupItem(id, source, lang string, published time.Time, embedding []float64, upvotes int64) core.ProcessedItem {
	return core.ProcessedItem{
		ID:          id,
		Source:      source,
		SourceID:    id,
		Language:    lang,
		PublishedAt: published,
		Embedding:   embedding,
		Engagement:  core.Engagement{Upvotes: upvotes},
	}
}

func TestDeduplicatorKeepsEarliest(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	vec := []float64{0.7, 0.7, 0.1}
	items := []core.ProcessedItem{
		dedupItem("b", "reddit", "en", base.Add(time.Hour), vec, 900),
		dedupItem("a", "hackernews", "en", base, vec, 10),
		dedupItem("c", "rss", "en", base.Add(2*time.Hour), []float64{0, 0, 1}, 5),
	}

	dedup := NewDeduplicator(testPipelineConfig())
	kept, dropped, err := dedup.Apply(context.Background(), items)
	require.NoError(t, err)

	require.Len(t, kept, 2)
	require.Len(t, dropped, 1)
	ids := []string{kept[0].ID, kept[1].ID}
	assert.Contains(t, ids, "a")
	assert.Contains(t, ids, "c")
	assert.Equal(t, "b", dropped[0].ID)
}

func TestDeduplicatorRespectsLanguageBoundary(t *testing.T) {
	base := time.Now().UTC()
	vec := []float64{1, 0, 0}
	items := []core.ProcessedItem{
		dedupItem("en1", "rss", "en", base, vec, 1),
		dedupItem("es1", "rss", "es", base, vec, 1),
	}

	dedup := NewDeduplicator(testPipelineConfig())
	kept, _, err := dedup.Apply(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, kept, 2)

	cross := testPipelineConfig()
	cross.CrossLanguageDedup = true
	kept, _, err = NewDeduplicator(cross).Apply(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestDeduplicatorOutputNeverGrows(t *testing.T) {
	base := time.Now().UTC()
	items := []core.ProcessedItem{
		dedupItem("1", "rss", "en", base, []float64{1, 0}, 1),
		dedupItem("2", "rss", "en", base, []float64{0.99, 0.01}, 1),
		dedupItem("3", "rss", "en", base, []float64{0, 1}, 1),
		dedupItem("4", "rss", "en", base, nil, 1),
	}
	kept, dropped, err := NewDeduplicator(testPipelineConfig()).Apply(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, len(items), len(kept)+len(dropped))
	assert.LessOrEqual(t, len(kept), len(items))

	// Items without embeddings always survive.
	var found bool
	for _, item := range kept {
		if item.ID == "4" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDeduplicatorLargeBatchUsesBuckets(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.NearNeighborBatch = 10
	base := time.Now().UTC()

	// 24 items in 12 orthogonal duplicate pairs, forcing the bucketed
	// path.
	var items []core.ProcessedItem
	for i := 0; i < 12; i++ {
		vec := make([]float64, 12)
		vec[i] = 1
		items = append(items,
			dedupItem(string(rune('a'+i))+"1", "rss", "en", base, vec, 1),
			dedupItem(string(rune('a'+i))+"2", "rss", "en", base.Add(time.Minute), vec, 1),
		)
	}

	kept, dropped, err := NewDeduplicator(cfg).Apply(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, kept, 12)
	assert.Len(t, dropped, 12)
}

func clusterItem(id, source, lang, title string, published time.Time, embedding []float64, upvotes int64, keywords ...string) core.ProcessedItem {
	return core.ProcessedItem{
		ID:              id,
		Source:          source,
		SourceID:        id,
		Title:           title,
		NormalizedTitle: title,
		Language:        lang,
		Category:        core.CategoryTechnology,
		PublishedAt:     published,
		Embedding:       embedding,
		Engagement:      core.Engagement{Upvotes: upvotes},
		Keywords:        keywords,
	}
}

func TestBuildTopicsGroupsRelatedItems(t *testing.T) {
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	items := []core.ProcessedItem{
		clusterItem("a1", "hackernews", "en", "chip shortage hits factories", base, []float64{1, 0.01, 0}, 50, "chip", "shortage"),
		clusterItem("a2", "reddit", "en", "global chip supply crunch", base.Add(time.Hour), []float64{0.99, 0.02, 0}, 200, "chip", "supply"),
		clusterItem("a3", "rss", "es", "escasez mundial de chips", base.Add(2*time.Hour), []float64{1, 0, 0.01}, 10, "chips"),
		clusterItem("b1", "rss", "en", "marathon results announced", base, []float64{0.01, 1, 0}, 5, "marathon"),
		clusterItem("b2", "reddit", "en", "marathon winner interview", base.Add(time.Hour), []float64{0.02, 0.99, 0}, 8, "marathon", "winner"),
		clusterItem("und1", "rss", "und", "??", base, []float64{0, 0, 1}, 3),
	}

	topics, err := BuildTopics(items, testPipelineConfig())
	require.NoError(t, err)
	require.Len(t, topics, 2)

	var chips, marathon *core.Topic
	for i := range topics {
		if topics[i].ItemCount == 3 {
			chips = &topics[i]
		} else {
			marathon = &topics[i]
		}
	}
	require.NotNil(t, chips)
	require.NotNil(t, marathon)

	// Title comes from the highest-engagement member; the Spanish item
	// joins the same topic as its English coverage.
	assert.Equal(t, "global chip supply crunch", chips.Title)
	assert.Contains(t, chips.ItemIDs, "a3")
	assert.Equal(t, "en", chips.Language)
	assert.Contains(t, chips.Keywords, "chip")
	assert.Equal(t, base, chips.FirstSeen)
	assert.Equal(t, base.Add(2*time.Hour), chips.LastUpdated)
	assert.Equal(t, int64(260), chips.Engagement.Upvotes)

	assert.Equal(t, 2, marathon.ItemCount)

	// No topic contains the undetermined-language item.
	for _, topic := range topics {
		assert.NotContains(t, topic.ItemIDs, "und1")
	}
}

func TestBuildTopicsDeterministicIDs(t *testing.T) {
	base := time.Now().UTC()
	items := []core.ProcessedItem{
		clusterItem("x1", "rss", "en", "story one", base, []float64{1, 0.01}, 1),
		clusterItem("x2", "rss", "en", "story one again", base, []float64{0.99, 0.02}, 2),
	}
	first, err := BuildTopics(items, testPipelineConfig())
	require.NoError(t, err)
	second, err := BuildTopics(items, testPipelineConfig())
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func rankTopic(id string, category core.Category, itemIDs []string, upvotes int64, age time.Duration) core.Topic {
	now := time.Now().UTC()
	return core.Topic{
		ID:          id,
		Title:       "topic " + id,
		Category:    category,
		ItemIDs:     itemIDs,
		ItemCount:   len(itemIDs),
		Engagement:  core.Engagement{Upvotes: upvotes},
		Language:    "en",
		FirstSeen:   now.Add(-age),
		LastUpdated: now,
	}
}

func TestRankOrdersByScoreWithContiguousRanks(t *testing.T) {
	items := []core.ProcessedItem{
		{ID: "i1", Source: "hackernews"},
		{ID: "i2", Source: "reddit"},
		{ID: "i3", Source: "rss"},
	}
	topics := []core.Topic{
		rankTopic("t1", core.CategoryTechnology, []string{"i1"}, 100, 2*time.Hour),
		rankTopic("t2", core.CategoryTechnology, []string{"i2", "i3"}, 5000, 2*time.Hour),
		rankTopic("t3", core.CategoryTechnology, []string{"i3"}, 10, 48*time.Hour),
	}

	trends := Rank(topics, items, testRankingConfig())
	require.Len(t, trends, 3)

	for i, trend := range trends {
		assert.Equal(t, i+1, trend.Rank)
		assert.GreaterOrEqual(t, trend.Score, 0.0)
		assert.LessOrEqual(t, trend.Score, 100.0)
	}
	assert.Equal(t, "t2", trends[0].TopicID)
	assert.Greater(t, trends[0].Score, trends[1].Score)
	assert.Equal(t, []string{"i2", "i3"}, topics[1].ItemIDs)
	assert.ElementsMatch(t, []string{"reddit", "rss"}, trends[0].Sources)
}

func TestRankStates(t *testing.T) {
	items := []core.ProcessedItem{{ID: "i1", Source: "rss"}}
	topics := []core.Topic{
		// 2000 engagement over 2 hours: 1000/h, viral.
		rankTopic("viral", core.CategoryScience, []string{"i1"}, 2000, 2*time.Hour),
		// 200 over 2 hours: 100/h, young and fast, emerging.
		rankTopic("emerging", core.CategoryScience, []string{"i1"}, 200, 2*time.Hour),
		// 4800 over 48 hours: 100/h, old, inside the sustained band.
		rankTopic("sustained", core.CategoryScience, []string{"i1"}, 4800, 48*time.Hour),
		// 48 over 48 hours: 1/h, far below the batch peak.
		rankTopic("declining", core.CategoryScience, []string{"i1"}, 48, 48*time.Hour),
	}

	cfg := testRankingConfig()
	cfg.SourceDiversityEnabled = false
	trends := Rank(topics, items, cfg)
	require.Len(t, trends, 4)

	states := make(map[string]core.TrendState)
	for _, trend := range trends {
		states[trend.TopicID] = trend.State
	}
	assert.Equal(t, core.StateViral, states["viral"])
	assert.Equal(t, core.StateEmerging, states["emerging"])
	assert.Equal(t, core.StateSustained, states["sustained"])
	assert.Equal(t, core.StateDeclining, states["declining"])
}

func TestRankSourceDiversityCapsDominantSource(t *testing.T) {
	// Ten topics all dominated by one source plus one from another.
	// With max 20% per source over top 10, only 2 reddit-dominated
	// topics may rank; slots go unfilled rather than overfilled.
	items := []core.ProcessedItem{
		{ID: "r", Source: "reddit"},
		{ID: "h", Source: "hackernews"},
	}
	var topics []core.Topic
	for i := 0; i < 10; i++ {
		topics = append(topics, rankTopic(
			string(rune('a'+i)), core.CategoryBusiness, []string{"r"}, int64(1000-i*10), 2*time.Hour))
	}
	topics = append(topics, rankTopic("hn", core.CategoryBusiness, []string{"h"}, 10, 2*time.Hour))

	trends := Rank(topics, items, testRankingConfig())
	require.Len(t, trends, 3)

	redditRanked := 0
	for _, trend := range trends {
		if trend.Sources[0] == "reddit" {
			redditRanked++
		}
	}
	assert.Equal(t, 2, redditRanked)
	for i, trend := range trends {
		assert.Equal(t, i+1, trend.Rank)
	}
}

func TestRankScoreMonotonicInEngagement(t *testing.T) {
	items := []core.ProcessedItem{{ID: "i1", Source: "rss"}, {ID: "i2", Source: "rss"}}
	low := rankTopic("low", core.CategoryHealth, []string{"i1"}, 100, 5*time.Hour)
	high := rankTopic("high", core.CategoryHealth, []string{"i2"}, 10000, 5*time.Hour)

	cfg := testRankingConfig()
	cfg.SourceDiversityEnabled = false
	trends := Rank([]core.Topic{low, high}, items, cfg)
	require.Len(t, trends, 2)
	assert.Equal(t, "high", trends[0].TopicID)
	assert.Greater(t, trends[0].Score, trends[1].Score)
}

func TestRankDeterministicTrendIDs(t *testing.T) {
	items := []core.ProcessedItem{{ID: "i1", Source: "rss"}}
	topics := []core.Topic{rankTopic("stable", core.CategoryGeneral, []string{"i1"}, 100, time.Hour)}

	first := Rank(topics, items, testRankingConfig())
	second := Rank(topics, items, testRankingConfig())
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}
