package collector

import (
	"context"
	"net/http"
	"time"

	"trendlens/internal/core"
)

// twitterSearch is the subset of the v2 recent-search payload the
// collector reads.
type twitterSearch struct {
	Data []struct {
		ID            string    `json:"id"`
		Text          string    `json:"text"`
		AuthorID      string    `json:"author_id"`
		Lang          string    `json:"lang"`
		CreatedAt     time.Time `json:"created_at"`
		PublicMetrics struct {
			RetweetCount    int64 `json:"retweet_count"`
			ReplyCount      int64 `json:"reply_count"`
			LikeCount       int64 `json:"like_count"`
			ImpressionCount int64 `json:"impression_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

// TwitterCollector reads a v2 search endpoint. The bearer token comes
// from the decrypted auth envelope under "bearer_token".
type TwitterCollector struct {
	meta      Metadata
	url       string
	bearer    string
	filter    keywordFilter
	client    *http.Client
	userAgent string
}

func NewTwitterCollector(meta Metadata, src core.CollectorSource, auth map[string]string, client *http.Client, userAgent string) *TwitterCollector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwitterCollector{
		meta:      meta,
		url:       src.URL,
		bearer:    auth["bearer_token"],
		filter:    newKeywordFilter(src.IncludeKeywords, src.ExcludeKeywords),
		client:    client,
		userAgent: userAgent,
	}
}

func (c *TwitterCollector) Metadata() Metadata { return c.meta }

func (c *TwitterCollector) Validate(item core.RawItem) bool { return baseValidate(item) }

func (c *TwitterCollector) Collect(ctx context.Context) ([]core.RawItem, error) {
	if c.bearer == "" {
		return nil, core.Errorf(core.KindAuthRequired, "twitter collector %s has no bearer_token in its auth envelope", c.meta.Name)
	}

	var search twitterSearch
	headers := map[string]string{"Authorization": "Bearer " + c.bearer}
	if err := getJSON(ctx, c.client, c.url, c.userAgent, headers, &search); err != nil {
		return nil, err
	}

	var items []core.RawItem
	for _, tweet := range search.Data {
		item := core.RawItem{
			Source:      c.meta.Source,
			SourceID:    tweet.ID,
			URL:         "https://twitter.com/i/status/" + tweet.ID,
			Title:       tweet.Text,
			Author:      tweet.AuthorID,
			PublishedAt: tweet.CreatedAt.UTC(),
			Engagement: core.Engagement{
				Upvotes:  tweet.PublicMetrics.LikeCount,
				Comments: tweet.PublicMetrics.ReplyCount,
				Shares:   tweet.PublicMetrics.RetweetCount,
				Views:    tweet.PublicMetrics.ImpressionCount,
			},
			LanguageHint: tweet.Lang,
		}
		if c.Validate(item) && c.filter.Keep(item) {
			items = append(items, item)
		}
	}
	return items, nil
}
