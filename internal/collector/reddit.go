package collector

import (
	"context"
	"net/http"
	"time"

	"trendlens/internal/core"
)

// redditListing is the subset of the listing payload the collector
// reads.
type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID          string  `json:"id"`
				Title       string  `json:"title"`
				Selftext    string  `json:"selftext"`
				Author      string  `json:"author"`
				Permalink   string  `json:"permalink"`
				URL         string  `json:"url"`
				Subreddit   string  `json:"subreddit"`
				CreatedUTC  float64 `json:"created_utc"`
				Ups         int64   `json:"ups"`
				Downs       int64   `json:"downs"`
				NumComments int64   `json:"num_comments"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// RedditCollector reads a subreddit listing endpoint (a *.json URL).
type RedditCollector struct {
	meta      Metadata
	url       string
	filter    keywordFilter
	client    *http.Client
	userAgent string
}

func NewRedditCollector(meta Metadata, src core.CollectorSource, client *http.Client, userAgent string) *RedditCollector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RedditCollector{
		meta:      meta,
		url:       src.URL,
		filter:    newKeywordFilter(src.IncludeKeywords, src.ExcludeKeywords),
		client:    client,
		userAgent: userAgent,
	}
}

func (c *RedditCollector) Metadata() Metadata { return c.meta }

func (c *RedditCollector) Validate(item core.RawItem) bool { return baseValidate(item) }

func (c *RedditCollector) Collect(ctx context.Context) ([]core.RawItem, error) {
	var listing redditListing
	if err := getJSON(ctx, c.client, c.url, c.userAgent, nil, &listing); err != nil {
		return nil, err
	}

	var items []core.RawItem
	for _, child := range listing.Data.Children {
		post := child.Data
		item := core.RawItem{
			Source:      c.meta.Source,
			SourceID:    post.ID,
			URL:         "https://www.reddit.com" + post.Permalink,
			Title:       post.Title,
			Body:        post.Selftext,
			Author:      post.Author,
			PublishedAt: time.Unix(int64(post.CreatedUTC), 0).UTC(),
			Engagement: core.Engagement{
				Upvotes:   post.Ups,
				Downvotes: post.Downs,
				Comments:  post.NumComments,
			},
			Tags: []string{post.Subreddit},
		}
		if c.Validate(item) && c.filter.Keep(item) {
			items = append(items, item)
		}
	}
	return items, nil
}
