package collector

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trendlens/internal/core"
)

// youtubeVideoList is the subset of the videos.list payload the
// collector reads; it expects the snippet and statistics parts.
type youtubeVideoList struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string    `json:"title"`
			Description  string    `json:"description"`
			ChannelTitle string    `json:"channelTitle"`
			PublishedAt  time.Time `json:"publishedAt"`
			Tags         []string  `json:"tags"`
			Language     string    `json:"defaultAudioLanguage"`
		} `json:"snippet"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
	} `json:"items"`
}

// YouTubeCollector reads a Data API videos endpoint. The API key comes
// from the decrypted auth envelope under "api_key".
type YouTubeCollector struct {
	meta      Metadata
	url       string
	apiKey    string
	filter    keywordFilter
	client    *http.Client
	userAgent string
}

func NewYouTubeCollector(meta Metadata, src core.CollectorSource, auth map[string]string, client *http.Client, userAgent string) *YouTubeCollector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &YouTubeCollector{
		meta:      meta,
		url:       src.URL,
		apiKey:    auth["api_key"],
		filter:    newKeywordFilter(src.IncludeKeywords, src.ExcludeKeywords),
		client:    client,
		userAgent: userAgent,
	}
}

func (c *YouTubeCollector) Metadata() Metadata { return c.meta }

func (c *YouTubeCollector) Validate(item core.RawItem) bool { return baseValidate(item) }

func (c *YouTubeCollector) Collect(ctx context.Context) ([]core.RawItem, error) {
	if c.apiKey == "" {
		return nil, core.Errorf(core.KindAuthRequired, "youtube collector %s has no api_key in its auth envelope", c.meta.Name)
	}
	endpoint, err := url.Parse(c.url)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, "invalid youtube endpoint", err)
	}
	query := endpoint.Query()
	query.Set("key", c.apiKey)
	endpoint.RawQuery = query.Encode()

	var list youtubeVideoList
	if err := getJSON(ctx, c.client, endpoint.String(), c.userAgent, nil, &list); err != nil {
		return nil, err
	}

	var items []core.RawItem
	for _, video := range list.Items {
		item := core.RawItem{
			Source:      c.meta.Source,
			SourceID:    video.ID,
			URL:         "https://www.youtube.com/watch?v=" + video.ID,
			Title:       video.Snippet.Title,
			Body:        video.Snippet.Description,
			Author:      video.Snippet.ChannelTitle,
			PublishedAt: video.Snippet.PublishedAt.UTC(),
			Engagement: core.Engagement{
				Upvotes:  parseCount(video.Statistics.LikeCount),
				Comments: parseCount(video.Statistics.CommentCount),
				Views:    parseCount(video.Statistics.ViewCount),
			},
			LanguageHint: video.Snippet.Language,
			Tags:         video.Snippet.Tags,
		}
		if c.Validate(item) && c.filter.Keep(item) {
			items = append(items, item)
		}
	}
	return items, nil
}

// parseCount reads the string-typed counters the Data API returns.
func parseCount(value string) int64 {
	n, _ := strconv.ParseInt(value, 10, 64)
	return n
}
