package collector

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"time"

	"trendlens/internal/core"
)

// rss and atom mirror the two feed dialects; parsing tries RSS first.
type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Author      string   `xml:"author"`
	PubDate     string   `xml:"pubDate"`
	GUID        string   `xml:"guid"`
	Categories  []string `xml:"category"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Link      []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Author    atomAuthor `xml:"author"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	ID        string     `xml:"id"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

// RSSCollector fetches an RSS or Atom feed. It performs conditional
// GETs with the stored ETag and Last-Modified values and exposes the
// fresh ones after each run so the runtime can persist them.
type RSSCollector struct {
	meta      Metadata
	url       string
	language  string
	filter    keywordFilter
	client    *http.Client
	userAgent string

	etag         string
	lastModified string
}

func NewRSSCollector(meta Metadata, src core.CollectorSource, client *http.Client, userAgent string) *RSSCollector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RSSCollector{
		meta:         meta,
		url:          src.URL,
		language:     src.Language,
		filter:       newKeywordFilter(src.IncludeKeywords, src.ExcludeKeywords),
		client:       client,
		userAgent:    userAgent,
		etag:         src.ETag,
		lastModified: src.LastModified,
	}
}

func (c *RSSCollector) Metadata() Metadata { return c.meta }

func (c *RSSCollector) Validate(item core.RawItem) bool {
	return baseValidate(item) && item.URL != ""
}

// FetchState returns the conditional-GET headers observed on the last
// successful fetch.
func (c *RSSCollector) FetchState() (etag, lastModified string) {
	return c.etag, c.lastModified
}

func (c *RSSCollector) Collect(ctx context.Context) ([]core.RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, "building feed request", err)
	}
	if c.lastModified != "" {
		req.Header.Set("If-Modified-Since", c.lastModified)
	}
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, core.WrapError(core.KindTransient, "fetching feed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, core.RateLimitedError("feed "+c.url+" rate limited", parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return nil, core.Errorf(core.KindTransient, "feed %s returned status %d", c.url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, core.Errorf(core.KindParse, "feed %s returned status %d", c.url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.WrapError(core.KindTransient, "reading feed body", err)
	}

	items, err := c.parse(body)
	if err != nil {
		return nil, err
	}

	c.etag = resp.Header.Get("ETag")
	c.lastModified = resp.Header.Get("Last-Modified")

	var kept []core.RawItem
	for _, item := range items {
		if c.Validate(item) && c.filter.Keep(item) {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

// parse tries RSS first, then Atom, over the same bytes.
func (c *RSSCollector) parse(body []byte) ([]core.RawItem, error) {
	var rss rssFeed
	if err := xml.Unmarshal(body, &rss); err == nil && rss.Channel.Title != "" {
		return c.fromRSS(rss), nil
	}

	var atom atomFeed
	if err := xml.Unmarshal(body, &atom); err == nil && atom.Title != "" {
		return c.fromAtom(atom), nil
	}

	return nil, core.Errorf(core.KindParse, "feed %s is neither RSS nor Atom", c.url)
}

func (c *RSSCollector) fromRSS(rss rssFeed) []core.RawItem {
	items := make([]core.RawItem, 0, len(rss.Channel.Items))
	for _, entry := range rss.Channel.Items {
		sourceID := entry.GUID
		if sourceID == "" {
			sourceID = entry.Link
		}
		items = append(items, core.RawItem{
			Source:       c.meta.Source,
			SourceID:     sourceID,
			URL:          entry.Link,
			Title:        entry.Title,
			Body:         entry.Description,
			Author:       entry.Author,
			PublishedAt:  parseFeedDate(entry.PubDate),
			LanguageHint: c.language,
			Tags:         entry.Categories,
		})
	}
	return items
}

func (c *RSSCollector) fromAtom(atom atomFeed) []core.RawItem {
	items := make([]core.RawItem, 0, len(atom.Entries))
	for _, entry := range atom.Entries {
		var link string
		for _, l := range entry.Link {
			if l.Rel == "" || l.Rel == "alternate" {
				link = l.Href
				break
			}
		}
		published := entry.Published
		if published == "" {
			published = entry.Updated
		}
		sourceID := entry.ID
		if sourceID == "" {
			sourceID = link
		}
		items = append(items, core.RawItem{
			Source:       c.meta.Source,
			SourceID:     sourceID,
			URL:          link,
			Title:        entry.Title,
			Body:         entry.Summary,
			Author:       entry.Author.Name,
			PublishedAt:  parseFeedDate(published),
			LanguageHint: c.language,
		})
	}
	return items
}

// parseFeedDate accepts the date formats seen in the wild across RSS
// and Atom feeds.
func parseFeedDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC3339,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
