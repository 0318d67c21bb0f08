package collector

import (
	"context"

	"trendlens/internal/core"
	"trendlens/internal/sandbox"
)

// CustomCollector runs a user-supplied plugin body through the
// sandbox. The auth envelope is decrypted per run and handed to the
// script as parameters; it is not retained on the collector.
type CustomCollector struct {
	meta    Metadata
	url     string
	code    string
	filter  keywordFilter
	box     *sandbox.Sandbox
	openEnv func() (map[string]string, error)
}

func NewCustomCollector(meta Metadata, src core.CollectorSource, box *sandbox.Sandbox, openEnv func() (map[string]string, error)) *CustomCollector {
	if openEnv == nil {
		openEnv = func() (map[string]string, error) { return nil, nil }
	}
	return &CustomCollector{
		meta:    meta,
		url:     src.URL,
		code:    src.PluginCode,
		filter:  newKeywordFilter(src.IncludeKeywords, src.ExcludeKeywords),
		box:     box,
		openEnv: openEnv,
	}
}

func (c *CustomCollector) Metadata() Metadata { return c.meta }

func (c *CustomCollector) Validate(item core.RawItem) bool { return baseValidate(item) }

func (c *CustomCollector) Collect(ctx context.Context) ([]core.RawItem, error) {
	auth, err := c.openEnv()
	if err != nil {
		return nil, err
	}

	raw, err := c.box.Execute(ctx, c.code, sandbox.Params{
		URL:    c.url,
		Source: c.meta.Source,
		Auth:   auth,
	})
	if err != nil {
		return nil, err
	}

	var items []core.RawItem
	for _, item := range raw {
		if c.Validate(item) && c.filter.Keep(item) {
			items = append(items, item)
		}
	}
	return items, nil
}
