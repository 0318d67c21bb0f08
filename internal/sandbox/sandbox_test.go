package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlens/internal/config"
	"trendlens/internal/core"
)

func testSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := New(config.Sandbox{
		Timeout:        "2s",
		MemoryLimitMB:  50,
		MaxItemsPerRun: 100,
		AllowedModules: []string{"http", "html", "json", "re", "time", "text"},
		Blacklist: []string{
			"os", "io", "exec", "dofile", "loadfile", "loadstring",
			"require", "debug", "dir", "open",
		},
	})
	require.NoError(t, err)
	return s
}

func TestValidateWordBoundaryMatching(t *testing.T) {
	s := testSandbox(t)

	// "follow_redirects" contains "dir" as a substring but not as an
	// identifier; it must pass.
	err := s.Validate(`
		local opts = { follow_redirects = true }
		function collect(params) return {} end
	`)
	assert.NoError(t, err)

	err = s.Validate(`
		function collect(params)
			local files = dir("/etc")
			return {}
		end
	`)
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxSecurity, core.KindOf(err))
}

func TestValidateRejectsExec(t *testing.T) {
	s := testSandbox(t)
	err := s.Validate(`
		function collect(params)
			exec(payload)
			return {}
		end
	`)
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxSecurity, core.KindOf(err))
}

func TestValidateRejectsSyntaxErrors(t *testing.T) {
	s := testSandbox(t)
	err := s.Validate(`function collect(params return {} end`)
	require.Error(t, err)
	assert.Equal(t, core.KindParse, core.KindOf(err))
}

func TestExecuteReturnsItems(t *testing.T) {
	s := testSandbox(t)
	items, err := s.Execute(context.Background(), `
		function collect(params)
			local text = import("text")
			return {
				{
					source_id = "1",
					title = text.trim("  First story  "),
					url = params.url .. "/1",
					published_at = 1756000000,
					upvotes = 12,
				},
				{ source_id = "2", title = "Second story" },
			}
		end
	`, Params{URL: "https://example.com", Source: "custom-feed"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "custom-feed", items[0].Source)
	assert.Equal(t, "1", items[0].SourceID)
	assert.Equal(t, "First story", items[0].Title)
	assert.Equal(t, "https://example.com/1", items[0].URL)
	assert.Equal(t, int64(12), items[0].Engagement.Upvotes)
	assert.Equal(t, int64(1756000000), items[0].PublishedAt.Unix())
	assert.True(t, items[1].PublishedAt.IsZero())
}

func TestExecuteRejectsNonWhitelistedImport(t *testing.T) {
	s := testSandbox(t)
	_, err := s.Execute(context.Background(), `
		function collect(params)
			local socket = import("socket")
			return {}
		end
	`, Params{Source: "custom"})
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxSecurity, core.KindOf(err))
}

func TestExecuteTimesOut(t *testing.T) {
	s, err := New(config.Sandbox{
		Timeout:        "100ms",
		AllowedModules: []string{"text"},
	})
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), `
		function collect(params)
			while true do end
		end
	`, Params{Source: "custom"})
	require.Error(t, err)
	assert.Equal(t, core.KindResourceExhausted, core.KindOf(err))
}

func TestExecuteRequiresEntryPoint(t *testing.T) {
	s := testSandbox(t)
	_, err := s.Execute(context.Background(), `local x = 1`, Params{Source: "custom"})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestExecuteCapsItemCount(t *testing.T) {
	s, err := New(config.Sandbox{
		Timeout:        "2s",
		MaxItemsPerRun: 3,
	})
	require.NoError(t, err)

	items, err := s.Execute(context.Background(), `
		function collect(params)
			local out = {}
			for i = 1, 50 do
				out[i] = { source_id = tostring(i), title = "item" }
			end
			return out
		end
	`, Params{Source: "custom"})
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestJSONModuleRoundTrip(t *testing.T) {
	s := testSandbox(t)
	items, err := s.Execute(context.Background(), `
		function collect(params)
			local json = import("json")
			local decoded = json.decode('{"posts":[{"id":"p1","title":"Hello"}]}')
			local out = {}
			for i, post in ipairs(decoded.posts) do
				out[i] = { source_id = post.id, title = post.title }
			end
			return out
		end
	`, Params{Source: "custom"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p1", items[0].SourceID)
	assert.Equal(t, "Hello", items[0].Title)
}
