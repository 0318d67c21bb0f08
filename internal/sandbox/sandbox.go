// Package sandbox executes user-supplied collector code in a
// restricted Lua environment. Scripts see only whitelisted modules
// through an import hook, run under a wall-clock timeout and a memory
// ceiling, and must define a collect(params) function returning an
// ordered sequence of items.
package sandbox

import (
	"context"
	"regexp"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"trendlens/internal/config"
	"trendlens/internal/core"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMemoryMB = 100
	defaultMaxItems = 500

	// entryPoint is the function every plugin body must define.
	entryPoint = "collect"
)

// Sandbox validates and runs custom plugin bodies.
type Sandbox struct {
	timeout   time.Duration
	memoryMB  int
	maxItems  int
	allowed   map[string]bool
	blacklist []*regexp.Regexp
}

// New compiles the blacklist into word-boundary patterns. Substring
// matching is explicitly not used: "follow_redirects" must never match
// a blacklisted "dir".
func New(cfg config.Sandbox) (*Sandbox, error) {
	timeout := defaultTimeout
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, core.Errorf(core.KindValidation, "invalid sandbox timeout %q: %v", cfg.Timeout, err)
		}
		timeout = parsed
	}

	memoryMB := cfg.MemoryLimitMB
	if memoryMB <= 0 {
		memoryMB = defaultMemoryMB
	}
	maxItems := cfg.MaxItemsPerRun
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}

	allowed := make(map[string]bool, len(cfg.AllowedModules))
	for _, name := range cfg.AllowedModules {
		allowed[name] = true
	}

	blacklist := make([]*regexp.Regexp, 0, len(cfg.Blacklist))
	for _, ident := range cfg.Blacklist {
		pattern, err := regexp.Compile(`\b` + regexp.QuoteMeta(ident) + `\b`)
		if err != nil {
			return nil, core.Errorf(core.KindValidation, "invalid blacklist identifier %q: %v", ident, err)
		}
		blacklist = append(blacklist, pattern)
	}

	return &Sandbox{
		timeout:   timeout,
		memoryMB:  memoryMB,
		maxItems:  maxItems,
		allowed:   allowed,
		blacklist: blacklist,
	}, nil
}

// Validate checks a plugin body without running it: blacklist scan
// first, then a compile check. A blacklist hit is a security error and
// the plugin must not be activated.
func (s *Sandbox) Validate(code string) error {
	for _, pattern := range s.blacklist {
		if match := pattern.FindString(code); match != "" {
			return core.Errorf(core.KindSandboxSecurity, "plugin references forbidden identifier %q", match)
		}
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	if _, err := L.LoadString(code); err != nil {
		return core.Errorf(core.KindParse, "plugin does not compile: %v", err)
	}
	return nil
}

// Params is the input handed to the plugin's collect function. Auth
// values come from the decrypted envelope and exist only for the
// duration of the call.
type Params struct {
	URL    string
	Source string
	Auth   map[string]string
}

// Execute validates and runs a plugin body, returning the collected
// items. The state gets the configured memory ceiling and a context
// bounded by the wall-clock timeout.
func (s *Sandbox) Execute(ctx context.Context, code string, params Params) ([]core.RawItem, error) {
	if err := s.Validate(code); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetMx(s.memoryMB)
	L.SetContext(ctx)

	if err := s.openEnvironment(L); err != nil {
		return nil, err
	}

	if err := L.DoString(code); err != nil {
		return nil, classifyLuaError(err)
	}

	fn := L.GetGlobal(entryPoint)
	if fn.Type() != lua.LTFunction {
		return nil, core.Errorf(core.KindValidation, "plugin does not define %s()", entryPoint)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, paramsTable(L, params)); err != nil {
		return nil, classifyLuaError(err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, core.Errorf(core.KindParse, "%s() returned %s, want a table of items", entryPoint, ret.Type())
	}
	return s.extractItems(table, params.Source)
}

// openEnvironment loads the safe base libraries, strips the dangerous
// base globals, and installs the import hook plus the whitelisted
// modules.
func (s *Sandbox) openEnvironment(L *lua.LState) error {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return core.Errorf(core.KindInternal, "opening lua library %s: %v", lib.name, err)
		}
	}

	// File loading, code loading, and metatable surgery are never
	// available regardless of blacklist configuration.
	for _, name := range []string{
		"dofile", "loadfile", "load", "loadstring",
		"collectgarbage", "rawset", "rawget", "rawequal",
		"getmetatable", "setmetatable", "getfenv", "setfenv",
		"module", "require", "print",
	} {
		L.SetGlobal(name, lua.LNil)
	}

	// The import hook is the only way to reach a module; it consults
	// the whitelist and raises a security error otherwise.
	L.SetGlobal("import", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !s.allowed[name] {
			L.RaiseError("module %q is not allowed", name)
			return 0
		}
		loader, ok := moduleLoaders[name]
		if !ok {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(loader(L))
		return 1
	}))
	return nil
}

func paramsTable(L *lua.LState, params Params) *lua.LTable {
	table := L.NewTable()
	table.RawSetString("url", lua.LString(params.URL))
	table.RawSetString("source", lua.LString(params.Source))
	auth := L.NewTable()
	for key, value := range params.Auth {
		auth.RawSetString(key, lua.LString(value))
	}
	table.RawSetString("auth", auth)
	return table
}

// extractItems maps the returned sequence to RawItems. Fields other
// than source_id, url, title, published_at may be absent; missing
// published_at defaults downstream during normalization.
func (s *Sandbox) extractItems(table *lua.LTable, source string) ([]core.RawItem, error) {
	var items []core.RawItem
	var convErr error
	table.ForEach(func(_, value lua.LValue) {
		if convErr != nil || len(items) >= s.maxItems {
			return
		}
		entry, ok := value.(*lua.LTable)
		if !ok {
			convErr = core.Errorf(core.KindParse, "plugin item is %s, want table", value.Type())
			return
		}
		items = append(items, luaItem(entry, source))
	})
	if convErr != nil {
		return nil, convErr
	}
	return items, nil
}

func luaItem(entry *lua.LTable, source string) core.RawItem {
	item := core.RawItem{
		Source:       source,
		SourceID:     luaString(entry, "source_id"),
		URL:          luaString(entry, "url"),
		Title:        luaString(entry, "title"),
		Body:         luaString(entry, "body"),
		Author:       luaString(entry, "author"),
		LanguageHint: luaString(entry, "language"),
	}
	item.PublishedAt = luaTime(entry.RawGetString("published_at"))
	item.Engagement = core.Engagement{
		Upvotes:  luaInt(entry, "upvotes"),
		Comments: luaInt(entry, "comments"),
		Shares:   luaInt(entry, "shares"),
		Views:    luaInt(entry, "views"),
	}
	if tags, ok := entry.RawGetString("tags").(*lua.LTable); ok {
		tags.ForEach(func(_, tag lua.LValue) {
			if str, ok := tag.(lua.LString); ok {
				item.Tags = append(item.Tags, string(str))
			}
		})
	}
	return item
}

func luaString(entry *lua.LTable, key string) string {
	if value, ok := entry.RawGetString(key).(lua.LString); ok {
		return string(value)
	}
	return ""
}

func luaInt(entry *lua.LTable, key string) int64 {
	if value, ok := entry.RawGetString(key).(lua.LNumber); ok {
		return int64(value)
	}
	return 0
}

func luaTime(value lua.LValue) time.Time {
	switch v := value.(type) {
	case lua.LNumber:
		return time.Unix(int64(v), 0).UTC()
	case lua.LString:
		if parsed, err := time.Parse(time.RFC3339, string(v)); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

// classifyLuaError maps runtime failures onto the error taxonomy:
// exceeded wall clock or memory is resource exhaustion; a raised
// security error from the import hook is a sandbox violation; the rest
// is a parse-class plugin failure.
func classifyLuaError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, context.DeadlineExceeded.Error()),
		strings.Contains(msg, context.Canceled.Error()),
		strings.Contains(msg, "allocation"):
		return core.Errorf(core.KindResourceExhausted, "plugin exceeded sandbox limits: %v", err)
	case strings.Contains(msg, "is not allowed"):
		return core.Errorf(core.KindSandboxSecurity, "plugin violated sandbox policy: %v", err)
	default:
		return core.Errorf(core.KindParse, "plugin failed: %v", err)
	}
}
