package sandbox

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	lua "github.com/yuin/gopher-lua"
)

// moduleLoaders builds the table for each whitelisted module name.
// Every loader returns a fresh table bound to the given state; no
// module grants file-system or process access.
var moduleLoaders = map[string]func(*lua.LState) *lua.LTable{
	"http": httpModule,
	"html": htmlModule,
	"json": jsonModule,
	"re":   reModule,
	"time": timeModule,
	"text": textModule,
}

// httpBodyLimit caps response reads so a hostile endpoint cannot blow
// the memory ceiling through a single fetch.
const httpBodyLimit = 8 << 20

func httpModule(L *lua.LState) *lua.LTable {
	module := L.NewTable()
	module.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		url := L.CheckString(1)
		req, err := http.NewRequestWithContext(L.Context(), http.MethodGet, url, nil)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		if headers, ok := L.Get(2).(*lua.LTable); ok {
			headers.ForEach(func(key, value lua.LValue) {
				req.Header.Set(key.String(), value.String())
			})
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyLimit))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		result := L.NewTable()
		result.RawSetString("status", lua.LNumber(resp.StatusCode))
		result.RawSetString("body", lua.LString(body))
		L.Push(result)
		return 1
	}))
	return module
}

func htmlModule(L *lua.LState) *lua.LTable {
	module := L.NewTable()
	module.RawSetString("strip", L.NewFunction(func(L *lua.LState) int {
		input := L.CheckString(1)
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(input))
		if err != nil {
			L.Push(lua.LString(input))
			return 1
		}
		doc.Find("script, style").Remove()
		L.Push(lua.LString(strings.Join(strings.Fields(doc.Text()), " ")))
		return 1
	}))
	module.RawSetString("select", L.NewFunction(func(L *lua.LState) int {
		input := L.CheckString(1)
		selector := L.CheckString(2)
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(input))
		if err != nil {
			L.Push(L.NewTable())
			return 1
		}
		result := L.NewTable()
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			result.Append(lua.LString(strings.TrimSpace(sel.Text())))
		})
		L.Push(result)
		return 1
	}))
	return module
}

func jsonModule(L *lua.LState) *lua.LTable {
	module := L.NewTable()
	module.RawSetString("decode", L.NewFunction(func(L *lua.LState) int {
		var value any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &value); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(toLua(L, value))
		return 1
	}))
	module.RawSetString("encode", L.NewFunction(func(L *lua.LState) int {
		encoded, err := json.Marshal(fromLua(L.CheckAny(1)))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(encoded))
		return 1
	}))
	return module
}

func reModule(L *lua.LState) *lua.LTable {
	module := L.NewTable()
	module.RawSetString("match", L.NewFunction(func(L *lua.LState) int {
		pattern, err := regexp.Compile(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		groups := pattern.FindStringSubmatch(L.CheckString(2))
		if groups == nil {
			L.Push(lua.LNil)
			return 1
		}
		result := L.NewTable()
		for _, group := range groups {
			result.Append(lua.LString(group))
		}
		L.Push(result)
		return 1
	}))
	module.RawSetString("find_all", L.NewFunction(func(L *lua.LState) int {
		pattern, err := regexp.Compile(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		result := L.NewTable()
		for _, match := range pattern.FindAllString(L.CheckString(2), -1) {
			result.Append(lua.LString(match))
		}
		L.Push(result)
		return 1
	}))
	return module
}

func timeModule(L *lua.LState) *lua.LTable {
	module := L.NewTable()
	module.RawSetString("now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	module.RawSetString("parse", L.NewFunction(func(L *lua.LState) int {
		for _, layout := range []string{time.RFC3339, time.RFC1123, time.RFC1123Z, "2006-01-02"} {
			if parsed, err := time.Parse(layout, L.CheckString(1)); err == nil {
				L.Push(lua.LNumber(parsed.Unix()))
				return 1
			}
		}
		L.Push(lua.LNil)
		return 1
	}))
	return module
}

func textModule(L *lua.LState) *lua.LTable {
	module := L.NewTable()
	module.RawSetString("trim", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
		return 1
	}))
	module.RawSetString("lower", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
		return 1
	}))
	module.RawSetString("split", L.NewFunction(func(L *lua.LState) int {
		result := L.NewTable()
		for _, part := range strings.Split(L.CheckString(1), L.CheckString(2)) {
			result.Append(lua.LString(part))
		}
		L.Push(result)
		return 1
	}))
	module.RawSetString("contains", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(strings.Contains(L.CheckString(1), L.CheckString(2))))
		return 1
	}))
	return module
}

// toLua converts a decoded JSON value into the Lua representation.
func toLua(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		table := L.NewTable()
		for _, element := range v {
			table.Append(toLua(L, element))
		}
		return table
	case map[string]any:
		table := L.NewTable()
		for key, element := range v {
			table.RawSetString(key, toLua(L, element))
		}
		return table
	default:
		return lua.LNil
	}
}

// fromLua converts a Lua value back into a JSON-encodable Go value.
// Tables with sequential numeric keys become arrays.
func fromLua(value lua.LValue) any {
	switch v := value.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if v.Len() > 0 {
			arr := make([]any, 0, v.Len())
			for i := 1; i <= v.Len(); i++ {
				arr = append(arr, fromLua(v.RawGetInt(i)))
			}
			return arr
		}
		obj := make(map[string]any)
		v.ForEach(func(key, element lua.LValue) {
			obj[key.String()] = fromLua(element)
		})
		return obj
	default:
		return nil
	}
}
