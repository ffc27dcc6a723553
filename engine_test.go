package bridge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	lua "github.com/yuin/gopher-lua"
)

func newLuaEngine(t *testing.T) *LuaEngine {
	t.Helper()
	e := NewLuaEngine(DefaultConfig())
	if err := e.New(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestLuaEngineSandbox(t *testing.T) {
	e := newLuaEngine(t)
	if err := e.ParseString(`
has_os = os ~= nil
has_io = io ~= nil
has_dofile = dofile ~= nil
local json = require("json")
encoded = json.encode({1, 2})
local re = require("re")
matched = re.match("abc123", "[0-9]+")
local url = require("url")
host = url.parse("http://example.com/x").host
http_ok = pcall(require, "http")
`); err != nil {
		t.Fatal(err)
	}
	L := e.VM()
	got := map[string]lua.LValue{}
	for _, k := range []string{"has_os", "has_io", "has_dofile", "encoded", "matched", "host", "http_ok"} {
		got[k] = L.GetGlobal(k)
	}
	want := map[string]lua.LValue{
		"has_os":     lua.LFalse,
		"has_io":     lua.LFalse,
		"has_dofile": lua.LFalse,
		"encoded":    lua.LString("[1,2]"),
		"matched":    lua.LString("123"),
		"host":       lua.LString("example.com"),
		"http_ok":    lua.LFalse,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sandbox mismatch (-want +got):\n%s", diff)
	}
}

func TestLuaEngineHTTPNeedsTrust(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowNetwork = true
	withBridgeConfig(t, cfg, func(b *Bridge) {
		mustLoad(t, b, "mods/net.lua", `ok = pcall(require, "http")`, Untrusted)
		if global(b, "ok") != lua.LFalse {
			t.Errorf("untrusted script loaded http")
		}
		mustLoad(t, b, "core/net.lua", `ok = pcall(require, "http")`, Trusted)
		if global(b, "ok") != lua.LTrue {
			t.Errorf("trusted script could not load http")
		}
	})
}

func TestLuaEngineFunctions(t *testing.T) {
	e := newLuaEngine(t)
	if err := e.RegisterFunction("add", func(a, b int) int { return a + b }); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterModule("strs", map[string]interface{}{
		"upper": strings.ToUpper,
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterFunction("bad", 42); err == nil {
		t.Errorf("registered a non-function")
	}
	e.RegisterObject("config", map[string]interface{}{"name": "bridge", "tags": []string{"a", "b"}})
	e.SetReady()
	if !e.IsReady() {
		t.Errorf("engine not ready")
	}
	if err := e.ParseString(`
function combine(x, y)
	local strs = require("strs")
	return add(x, y), strs.upper(config.name), config.tags[2]
end
`); err != nil {
		t.Fatal(err)
	}
	if !e.IsFunction("combine") || e.IsFunction("config") {
		t.Errorf("IsFunction misreports")
	}
	got, err := e.Call("combine", 3, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []interface{}{float64(5), "BRIDGE", "b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if _, err := e.Call("missing", 0); err == nil {
		t.Errorf("calling a missing function succeeded")
	}
	if err := e.ParseString(`function boom() error("boom") end`); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Call("boom", 0); err == nil {
		t.Errorf("got nil error from a failing function")
	}
}

func TestConvertValues(t *testing.T) {
	e := newLuaEngine(t)
	L := e.VM()
	type point struct{ X, Y int }
	src := map[string]interface{}{
		"list":  []interface{}{1.0, "two", true},
		"bytes": []byte("raw"),
		"point": &point{X: 1, Y: 2},
	}
	v := toLuaValue(L, src)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatalf("got %T", v)
	}
	if got := tbl.RawGetString("bytes"); got != lua.LString("raw") {
		t.Errorf("bytes: got %v", got)
	}
	if _, ok := tbl.RawGetString("point").(*lua.LUserData); !ok {
		t.Errorf("struct pointer not passed as userdata")
	}
	tbl.RawSetString("point", lua.LNil)
	tbl.RawSetString("self", tbl)
	got := toGoValue(tbl)
	want := map[string]interface{}{
		"list":  []interface{}{1.0, "two", true},
		"bytes": "raw",
		"self":  nil,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("conversion mismatch (-want +got):\n%s", diff)
	}
}

const jsSubscriber = `
var log = [];
function onDamage(who, amount) { log.push(who + "=" + amount); }
function report() { return log.join(" "); }
`

const goSubscriber = `
import "fmt"

var log string

func OnDamage(who string, amount float64) {
	log += fmt.Sprintf("%s=%v ", who, amount)
}

func Report() string { return log }
`

func TestScriptSubscribers(t *testing.T) {
	for _, tc := range []struct {
		engineType string
		source     string
		notify     string
		report     string
		want       string
	}{
		{TypeEngineJs, jsSubscriber, "onDamage", "report", "orc=5 elf=2"},
		{TypeEngineGo, goSubscriber, "OnDamage", "Report", "orc=5 elf=2 "},
		{TypeEngineLua, `
local log = {}
function onDamage(who, amount) log[#log + 1] = who .. "=" .. amount end
function report() return table.concat(log, " ") end
`, "onDamage", "report", "orc=5 elf=2"},
	} {
		t.Run(tc.engineType, func(t *testing.T) {
			pool := InitEnginePool(tc.engineType, tc.source, DefaultConfig())
			defer pool.Shutdown()
			withBridge(t, func(b *Bridge) {
				var failures []error
				b.Events.OnError = func(queue string, s Subscriber, err error) {
					failures = append(failures, err)
				}
				q := b.Queue("onDamage")
				sub := &ScriptSubscriber{Pool: pool, Func: tc.notify}
				q.Subscribe(sub)
				q.Queue(lua.LString("orc"), lua.LNumber(5))
				q.Queue(lua.LString("elf"), lua.LNumber(2))
				q.Emit()
				if len(failures) != 0 {
					t.Fatalf("subscriber failed: %v", failures)
				}
				if got := sub.String(); got != tc.engineType+":"+tc.notify {
					t.Errorf("got name %q", got)
				}
			})
			e, err := pool.Get()
			if err != nil {
				t.Fatal(err)
			}
			defer pool.Put(e)
			res, err := e.Call(tc.report, 1)
			if err != nil {
				t.Fatal(err)
			}
			if len(res) != 1 || fmt.Sprint(res[0]) != tc.want {
				t.Errorf("got %v, want %q", res, tc.want)
			}
		})
	}
}

func TestEnginePool(t *testing.T) {
	pool := InitEnginePool(TypeEngineJs, "", DefaultConfig())
	e1, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if !e1.IsReady() {
		t.Errorf("pooled engine not ready")
	}
	pool.Put(e1)
	e2, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if e1 != e2 {
		t.Errorf("pool did not reuse the engine")
	}
	pool.Put(e2)
	pool.Shutdown()
	if _, err := pool.Get(); err == nil {
		t.Errorf("Get after Shutdown succeeded")
	}

	if _, err := InitEnginePool("cobol", "", DefaultConfig()).Get(); err == nil {
		t.Errorf("unknown engine type accepted")
	}
	if _, err := InitEnginePool(TypeEngineJs, "syntax error (", DefaultConfig()).Get(); err == nil {
		t.Errorf("bad setup source accepted")
	}
}
