package bridge

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
)

// counterModule is a Go module whose state is a single number.
type counterModule struct {
	b      *Bridge
	value  float64
	loaded []lua.LValue
}

func (c *counterModule) register(t *testing.T, name string) {
	t.Helper()
	if err := c.b.RegisterModuleSave(name,
		func() (lua.LValue, error) {
			tbl := c.b.L().NewTable()
			tbl.RawSetString("value", lua.LNumber(c.value))
			return tbl, nil
		},
		func(payload lua.LValue) error {
			c.loaded = append(c.loaded, payload)
			if n, ok := payload.(*lua.LTable).RawGetString("value").(lua.LNumber); ok {
				c.value = float64(n)
			}
			return nil
		}); err != nil {
		t.Fatal(err)
	}
}

func TestSaveLoadState(t *testing.T) {
	withBridge(t, func(b *Bridge) {
		first := &counterModule{b: b, value: 3}
		second := &counterModule{b: b, value: 4}
		first.register(t, "first")
		second.register(t, "second")
		if diff := cmp.Diff([]string{"first", "second"}, b.Serializer.Modules()); diff != "" {
			t.Errorf("modules mismatch (-want +got):\n%s", diff)
		}
		data, err := b.Serializer.SaveState()
		if err != nil {
			t.Fatal(err)
		}
		first.value, second.value = 0, 0
		if err := b.Serializer.LoadState(data); err != nil {
			t.Fatal(err)
		}
		if first.value != 3 || second.value != 4 {
			t.Errorf("got %v and %v, want 3 and 4", first.value, second.value)
		}
	})
}

func TestLoadStateMissingModule(t *testing.T) {
	var data []byte
	withBridge(t, func(b *Bridge) {
		(&counterModule{b: b, value: 1}).register(t, "old")
		var err error
		if data, err = b.Serializer.SaveState(); err != nil {
			t.Fatal(err)
		}
	})
	withBridge(t, func(b *Bridge) {
		added := &counterModule{b: b, value: 9}
		added.register(t, "added")
		if err := b.Serializer.LoadState(data); err != nil {
			t.Fatal(err)
		}
		if len(added.loaded) != 1 {
			t.Fatalf("load called %d times", len(added.loaded))
		}
		tbl, ok := added.loaded[0].(*lua.LTable)
		if !ok || tbl.Len() != 0 || tbl.RawGetString("value") != lua.LNil {
			t.Errorf("got %v, want an empty table", added.loaded[0])
		}
		if added.value != 9 {
			t.Errorf("empty payload changed the module state")
		}
	})
}

func TestSaveStateRetainsUnknownModules(t *testing.T) {
	var data []byte
	withBridge(t, func(b *Bridge) {
		(&counterModule{b: b, value: 1}).register(t, "core")
		(&counterModule{b: b, value: 2}).register(t, "plugin")
		var err error
		if data, err = b.Serializer.SaveState(); err != nil {
			t.Fatal(err)
		}
	})
	withBridge(t, func(b *Bridge) {
		(&counterModule{b: b}).register(t, "core")
		if err := b.Serializer.LoadState(data); err != nil {
			t.Fatal(err)
		}
		var err error
		if data, err = b.Serializer.SaveState(); err != nil {
			t.Fatal(err)
		}
	})
	withBridge(t, func(b *Bridge) {
		core := &counterModule{b: b}
		plugin := &counterModule{b: b}
		core.register(t, "core")
		plugin.register(t, "plugin")
		if err := b.Serializer.LoadState(data); err != nil {
			t.Fatal(err)
		}
		if core.value != 1 || plugin.value != 2 {
			t.Errorf("got %v and %v, want 1 and 2", core.value, plugin.value)
		}
	})
}

func TestLoadStateCorruptInstallsNothing(t *testing.T) {
	withBridge(t, func(b *Bridge) {
		m := &counterModule{b: b, value: 5}
		m.register(t, "m")
		data, err := b.Serializer.SaveState()
		if err != nil {
			t.Fatal(err)
		}
		for _, bad := range [][]byte{data[:len(data)-2], append(append([]byte{}, data...), 'x'), []byte("f1\n")} {
			var corrupt *CorruptSaveError
			if err := b.Serializer.LoadState(bad); !errors.As(err, &corrupt) {
				t.Errorf("got %v, want CorruptSaveError", err)
			}
		}
		if len(m.loaded) != 0 {
			t.Errorf("load ran for a corrupt save")
		}
	})
}

func TestModuleSaveErrors(t *testing.T) {
	withBridge(t, func(b *Bridge) {
		(&counterModule{b: b}).register(t, "m")
		var regErr *RegistrationError
		noop := func() (lua.LValue, error) { return lua.LNil, nil }
		if err := b.RegisterModuleSave("m", noop, func(lua.LValue) error { return nil }); !errors.As(err, &regErr) {
			t.Errorf("duplicate: got %v, want RegistrationError", err)
		}
		if err := b.RegisterModuleSave("", noop, func(lua.LValue) error { return nil }); !errors.As(err, &regErr) {
			t.Errorf("empty name: got %v, want RegistrationError", err)
		}
		if err := b.RegisterModuleSave("x", nil, nil); !errors.As(err, &regErr) {
			t.Errorf("nil hooks: got %v, want RegistrationError", err)
		}

		failing := errors.New("disk on fire")
		if err := b.RegisterModuleSave("failing", func() (lua.LValue, error) { return nil, failing }, func(lua.LValue) error { return nil }); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Serializer.SaveState(); !errors.Is(err, failing) {
			t.Errorf("got %v, want the module error", err)
		}
	})
}

func TestLuaModuleSave(t *testing.T) {
	script := `
Quests = {done = {}}
Serializer:Register("quests",
	function() return Quests end,
	function(data) Quests = data; Quests.done = Quests.done or {} end)
`
	var data []byte
	withBridge(t, func(b *Bridge) {
		mustLoad(t, b, "quests.lua", script, Untrusted)
		mustLoad(t, b, "play.lua", `Quests.done[1] = "rescue"; Quests.done[2] = "escort"`, Untrusted)
		var err error
		if data, err = b.Serializer.SaveState(); err != nil {
			t.Fatal(err)
		}
	})
	withBridge(t, func(b *Bridge) {
		mustLoad(t, b, "quests.lua", script, Untrusted)
		if err := b.Serializer.LoadState(data); err != nil {
			t.Fatal(err)
		}
		mustLoad(t, b, "check.lua", `done = table.concat(Quests.done, ",")`, Untrusted)
		if got := global(b, "done"); got != lua.LString("rescue,escort") {
			t.Errorf("got %v", got)
		}
	})
}

func TestSaveFileEnvelope(t *testing.T) {
	var buf bytes.Buffer
	withBridge(t, func(b *Bridge) {
		(&counterModule{b: b, value: 7}).register(t, "m")
		if err := b.Serializer.WriteSave(&buf); err != nil {
			t.Fatal(err)
		}
	})
	sf, err := ReadSaveFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if sf.Format != saveFormat || sf.Version != saveVersion || sf.Created.IsZero() {
		t.Errorf("got envelope %+v", sf)
	}
	if diff := cmp.Diff([]string{"m"}, sf.Modules); diff != "" {
		t.Errorf("modules mismatch (-want +got):\n%s", diff)
	}
	withBridge(t, func(b *Bridge) {
		m := &counterModule{b: b}
		m.register(t, "m")
		if err := b.Serializer.ReadSave(bytes.NewReader(buf.Bytes())); err != nil {
			t.Fatal(err)
		}
		if m.value != 7 {
			t.Errorf("got %v, want 7", m.value)
		}
	})

	for _, bad := range []string{
		`not json`,
		`{"format":"other","version":1}`,
		`{"format":"bridge-pickle","version":99}`,
	} {
		var corrupt *CorruptSaveError
		if _, err := ReadSaveFile(strings.NewReader(bad)); !errors.As(err, &corrupt) {
			t.Errorf("%s: got %v, want CorruptSaveError", bad, err)
		}
	}
}

func TestSaveHandlesInModules(t *testing.T) {
	orc := newTestEntity("orc")
	byName := map[string]*testEntity{"orc": orc}
	setup := func(t *testing.T, b *Bridge) {
		registerEntities(t, b)
		registerEntitySerializer(t, b, byName)
		mustLoad(t, b, "party.lua", `
Party = {}
Serializer:Register("party", function() return Party end, function(p) Party = p end)
`, Untrusted)
	}
	var data []byte
	withBridge(t, func(b *Bridge) {
		setup(t, b)
		b.L().SetGlobal("orc", mustHandle(t, b, orc).UserData())
		mustLoad(t, b, "join.lua", `Party.leader = orc; Party.members = {orc}`, Untrusted)
		var err error
		if data, err = b.Serializer.SaveState(); err != nil {
			t.Fatal(err)
		}
	})
	withBridge(t, func(b *Bridge) {
		setup(t, b)
		if err := b.Serializer.LoadState(data); err != nil {
			t.Fatal(err)
		}
		mustLoad(t, b, "check.lua", `
name = Party.leader:GetName()
same = Party.leader == Party.members[1]
`, Untrusted)
		if got := global(b, "name"); got != lua.LString("orc") {
			t.Errorf("got %v", got)
		}
		if global(b, "same") != lua.LTrue {
			t.Errorf("handle identity lost across load")
		}
	})
}

func TestFailedLoadKeepsRetainedModules(t *testing.T) {
	saveWith := func(plugin string) []byte {
		var data []byte
		withBridge(t, func(b *Bridge) {
			(&counterModule{b: b, value: 1}).register(t, "core")
			(&counterModule{b: b, value: 2}).register(t, plugin)
			var err error
			if data, err = b.Serializer.SaveState(); err != nil {
				t.Fatal(err)
			}
		})
		return data
	}
	first, second := saveWith("radio"), saveWith("weather")

	withBridge(t, func(b *Bridge) {
		(&counterModule{b: b}).register(t, "core")
		broken := false
		failing := errors.New("bad payload")
		if err := b.RegisterModuleSave("zlast",
			func() (lua.LValue, error) { return b.L().NewTable(), nil },
			func(lua.LValue) error {
				if broken {
					return failing
				}
				return nil
			}); err != nil {
			t.Fatal(err)
		}
		if err := b.Serializer.LoadState(first); err != nil {
			t.Fatal(err)
		}
		broken = true
		if err := b.Serializer.LoadState(second); !errors.Is(err, failing) {
			t.Fatalf("got %v, want the module error", err)
		}
		data, err := b.Serializer.SaveState()
		if err != nil {
			t.Fatal(err)
		}
		v, err := b.Serializer.Unpickle(data)
		if err != nil {
			t.Fatal(err)
		}
		root := v.(*lua.LTable)
		if root.RawGetString("radio") == lua.LNil {
			t.Errorf("retained module from the last good load was dropped")
		}
		if root.RawGetString("weather") != lua.LNil {
			t.Errorf("module from the failed load was retained")
		}
	})
}
