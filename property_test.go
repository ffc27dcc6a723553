package bridge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	lua "github.com/yuin/gopher-lua"
)

func TestPropertyMap(t *testing.T) {
	m := NewPropertyMap()
	if m.Has("a") {
		t.Errorf("empty map has a")
	}
	if got := m.Get("a", lua.LNumber(7)); got != lua.LNumber(7) {
		t.Errorf("got %v, want default", got)
	}
	m.Set("b", lua.LString("x"))
	m.Set("a", lua.LNumber(1))
	m.Set("c", nil)
	if diff := cmp.Diff([]string{"a", "b"}, m.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if got := m.Get("a", lua.LNil); got != lua.LNumber(1) {
		t.Errorf("got %v, want 1", got)
	}
	m.Unset("a")
	if m.Has("a") {
		t.Errorf("a still set")
	}
	if got := m.Table().RawGetString("b"); got != lua.LString("x") {
		t.Errorf("backing table got %v", got)
	}
}

func TestPropertyMapSlots(t *testing.T) {
	m := NewPropertyMap()
	type change struct {
		Slot  string
		Key   string
		Value string
	}
	var got []change
	record := func(slot string) Slot {
		return func(key string, v lua.LValue) {
			got = append(got, change{Slot: slot, Key: key, Value: v.String()})
		}
	}
	c1 := m.Connect("hp", record("first"))
	m.Connect("hp", record("second"))
	m.Connect("mood", record("mood"))

	m.Set("hp", lua.LNumber(5))
	c1.Disconnect()
	c1.Disconnect()
	m.Set("hp", lua.LNumber(4))
	m.Unset("mood")

	want := []change{
		{Slot: "first", Key: "hp", Value: "5"},
		{Slot: "second", Key: "hp", Value: "5"},
		{Slot: "second", Key: "hp", Value: "4"},
		{Slot: "mood", Key: "mood", Value: "nil"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestPropertyMapDisconnectDuringNotify(t *testing.T) {
	m := NewPropertyMap()
	calls := 0
	var second *Connection
	m.Connect("k", func(string, lua.LValue) {
		calls++
		second.Disconnect()
	})
	second = m.Connect("k", func(string, lua.LValue) {
		calls++
	})
	m.Set("k", lua.LTrue)
	if calls != 1 {
		t.Errorf("got %d calls, want the disconnected slot skipped", calls)
	}
}

func TestPropertyTableInScripts(t *testing.T) {
	withBridge(t, func(b *Bridge) {
		m := NewPropertyMap()
		m.Set("speed", lua.LNumber(3))
		b.L().SetGlobal("props", m.Table())
		mustLoad(t, b, "props.lua", `
mt = getmetatable(props)
speed = props.speed
`, Untrusted)
		if got := global(b, "mt"); got != lua.LNil {
			t.Errorf("got metatable %v, want nil", got)
		}
		if got := global(b, "speed"); got != lua.LNumber(3) {
			t.Errorf("got speed %v, want 3", got)
		}
	})
}
