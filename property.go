package bridge

import (
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// Slot is called after a connected key changes. value is LNil when the key was unset.
type Slot func(key string, value lua.LValue)

// Connection is returned by PropertyMap.Connect.
type Connection struct {
	m    *PropertyMap
	key  string
	slot Slot
}

// Disconnect removes the slot. Calling it again does nothing.
func (c *Connection) Disconnect() {
	if c.m == nil {
		return
	}
	conns := c.m.slots[c.key]
	for i, other := range conns {
		if other == c {
			c.m.slots[c.key] = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(c.m.slots[c.key]) == 0 {
		delete(c.m.slots, c.key)
	}
	c.m = nil
}

// PropertyMap is the reactive key/value store embedded in a native object. Its
// contents live in a plain Lua table so they pickle like any other table.
type PropertyMap struct {
	table *lua.LTable
	slots map[string][]*Connection
}

func NewPropertyMap() *PropertyMap {
	return &PropertyMap{
		table: &lua.LTable{Metatable: lua.LNil},
		slots: map[string][]*Connection{},
	}
}

// Propertied is implemented by native objects that carry a PropertyMap.
type Propertied interface {
	Properties() *PropertyMap
}

func (m *PropertyMap) Set(key string, value lua.LValue) {
	if value == nil {
		value = lua.LNil
	}
	m.table.RawSetString(key, value)
	conns := append([]*Connection(nil), m.slots[key]...)
	for _, c := range conns {
		if c.m == nil {
			continue
		}
		c.slot(key, value)
	}
}

func (m *PropertyMap) Unset(key string) {
	m.Set(key, lua.LNil)
}

func (m *PropertyMap) Get(key string, def lua.LValue) lua.LValue {
	if v := m.table.RawGetString(key); v != lua.LNil {
		return v
	}
	return def
}

func (m *PropertyMap) Has(key string) bool {
	return m.table.RawGetString(key) != lua.LNil
}

// Keys returns the set keys sorted.
func (m *PropertyMap) Keys() []string {
	keys := []string{}
	m.table.ForEach(func(k, v lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			keys = append(keys, string(s))
		}
	})
	sort.Strings(keys)
	return keys
}

func (m *PropertyMap) Connect(key string, slot Slot) *Connection {
	c := &Connection{m: m, key: key, slot: slot}
	m.slots[key] = append(m.slots[key], c)
	return c
}

// Table exposes the backing table for pickling and script access.
func (m *PropertyMap) Table() *lua.LTable {
	return m.table
}
