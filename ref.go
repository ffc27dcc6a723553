package bridge

import (
	lua "github.com/yuin/gopher-lua"
)

const refRegistryKey = "BridgeRefs"

// refStore keeps referenced values alive in a registry table of the Lua state.
type refStore struct {
	L     *lua.LState
	table *lua.LTable
	next  int
	live  int
}

func newRefStore(L *lua.LState) *refStore {
	tbl := L.NewTable()
	L.G.Registry.RawSetString(refRegistryKey, tbl)
	return &refStore{L: L, table: tbl}
}

type refCell struct {
	store *refStore
	id    int
	count int
}

// Ref is a counted claim on a runtime value. Copies share the count; the value is
// released from the runtime when the last copy is released.
type Ref struct {
	cell     *refCell
	released bool
}

func (s *refStore) New(v lua.LValue) *Ref {
	if v == lua.LNil {
		return &Ref{released: true}
	}
	s.next++
	s.live++
	s.table.RawSetInt(s.next, v)
	return &Ref{cell: &refCell{store: s, id: s.next, count: 1}}
}

func (r *Ref) Valid() bool {
	return r != nil && !r.released && r.cell != nil
}

func (r *Ref) Value() lua.LValue {
	if !r.Valid() {
		return lua.LNil
	}
	return r.cell.store.table.RawGetInt(r.cell.id)
}

func (r *Ref) Copy() *Ref {
	if !r.Valid() {
		return &Ref{released: true}
	}
	r.cell.count++
	return &Ref{cell: r.cell}
}

// Release drops this copy's claim. Releasing twice is a no-op.
func (r *Ref) Release() {
	if !r.Valid() {
		return
	}
	r.released = true
	r.cell.count--
	if r.cell.count == 0 {
		s := r.cell.store
		s.table.RawSetInt(r.cell.id, lua.LNil)
		s.live--
	}
}

// Equal compares identity first, then falls back to runtime equality for the rare
// case of the same logical value stored under two slots.
func (r *Ref) Equal(o *Ref) bool {
	if !r.Valid() || !o.Valid() {
		return !r.Valid() && !o.Valid()
	}
	if r.cell == o.cell {
		return true
	}
	return r.cell.store.L.Equal(r.Value(), o.Value())
}

func (r *Ref) Push(L *lua.LState) {
	L.Push(r.Value())
}
