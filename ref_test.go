package bridge

import (
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestRefCounting(t *testing.T) {
	withBridge(t, func(b *Bridge) {
		tbl := b.L().NewTable()
		r := b.NewRef(tbl)
		if !r.Valid() || r.Value() != tbl {
			t.Fatalf("new ref does not hold its value")
		}
		c := r.Copy()
		r.Release()
		r.Release()
		if r.Valid() {
			t.Errorf("released ref still valid")
		}
		if r.Value() != lua.LNil {
			t.Errorf("released ref still yields a value")
		}
		if c.Value() != tbl {
			t.Errorf("copy lost the value when the original was released")
		}
		if b.refs.live != 1 {
			t.Errorf("got %d live refs, want 1", b.refs.live)
		}
		c.Release()
		if b.refs.live != 0 {
			t.Errorf("got %d live refs, want 0", b.refs.live)
		}
		if got := b.refs.table.RawGetInt(r.cell.id); got != lua.LNil {
			t.Errorf("slot not cleared: %v", got)
		}
	})
}

func TestRefNil(t *testing.T) {
	withBridge(t, func(b *Bridge) {
		r := b.NewRef(lua.LNil)
		if r.Valid() {
			t.Errorf("nil ref is valid")
		}
		if !r.Equal(b.NewRef(lua.LNil)) {
			t.Errorf("two nil refs differ")
		}
		r.Release()
		if c := r.Copy(); c.Valid() {
			t.Errorf("copy of nil ref is valid")
		}
	})
}

func TestRefEqual(t *testing.T) {
	withBridge(t, func(b *Bridge) {
		tbl := b.L().NewTable()
		r := b.NewRef(tbl)
		for _, tc := range []struct {
			name string
			a, b *Ref
			want bool
		}{
			{"copy", r, r.Copy(), true},
			{"same table", r, b.NewRef(tbl), true},
			{"equal strings", b.NewRef(lua.LString("a")), b.NewRef(lua.LString("a")), true},
			{"different tables", r, b.NewRef(b.L().NewTable()), false},
			{"valid and nil", r, b.NewRef(lua.LNil), false},
		} {
			if got := tc.a.Equal(tc.b); got != tc.want {
				t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
			}
		}
	})
}

func TestRefPush(t *testing.T) {
	withBridge(t, func(b *Bridge) {
		L := b.L()
		r := b.NewRef(lua.LString("pushed"))
		top := L.GetTop()
		r.Push(L)
		if got := L.Get(-1); got != lua.LString("pushed") {
			t.Errorf("got %v", got)
		}
		L.SetTop(top)
	})
}
