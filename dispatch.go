package bridge

import (
	"context"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
)

type MemberKind int

const (
	MemberNotFound MemberKind = iota
	MemberMethod
	MemberAttribute
	MemberProperty
)

func (k MemberKind) String() string {
	switch k {
	case MemberMethod:
		return "method"
	case MemberAttribute:
		return "attribute"
	case MemberProperty:
		return "property"
	}
	return "not found"
}

// Member is the result of resolving a name on a handle. For methods Value is the
// callable; for attributes and properties it is the resolved value.
type Member struct {
	Kind      MemberKind
	Name      string
	Class     *Class
	Handle    *Handle
	Value     lua.LValue
	Protected bool
}

// Dispatch resolves name on h: the property map first (for classes declaring
// property support), then each class on the parent chain, methods before
// attributes, then the built-in object methods.
func (r *Registry) Dispatch(ctx context.Context, h *Handle, name string) (Member, error) {
	if !h.Exists() {
		return Member{Name: name}, WithStack(&StaleHandleError{Class: h.ClassName()})
	}
	if props := h.Properties(); props != nil {
		if v := props.Get(name, lua.LNil); v != lua.LNil {
			return Member{Kind: MemberProperty, Name: name, Handle: h, Value: v}, nil
		}
	}
	for _, c := range r.classes.chain(h.class.ID) {
		if m, found := c.methods[name]; found {
			return Member{Kind: MemberMethod, Name: name, Class: c, Handle: h, Value: m.fn, Protected: m.Protected}, nil
		}
		if attr, found := c.attrs[name]; found {
			if attr.Protected && TrustFrom(ctx) != Trusted {
				return Member{Name: name}, WithStack(&SecurityError{Class: c.Name, Member: name})
			}
			v := lua.LValue(lua.LNil)
			if attr.Get != nil {
				var err error
				if v, err = attr.Get(h); err != nil {
					return Member{Name: name}, WithStack(err)
				}
				if v == nil {
					v = lua.LNil
				}
			}
			return Member{Kind: MemberAttribute, Name: name, Class: c, Handle: h, Value: v, Protected: attr.Protected}, nil
		}
	}
	if fn, found := r.builtins[name]; found {
		return Member{Kind: MemberMethod, Name: name, Handle: h, Value: fn}, nil
	}
	return Member{Name: name}, WithStack(&UnresolvedMemberError{Class: h.class.Name, Member: name})
}

// GuardedCall invokes a resolved member with the trust token carried by ctx.
// Protected members fail with SecurityError before running when the caller is
// not trusted. Attributes and properties return their resolved value.
func (r *Registry) GuardedCall(ctx context.Context, m Member, args ...lua.LValue) ([]lua.LValue, error) {
	switch m.Kind {
	case MemberAttribute, MemberProperty:
		return []lua.LValue{m.Value}, nil
	case MemberMethod:
	default:
		return nil, WithStack(&UnresolvedMemberError{Class: m.Handle.ClassName(), Member: m.Name})
	}
	trust := TrustFrom(ctx)
	if m.Protected && trust != Trusted {
		return nil, WithStack(&SecurityError{Class: m.Class.Name, Member: m.Name})
	}
	if !m.Handle.Exists() {
		return nil, WithStack(&StaleHandleError{Class: m.Handle.ClassName()})
	}
	defer enter(r.L, trust)()
	return callValue(r.L, m.Value, append([]lua.LValue{m.Handle.ud}, args...)...)
}

// Invoke is Dispatch followed by GuardedCall.
func (r *Registry) Invoke(ctx context.Context, h *Handle, name string, args ...lua.LValue) ([]lua.LValue, error) {
	m, err := r.Dispatch(ctx, h, name)
	if err != nil {
		return nil, err
	}
	return r.GuardedCall(ctx, m, args...)
}

// callValue runs fn in protected mode and returns all its results.
func callValue(L *lua.LState, fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	top := L.GetTop()
	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    lua.MultRet,
		Protect: true,
	}, args...); err != nil {
		L.SetTop(top)
		return nil, fromLuaError(err)
	}
	rets := make([]lua.LValue, 0, L.GetTop()-top)
	for i := top + 1; i <= L.GetTop(); i++ {
		rets = append(rets, L.Get(i))
	}
	L.SetTop(top)
	return rets, nil
}

func (r *Registry) trampoline(c *Class, name string, m *method) lua.LGFunction {
	return func(L *lua.LState) int {
		h, err := r.checkHandle(L, 1)
		if err != nil {
			return raise(L, err)
		}
		if !r.classes.isa(h.class.ID, c.ID) {
			L.ArgError(1, "object of type "+h.class.Name+" can not be used as type "+c.Name)
			return 0
		}
		if m.Protected {
			if err := r.chunks.guard(L, c.Name, name); err != nil {
				return raise(L, err)
			}
		}
		return m.Fn(L, h)
	}
}

func (r *Registry) buildMetatable(c *Class, meta map[string]lua.LGFunction) {
	L := r.L
	mt := L.NewTable()
	mt.RawSetString("type", lua.LString(c.Name))
	for name, fn := range meta {
		switch name {
		case "__index", "__newindex", "__metatable":
			continue
		}
		mt.RawSetString(name, L.NewFunction(fn))
	}
	mt.RawSetString("__index", L.NewFunction(r.luaIndex))
	mt.RawSetString("__newindex", L.NewFunction(r.luaNewIndex))
	// getmetatable on a handle sees false, so scripts can not rewrite the class.
	mt.RawSetString("__metatable", lua.LFalse)
	if mt.RawGetString("__tostring") == lua.LNil {
		mt.RawSetString("__tostring", L.NewFunction(luaToString))
	}
	for name, m := range c.methods {
		m.fn = L.NewFunction(r.trampoline(c, name, m))
	}
	c.metatable = mt
}

// publishMethods exposes the class's method table as a global of the same name.
func (r *Registry) publishMethods(c *Class) {
	tbl := r.L.NewTable()
	for name, m := range c.methods {
		tbl.RawSetString(name, m.fn)
	}
	r.L.SetGlobal(c.Name, tbl)
}

func (r *Registry) luaIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	h, ok := ud.Value.(*Handle)
	if !ok {
		L.ArgError(1, "object expected")
		return 0
	}
	key, ok := L.Get(2).(lua.LString)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	// exists must keep working on stale handles.
	if key == "exists" {
		L.Push(r.exists)
		return 1
	}
	m, err := r.Dispatch(WithTrust(context.Background(), r.chunks.caller(L)), h, string(key))
	if err != nil {
		return raise(L, err)
	}
	L.Push(m.Value)
	return 1
}

func (r *Registry) luaNewIndex(L *lua.LState) int {
	h, err := r.checkHandle(L, 1)
	if err != nil {
		return raise(L, err)
	}
	key := L.CheckString(2)
	value := L.Get(3)
	// Properties win over attributes only once they have been set.
	if props := h.Properties(); props != nil && props.Has(key) {
		props.Set(key, value)
		return 0
	}
	for _, c := range r.classes.chain(h.class.ID) {
		attr, found := c.attrs[key]
		if !found {
			continue
		}
		if attr.Protected {
			if err := r.chunks.guard(L, c.Name, key); err != nil {
				return raise(L, err)
			}
		}
		if attr.Set == nil {
			return raise(L, errors.Errorf("attribute %s.%s is read-only", c.Name, key))
		}
		if err := attr.Set(h, value); err != nil {
			return raise(L, err)
		}
		return 0
	}
	return raise(L, &UnresolvedMemberError{Class: h.class.Name, Member: key})
}

func luaToString(L *lua.LState) int {
	ud := L.CheckUserData(1)
	if h, ok := ud.Value.(*Handle); ok {
		L.Push(lua.LString(h.String()))
		return 1
	}
	L.Push(lua.LString("userdata"))
	return 1
}

func (r *Registry) installBuiltins() {
	L := r.L
	r.exists = L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		h, _ := ud.Value.(*Handle)
		L.Push(lua.LBool(h.Exists()))
		return 1
	})
	withHandle := func(fn func(L *lua.LState, h *Handle) int) *lua.LFunction {
		return L.NewFunction(func(L *lua.LState) int {
			h, err := r.checkHandle(L, 1)
			if err != nil {
				return raise(L, err)
			}
			return fn(L, h)
		})
	}
	withProperties := func(fn func(L *lua.LState, props *PropertyMap) int) *lua.LFunction {
		return withHandle(func(L *lua.LState, h *Handle) int {
			props := h.Properties()
			if props == nil {
				L.RaiseError("%s has no property map", h.class.Name)
				return 0
			}
			return fn(L, props)
		})
	}
	r.builtins = map[string]*lua.LFunction{
		"exists": r.exists,
		"isa": withHandle(func(L *lua.LState, h *Handle) int {
			L.Push(lua.LBool(h.Isa(L.CheckString(2))))
			return 1
		}),
		"setprop": withProperties(func(L *lua.LState, props *PropertyMap) int {
			key := L.CheckString(2)
			value := L.CheckAny(3)
			if value.Type() == lua.LTFunction {
				L.ArgError(3, "functions can not be stored as properties")
				return 0
			}
			props.Set(key, value)
			return 0
		}),
		"unsetprop": withProperties(func(L *lua.LState, props *PropertyMap) int {
			props.Unset(L.CheckString(2))
			return 0
		}),
		"hasprop": withHandle(func(L *lua.LState, h *Handle) int {
			props := h.Properties()
			L.Push(lua.LBool(props != nil && props.Has(L.CheckString(2))))
			return 1
		}),
	}
}
