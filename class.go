package bridge

import (
	lua "github.com/yuin/gopher-lua"
)

// ClassID indexes the class arena. noClass marks a missing parent.
type ClassID int

const noClass ClassID = -1

// MethodFunc implements a script-callable method. Arguments after self start at
// stack index 2; the return value is the number of results pushed.
type MethodFunc func(L *lua.LState, h *Handle) int

type Method struct {
	Fn        MethodFunc
	Protected bool
}

// Attribute is read through a zero-argument accessor. Set is optional; attributes
// without one are read-only.
type Attribute struct {
	Get       func(h *Handle) (lua.LValue, error)
	Set       func(h *Handle, v lua.LValue) error
	Protected bool
}

// ClassDef is the registration form of a class.
type ClassDef struct {
	Name       string
	Parent     string
	Methods    map[string]Method
	Attributes map[string]Attribute
	// Meta holds extra metamethods such as __tostring or __eq. __index, __newindex
	// and __metatable are owned by the bridge.
	Meta map[string]lua.LGFunction
	// Properties enables property map lookups for objects of this class.
	Properties bool
	// Protected marks every method and attribute of the class as protected.
	Protected bool
}

type method struct {
	Method
	fn *lua.LFunction
}

// Class is a registered class descriptor.
type Class struct {
	ID         ClassID
	Name       string
	Parent     ClassID
	Properties bool
	Protected  bool

	methods   map[string]*method
	attrs     map[string]Attribute
	metatable *lua.LTable
}

func (c *Class) HasMethod(name string) bool {
	_, found := c.methods[name]
	return found
}

// classArena stores descriptors by stable id. Names resolve to ids once, at
// registration; dispatch walks ids.
type classArena struct {
	classes []*Class
	byName  map[string]ClassID
}

func newClassArena() *classArena {
	return &classArena{byName: map[string]ClassID{}}
}

func (a *classArena) get(id ClassID) *Class {
	if id < 0 || int(id) >= len(a.classes) {
		return nil
	}
	return a.classes[id]
}

func (a *classArena) lookup(name string) (*Class, bool) {
	id, found := a.byName[name]
	if !found {
		return nil, false
	}
	return a.classes[id], true
}

func (a *classArena) add(def ClassDef) (*Class, error) {
	if def.Name == "" {
		return nil, &RegistrationError{Name: def.Name, Reason: "class name is empty"}
	}
	if _, found := a.byName[def.Name]; found {
		return nil, &RegistrationError{Name: def.Name, Reason: "class already registered"}
	}
	parent := noClass
	if def.Parent != "" {
		p, found := a.byName[def.Parent]
		if !found {
			return nil, &RegistrationError{Name: def.Name, Reason: "parent " + def.Parent + " is not registered"}
		}
		parent = p
	}
	c := &Class{
		ID:         ClassID(len(a.classes)),
		Name:       def.Name,
		Parent:     parent,
		Properties: def.Properties,
		Protected:  def.Protected,
		methods:    map[string]*method{},
		attrs:      map[string]Attribute{},
	}
	for name, m := range def.Methods {
		m.Protected = m.Protected || def.Protected
		c.methods[name] = &method{Method: m}
	}
	for name, attr := range def.Attributes {
		attr.Protected = attr.Protected || def.Protected
		c.attrs[name] = attr
	}
	a.classes = append(a.classes, c)
	a.byName[c.Name] = c.ID
	return c, nil
}

// isa reports whether id is base or inherits from it.
func (a *classArena) isa(id ClassID, base ClassID) bool {
	for cur := a.get(id); cur != nil; cur = a.get(cur.Parent) {
		if cur.ID == base {
			return true
		}
	}
	return false
}

// chain returns id followed by its ancestors.
func (a *classArena) chain(id ClassID) []*Class {
	res := []*Class{}
	for cur := a.get(id); cur != nil; cur = a.get(cur.Parent) {
		res = append(res, cur)
	}
	return res
}

func (a *classArena) hasProperties(id ClassID) bool {
	for _, c := range a.chain(id) {
		if c.Properties {
			return true
		}
	}
	return false
}
