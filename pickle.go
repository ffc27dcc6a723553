package bridge

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Pickle stream tags.
const (
	tagFloat     = 'f'
	tagBool      = 'b'
	tagString    = 's'
	tagTable     = 't'
	tagEnd       = 'n'
	tagRef       = 'r'
	tagUserData  = 'u'
	tagComposite = 'o'
)

// HandleSerializer turns the native object behind a handle into opaque bytes and back.
type HandleSerializer struct {
	Serialize   func(obj Object) ([]byte, error)
	Deserialize func(data []byte) (Object, error)
}

// CompositeSerializer transforms class-tagged tables (tables whose metatable has a
// string "class" field) before pickling and after unpickling.
type CompositeSerializer struct {
	Serialize   func(v lua.LValue) (lua.LValue, error)
	Unserialize func(v lua.LValue) (lua.LValue, error)
}

// Serializer pickles script values and drives whole-of-state saves.
type Serializer struct {
	L        *lua.LState
	reg      *Registry
	log      *zap.Logger
	chunks   chunkTrust
	maxDepth int

	handles    map[ClassID]HandleSerializer
	composites map[string]CompositeSerializer

	modules  []*moduleSave
	retained []retainedModule
}

func newSerializer(L *lua.LState, reg *Registry, log *zap.Logger, chunks chunkTrust, maxDepth int) *Serializer {
	return &Serializer{
		L:          L,
		reg:        reg,
		log:        log,
		chunks:     chunks,
		maxDepth:   maxDepth,
		handles:    map[ClassID]HandleSerializer{},
		composites: map[string]CompositeSerializer{},
	}
}

// RegisterSerializer installs the hook pair for handles of className and its
// subclasses that have none of their own.
func (s *Serializer) RegisterSerializer(className string, hs HandleSerializer) error {
	c, found := s.reg.classes.lookup(className)
	if !found {
		return WithStack(&RegistrationError{Name: className, Reason: "class is not registered"})
	}
	if hs.Serialize == nil || hs.Deserialize == nil {
		return WithStack(&RegistrationError{Name: className, Reason: "serializer needs both hooks"})
	}
	s.handles[c.ID] = hs
	return nil
}

func (s *Serializer) RegisterClassSerializer(className string, cs CompositeSerializer) error {
	if cs.Serialize == nil || cs.Unserialize == nil {
		return WithStack(&RegistrationError{Name: className, Reason: "serializer needs both Serialize and Unserialize"})
	}
	s.composites[className] = cs
	return nil
}

func (s *Serializer) handleSerializer(id ClassID) (*Class, HandleSerializer, bool) {
	for _, c := range s.reg.classes.chain(id) {
		if hs, found := s.handles[c.ID]; found {
			return c, hs, true
		}
	}
	return nil, HandleSerializer{}, false
}

type pickler struct {
	s     *Serializer
	buf   bytes.Buffer
	ids   map[*lua.LTable]int
	next  int
	depth int
}

// Pickle encodes v. Shared tables are written once and referenced by id after, so
// cycles terminate. Table pairs follow the runtime's Next order.
func (s *Serializer) Pickle(v lua.LValue) ([]byte, error) {
	p := &pickler{
		s:   s,
		ids: map[*lua.LTable]int{},
	}
	if err := p.pickle(v, ""); err != nil {
		return nil, err
	}
	return p.buf.Bytes(), nil
}

func (p *pickler) fail(path string, format string, args ...interface{}) error {
	if path == "" {
		path = "<root>"
	}
	return WithStack(&PickleError{Path: path, Reason: fmt.Sprintf(format, args...)})
}

func (p *pickler) assign(t *lua.LTable) int {
	p.next++
	p.ids[t] = p.next
	return p.next
}

func (p *pickler) pickle(v lua.LValue, path string) error {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > p.s.maxDepth {
		return p.fail(path, "nesting deeper than %d", p.s.maxDepth)
	}
	switch x := v.(type) {
	case lua.LNumber:
		p.buf.WriteByte(tagFloat)
		p.buf.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 64))
		p.buf.WriteByte('\n')
	case lua.LBool:
		if x {
			p.buf.WriteString("b1\n")
		} else {
			p.buf.WriteString("b0\n")
		}
	case lua.LString:
		fmt.Fprintf(&p.buf, "%c%d\n", tagString, len(x))
		p.buf.WriteString(string(x))
		p.buf.WriteByte('\n')
	case *lua.LTable:
		if id, seen := p.ids[x]; seen {
			fmt.Fprintf(&p.buf, "%c%d\n", tagRef, id)
			return nil
		}
		if class, tagged := compositeClass(x); tagged {
			return p.composite(x, class, path)
		}
		return p.table(x, p.assign(x), path)
	case *lua.LUserData:
		return p.handle(x, path)
	default:
		return p.fail(path, "%s values can not be saved", v.Type().String())
	}
	return nil
}

func (p *pickler) table(t *lua.LTable, id int, path string) error {
	fmt.Fprintf(&p.buf, "%c%d\n", tagTable, id)
	for k, v := t.Next(lua.LNil); k != lua.LNil; k, v = t.Next(k) {
		sub := path + "." + keyName(k)
		if err := p.pickle(k, sub); err != nil {
			return err
		}
		if err := p.pickle(v, sub); err != nil {
			return err
		}
	}
	p.buf.WriteString("n\n")
	return nil
}

// composite writes o<class> and the transformed payload. A table payload shares
// its id with the original so later references to the original become r nodes.
func (p *pickler) composite(orig *lua.LTable, class string, path string) error {
	cs, found := p.s.composites[class]
	if !found {
		return p.fail(path, "no serializer registered for class %s", class)
	}
	payload, err := cs.Serialize(orig)
	if err != nil {
		return WithStack(err)
	}
	if payload == nil || payload == lua.LNil {
		return p.fail(path, "Serialize for class %s returned nil", class)
	}
	fmt.Fprintf(&p.buf, "%c%s\n", tagComposite, class)
	if t, ok := payload.(*lua.LTable); ok {
		if id, seen := p.ids[t]; seen {
			p.ids[orig] = id
			fmt.Fprintf(&p.buf, "%c%d\n", tagRef, id)
			return nil
		}
		id := p.assign(t)
		p.ids[orig] = id
		return p.table(t, id, path)
	}
	return p.pickle(payload, path)
}

func (p *pickler) handle(ud *lua.LUserData, path string) error {
	h, ok := ud.Value.(*Handle)
	if !ok {
		return p.fail(path, "userdata of type %T can not be saved", ud.Value)
	}
	obj, err := h.Object()
	if err != nil {
		return p.fail(path, "%v", err)
	}
	c, hs, found := p.s.handleSerializer(h.class.ID)
	if !found {
		return p.fail(path, "no serializer registered for %s", h.class.Name)
	}
	data, err := hs.Serialize(obj)
	if err != nil {
		return WithStack(err)
	}
	fmt.Fprintf(&p.buf, "%c%s\n%d\n", tagUserData, c.Name, len(data))
	p.buf.Write(data)
	p.buf.WriteByte('\n')
	return nil
}

func compositeClass(t *lua.LTable) (string, bool) {
	mt, ok := t.Metatable.(*lua.LTable)
	if !ok {
		return "", false
	}
	class, ok := mt.RawGetString("class").(lua.LString)
	if !ok {
		return "", false
	}
	return string(class), true
}

func keyName(k lua.LValue) string {
	switch x := k.(type) {
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return x.String()
	}
	return "<" + k.Type().String() + ">"
}

type unpickler struct {
	s     *Serializer
	data  []byte
	pos   int
	ids   map[int]lua.LValue
	depth int
	// raw decodes u and o nodes into descriptive tables instead of calling hooks.
	raw bool
}

// Unpickle decodes a stream produced by Pickle. Any defect fails the whole call
// with a CorruptSaveError.
func (s *Serializer) Unpickle(data []byte) (lua.LValue, error) {
	return s.unpickle(data, false)
}

// UnpickleRaw decodes without class hooks: u nodes become {class=, data=} and o
// nodes {class=, value=}.
func (s *Serializer) UnpickleRaw(data []byte) (lua.LValue, error) {
	return s.unpickle(data, true)
}

func (s *Serializer) unpickle(data []byte, raw bool) (lua.LValue, error) {
	u := &unpickler{
		s:    s,
		data: data,
		ids:  map[int]lua.LValue{},
		raw:  raw,
	}
	v, err := u.value()
	if err != nil {
		return nil, err
	}
	if u.pos != len(u.data) {
		return nil, u.corrupt("%d bytes of trailing data", len(u.data)-u.pos)
	}
	return v, nil
}

func (u *unpickler) corrupt(format string, args ...interface{}) error {
	return WithStack(&CorruptSaveError{Offset: u.pos, Reason: fmt.Sprintf(format, args...)})
}

func (u *unpickler) line() (string, error) {
	idx := bytes.IndexByte(u.data[u.pos:], '\n')
	if idx < 0 {
		return "", u.corrupt("truncated line")
	}
	s := string(u.data[u.pos : u.pos+idx])
	u.pos += idx + 1
	return s, nil
}

func (u *unpickler) count() (int, error) {
	s, err := u.line()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, u.corrupt("bad length or id %q", s)
	}
	return n, nil
}

func (u *unpickler) bytes(n int) ([]byte, error) {
	if n > len(u.data)-u.pos-1 {
		return nil, u.corrupt("truncated payload of %d bytes", n)
	}
	b := u.data[u.pos : u.pos+n]
	if u.data[u.pos+n] != '\n' {
		return nil, u.corrupt("payload not terminated")
	}
	u.pos += n + 1
	return b, nil
}

func (u *unpickler) value() (lua.LValue, error) {
	u.depth++
	defer func() { u.depth-- }()
	if u.depth > u.s.maxDepth {
		return nil, u.corrupt("nesting deeper than %d", u.s.maxDepth)
	}
	if u.pos >= len(u.data) {
		return nil, u.corrupt("unexpected end of data")
	}
	tag := u.data[u.pos]
	u.pos++
	switch tag {
	case tagFloat:
		s, err := u.line()
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, u.corrupt("bad number %q", s)
		}
		return lua.LNumber(f), nil
	case tagBool:
		s, err := u.line()
		if err != nil {
			return nil, err
		}
		switch s {
		case "0":
			return lua.LFalse, nil
		case "1":
			return lua.LTrue, nil
		}
		return nil, u.corrupt("bad boolean %q", s)
	case tagString:
		n, err := u.count()
		if err != nil {
			return nil, err
		}
		b, err := u.bytes(n)
		if err != nil {
			return nil, err
		}
		return lua.LString(b), nil
	case tagTable:
		return u.table()
	case tagEnd:
		return nil, u.corrupt("end of table outside a table")
	case tagRef:
		id, err := u.count()
		if err != nil {
			return nil, err
		}
		v, found := u.ids[id]
		if !found {
			return nil, u.corrupt("reference to unknown table %d", id)
		}
		return v, nil
	case tagUserData:
		return u.handle()
	case tagComposite:
		return u.composite()
	}
	u.pos--
	return nil, u.corrupt("unknown tag %q", tag)
}

// table registers the new table under its id before reading its contents, so
// entries can refer back to it.
func (u *unpickler) table() (lua.LValue, error) {
	id, err := u.count()
	if err != nil {
		return nil, err
	}
	if _, dup := u.ids[id]; dup {
		return nil, u.corrupt("table id %d defined twice", id)
	}
	t := u.s.L.NewTable()
	u.ids[id] = t
	for {
		if u.pos >= len(u.data) {
			return nil, u.corrupt("unterminated table %d", id)
		}
		if u.data[u.pos] == tagEnd {
			u.pos++
			if s, err := u.line(); err != nil {
				return nil, err
			} else if s != "" {
				return nil, u.corrupt("bad end of table %q", s)
			}
			return t, nil
		}
		k, err := u.value()
		if err != nil {
			return nil, err
		}
		if n, ok := k.(lua.LNumber); ok && math.IsNaN(float64(n)) {
			return nil, u.corrupt("NaN table key")
		}
		v, err := u.value()
		if err != nil {
			return nil, err
		}
		t.RawSet(k, v)
	}
}

func (u *unpickler) handle() (lua.LValue, error) {
	class, err := u.line()
	if err != nil {
		return nil, err
	}
	n, err := u.count()
	if err != nil {
		return nil, err
	}
	data, err := u.bytes(n)
	if err != nil {
		return nil, err
	}
	if u.raw {
		t := u.s.L.NewTable()
		t.RawSetString("class", lua.LString(class))
		t.RawSetString("data", lua.LString(data))
		return t, nil
	}
	c, found := u.s.reg.classes.lookup(class)
	if !found {
		return nil, u.corrupt("unknown object class %s", class)
	}
	hs, found := u.s.handles[c.ID]
	if !found {
		return nil, u.corrupt("no deserializer for %s", class)
	}
	obj, err := hs.Deserialize(data)
	if err != nil {
		return nil, u.corrupt("deserializing %s: %v", class, err)
	}
	h, err := u.s.reg.AcquireHandle(obj)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, u.corrupt("deserializing %s produced no object", class)
	}
	return h.ud, nil
}

// peekTableID returns the id of a table node starting at the current position.
func (u *unpickler) peekTableID() (int, bool) {
	if u.pos >= len(u.data) || u.data[u.pos] != tagTable {
		return 0, false
	}
	end := bytes.IndexByte(u.data[u.pos:], '\n')
	if end < 0 {
		return 0, false
	}
	id, err := strconv.Atoi(string(u.data[u.pos+1 : u.pos+end]))
	if err != nil {
		return 0, false
	}
	return id, true
}

// composite reads the payload fully, then hands it to the class's Unserialize. The
// payload id is rebound to the result; references inside the payload itself still
// see the raw payload.
func (u *unpickler) composite() (lua.LValue, error) {
	class, err := u.line()
	if err != nil {
		return nil, err
	}
	if class == "" {
		return nil, u.corrupt("composite without class name")
	}
	id, isTable := u.peekTableID()
	payload, err := u.value()
	if err != nil {
		return nil, err
	}
	if u.raw {
		t := u.s.L.NewTable()
		t.RawSetString("class", lua.LString(class))
		t.RawSetString("value", payload)
		return t, nil
	}
	cs, found := u.s.composites[class]
	if !found {
		u.s.log.Warn("no unserializer for class, keeping raw value", zap.String("class", class))
		return payload, nil
	}
	res, err := cs.Unserialize(payload)
	if err != nil {
		return nil, WithStack(err)
	}
	if res == nil || res == lua.LNil {
		return nil, u.corrupt("Unserialize for class %s returned nil", class)
	}
	if isTable {
		u.ids[id] = res
	}
	return res, nil
}
