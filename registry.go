package bridge

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"weak"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Object is an engine-owned entity exposed to scripts. Implementations must be
// comparable (normally pointers) and must not hold their own Handle.
type Object interface {
	// ScriptClass names the class a fresh handle starts out with, before promotion.
	ScriptClass() string
}

// Handle is the script-visible proxy of an Object. It holds a back-pointer that the
// registry clears when the engine destroys the object.
type Handle struct {
	reg   *Registry
	obj   Object
	class *Class
	ud    *lua.LUserData
}

func (h *Handle) Exists() bool {
	return h != nil && h.obj != nil
}

func (h *Handle) Object() (Object, error) {
	if !h.Exists() {
		return nil, WithStack(&StaleHandleError{Class: h.ClassName()})
	}
	return h.obj, nil
}

func (h *Handle) Class() *Class {
	return h.class
}

func (h *Handle) ClassName() string {
	if h == nil || h.class == nil {
		return "Object"
	}
	return h.class.Name
}

func (h *Handle) Isa(name string) bool {
	base, found := h.reg.classes.lookup(name)
	if !found {
		return false
	}
	return h.reg.classes.isa(h.class.ID, base.ID)
}

// UserData is the value scripts see for this handle.
func (h *Handle) UserData() *lua.LUserData {
	return h.ud
}

// Properties returns the object's property map, or nil when the object is gone or
// its class does not declare property support.
func (h *Handle) Properties() *PropertyMap {
	if !h.Exists() || !h.reg.classes.hasProperties(h.class.ID) {
		return nil
	}
	if p, ok := h.obj.(Propertied); ok {
		return p.Properties()
	}
	return nil
}

func (h *Handle) String() string {
	return fmt.Sprintf("userdata [%s]: %p", h.ClassName(), h.ud)
}

// Registry maps native objects to their handles and owns the class arena.
type Registry struct {
	L      *lua.LState
	log    *zap.Logger
	chunks chunkTrust

	classes        *classArena
	promotions     map[ClassID][]promotionRule
	promotionCount int

	objects map[Object]weak.Pointer[Handle]
	sealed  bool
	closed  bool

	builtins map[string]*lua.LFunction
	exists   *lua.LFunction

	// collectedMu guards collected, which GC cleanups append to from the runtime's
	// cleanup goroutine.
	collectedMu sync.Mutex
	collected   []Object
}

func newRegistry(L *lua.LState, log *zap.Logger, chunks chunkTrust) *Registry {
	r := &Registry{
		L:          L,
		log:        log,
		chunks:     chunks,
		classes:    newClassArena(),
		promotions: map[ClassID][]promotionRule{},
		objects:    map[Object]weak.Pointer[Handle]{},
	}
	r.installBuiltins()
	return r
}

// RegisterClass adds a class. Every class must be registered before the first
// handle is created, and a parent before its children.
func (r *Registry) RegisterClass(def ClassDef) (*Class, error) {
	if r.sealed {
		return nil, WithStack(&RegistrationError{Name: def.Name, Reason: "classes must be registered before the first object is exposed"})
	}
	c, err := r.classes.add(def)
	if err != nil {
		return nil, WithStack(err)
	}
	r.buildMetatable(c, def.Meta)
	r.publishMethods(c)
	r.log.Debug("registered class", zap.String("class", c.Name), zap.Int("id", int(c.ID)))
	return c, nil
}

func (r *Registry) Class(name string) (*Class, bool) {
	return r.classes.lookup(name)
}

// AcquireHandle returns the live handle for obj, creating, promoting and
// registering one if needed. A nil obj yields a nil handle.
func (r *Registry) AcquireHandle(obj Object) (*Handle, error) {
	if obj == nil {
		return nil, nil
	}
	if r.closed {
		return nil, WithStack(&RegistrationError{Name: obj.ScriptClass(), Reason: "registry is closed"})
	}
	if !reflect.TypeOf(obj).Comparable() {
		return nil, WithStack(&RegistrationError{Name: obj.ScriptClass(), Reason: "object type is not comparable"})
	}
	r.sweep()
	if wp, found := r.objects[obj]; found {
		if h := wp.Value(); h != nil {
			return h, nil
		}
		delete(r.objects, obj)
	}
	initial, found := r.classes.lookup(obj.ScriptClass())
	if !found {
		return nil, WithStack(&RegistrationError{Name: obj.ScriptClass(), Reason: "class is not registered"})
	}
	id, err := r.promote(obj, initial.ID)
	if err != nil {
		return nil, WithStack(err)
	}
	r.sealed = true

	h := &Handle{
		reg:   r,
		obj:   obj,
		class: r.classes.get(id),
	}
	h.ud = r.L.NewUserData()
	h.ud.Value = h
	r.L.SetMetatable(h.ud, h.class.metatable)

	r.objects[obj] = weak.Make(h)
	runtime.AddCleanup(h, r.collect, obj)
	if id != initial.ID {
		r.log.Debug("promoted handle", zap.String("from", initial.Name), zap.String("to", h.class.Name))
	}
	return h, nil
}

// Deregister erases the mapping for h and detaches it, so a later AcquireHandle
// produces a fresh handle. The native object is untouched.
func (r *Registry) Deregister(h *Handle) {
	if h == nil || h.obj == nil {
		return
	}
	if wp, found := r.objects[h.obj]; found && wp.Value() == h {
		delete(r.objects, h.obj)
	}
	h.obj = nil
}

// NotifyNativeDestroyed is called by the engine when it destroys obj. The handle,
// if any, goes stale immediately.
func (r *Registry) NotifyNativeDestroyed(obj Object) {
	if obj == nil {
		return
	}
	wp, found := r.objects[obj]
	if !found {
		return
	}
	delete(r.objects, obj)
	if h := wp.Value(); h != nil {
		h.obj = nil
		r.log.Debug("native object destroyed", zap.String("class", h.class.Name))
	}
}

// Lookup returns the live handle for obj without creating one.
func (r *Registry) Lookup(obj Object) (*Handle, bool) {
	wp, found := r.objects[obj]
	if !found {
		return nil, false
	}
	h := wp.Value()
	return h, h != nil
}

func (r *Registry) Len() int {
	r.sweep()
	return len(r.objects)
}

func (r *Registry) collect(obj Object) {
	r.collectedMu.Lock()
	defer r.collectedMu.Unlock()
	r.collected = append(r.collected, obj)
}

// sweep drops mappings whose handles the GC has collected.
func (r *Registry) sweep() {
	r.collectedMu.Lock()
	collected := r.collected
	r.collected = nil
	r.collectedMu.Unlock()
	for _, obj := range collected {
		if wp, found := r.objects[obj]; found && wp.Value() == nil {
			delete(r.objects, obj)
		}
	}
}

// close stales every live handle. It runs once, at bridge shutdown.
func (r *Registry) close() {
	if r.closed {
		return
	}
	r.closed = true
	for obj, wp := range r.objects {
		if h := wp.Value(); h != nil {
			h.obj = nil
		}
		delete(r.objects, obj)
	}
}

func (r *Registry) checkHandle(L *lua.LState, n int) (*Handle, error) {
	ud := L.CheckUserData(n)
	h, ok := ud.Value.(*Handle)
	if !ok {
		L.ArgError(n, "object expected")
		return nil, nil
	}
	if !h.Exists() {
		return nil, &StaleHandleError{Class: h.ClassName()}
	}
	return h, nil
}
