package bridge

import (
	"crypto/tls"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/ailncode/gluaxmlpath"
	"github.com/ciaos/gluahttp"
	"github.com/cjoudrey/gluaurl"
	"github.com/pkg/errors"
	"github.com/yuin/gluare"
	lua "github.com/yuin/gopher-lua"
	luajson "layeh.com/gopher-json"
)

const (
	TypeEngineLua = "lua"
)

// LuaEngine is a sandboxed gopher-lua state: no io, os or package libraries and
// no way to compile or load code from inside scripts. require only resolves
// modules preloaded from Go: json, url and re, plus http (only with
// AllowNetwork) and xmlpath behind the trust guard.
type LuaEngine struct {
	vm      *lua.LState
	cfg     Config
	ready   bool
	chunks  chunkTrust
	preload *lua.LTable
}

func NewLuaEngine(cfg Config) *LuaEngine {
	return &LuaEngine{cfg: cfg.normalized(), chunks: chunkTrust{}}
}

var sandboxLibs = []struct {
	name string
	fn   lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
	{lua.CoroutineLibName, lua.OpenCoroutine},
}

var sandboxRemoved = []string{"dofile", "loadfile", "load", "loadstring", "module"}

func (e *LuaEngine) New() error {
	cfg := e.cfg.normalized()
	e.vm = lua.NewState(lua.Options{
		CallStackSize: cfg.CallStackSize,
		RegistrySize:  cfg.RegistrySize,
		SkipOpenLibs:  true,
	})
	for _, lib := range sandboxLibs {
		if err := e.vm.CallByParam(lua.P{
			Fn:      e.vm.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return WithStack(err)
		}
	}
	for _, name := range sandboxRemoved {
		e.vm.SetGlobal(name, lua.LNil)
	}
	e.installRequire()

	e.PreloadModule("json", luajson.Loader)
	e.PreloadModule("url", gluaurl.Loader)
	e.PreloadModule("re", gluare.Loader)
	if cfg.AllowNetwork {
		e.PreloadModule("http", e.protectedLoader("http", gluahttp.NewHttpModule(&http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{},
			},
		}).Loader))
	}
	e.PreloadModule("xmlpath", e.protectedLoader("xmlpath", gluaxmlpath.Loader))
	e.ready = false
	return nil
}

// installRequire sets up the registry tables the base library's require reads.
// The only searcher looks in a preload table scripts cannot reach.
func (e *LuaEngine) installRequire() {
	L := e.vm
	e.preload = L.NewTable()
	searcher := L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if loader := e.preload.RawGetString(name); loader != lua.LNil {
			L.Push(loader)
			return 1
		}
		L.Push(lua.LString("no preloaded module '" + name + "'"))
		return 1
	})
	loaders := L.NewTable()
	loaders.RawSetInt(1, searcher)
	reg := L.Get(lua.RegistryIndex)
	L.SetField(reg, "_LOADERS", loaders)
	L.SetField(reg, "_LOADED", L.NewTable())
}

// PreloadModule makes loader available to require(name).
func (e *LuaEngine) PreloadModule(name string, loader lua.LGFunction) {
	e.preload.RawSetString(name, e.vm.NewFunction(loader))
}

// protectedLoader makes require(name) fail with SecurityError for untrusted callers.
func (e *LuaEngine) protectedLoader(name string, loader lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if err := e.chunks.guard(L, "require", name); err != nil {
			return raise(L, err)
		}
		return loader(L)
	}
}

func (e *LuaEngine) IsReady() bool {
	return e.ready
}

func (e *LuaEngine) SetReady() {
	e.ready = true
}

func (e *LuaEngine) ParseString(source string) error {
	return fromLuaError(e.vm.DoString(source))
}

func (e *LuaEngine) ParseFile(path string) error {
	return fromLuaError(e.vm.DoFile(path))
}

// LoadChunk compiles source without running it. Every function the chunk
// defines runs with trust.
func (e *LuaEngine) LoadChunk(name string, source string, trust Trust) (*lua.LFunction, error) {
	fn, err := e.vm.Load(strings.NewReader(source), name)
	if err != nil {
		return nil, fromLuaError(err)
	}
	e.chunks.record(fn.Proto, trust)
	return fn, nil
}

func (e *LuaEngine) RegisterObject(objectName string, objectPtr interface{}) {
	e.vm.SetGlobal(objectName, toLuaValue(e.vm, objectPtr))
}

func (e *LuaEngine) RegisterFunction(goFuncName string, goFuncPtr interface{}) error {
	fn, err := wrapGoFunc(goFuncName, goFuncPtr)
	if err != nil {
		return err
	}
	e.vm.SetGlobal(goFuncName, e.vm.NewFunction(fn))
	return nil
}

func (e *LuaEngine) RegisterModule(moduleName string, moduleFuncPtr map[string]interface{}) error {
	exports := make(map[string]lua.LGFunction, len(moduleFuncPtr))
	for goFuncName, goFuncPtr := range moduleFuncPtr {
		fn, err := wrapGoFunc(moduleName+"."+goFuncName, goFuncPtr)
		if err != nil {
			return err
		}
		exports[goFuncName] = fn
	}

	e.PreloadModule(moduleName, func(L *lua.LState) int {
		mod := L.SetFuncs(L.NewTable(), exports)
		L.SetField(mod, "name", lua.LString(moduleName))
		L.Push(mod)
		return 1
	})
	return nil
}

// wrapGoFunc exposes an arbitrary Go function. Arguments are converted with
// toGoValue and then to the parameter type; nil becomes the zero value.
func wrapGoFunc(name string, goFuncPtr interface{}) (lua.LGFunction, error) {
	goFuncVal := reflect.ValueOf(goFuncPtr)
	if goFuncVal.Kind() != reflect.Func {
		return nil, WithStack(&RegistrationError{Name: name, Reason: "not a function"})
	}
	goFuncType := goFuncVal.Type()
	if goFuncType.IsVariadic() {
		return nil, WithStack(&RegistrationError{Name: name, Reason: "variadic functions are not supported"})
	}
	goParamsNum := goFuncType.NumIn()

	return func(L *lua.LState) int {
		in := make([]reflect.Value, goParamsNum)
		for i := 0; i < goParamsNum; i++ {
			arg, err := convertArg(toGoValue(L.Get(i+1)), goFuncType.In(i))
			if err != nil {
				L.ArgError(i+1, err.Error())
				return 0
			}
			in[i] = arg
		}
		goRet := goFuncVal.Call(in)
		for _, ret := range goRet {
			L.Push(toLuaValue(L, ret.Interface()))
		}
		return len(goRet)
	}, nil
}

func convertArg(v interface{}, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	val := reflect.ValueOf(v)
	if val.Type().AssignableTo(t) {
		return val, nil
	}
	if val.Type().ConvertibleTo(t) {
		return val.Convert(t), nil
	}
	return reflect.Value{}, errors.Errorf("%s expected, got %s", t, val.Type())
}

func (e *LuaEngine) IsFunction(scriptFuncName string) bool {
	return e.vm.GetGlobal(scriptFuncName).Type() == lua.LTFunction
}

func (e *LuaEngine) Call(scriptFuncName string, retNum int, args ...interface{}) ([]interface{}, error) {
	fn := e.vm.GetGlobal(scriptFuncName)
	if fn.Type() != lua.LTFunction {
		return nil, errors.Errorf("%s is not a function", scriptFuncName)
	}

	luaArgs := make([]lua.LValue, len(args))
	for i := 0; i < len(args); i++ {
		luaArgs[i] = toLuaValue(e.vm, args[i])
	}

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    retNum,
		Protect: true,
	}, luaArgs...); err != nil {
		return nil, fromLuaError(err)
	}

	rets := make([]interface{}, retNum)
	for i := retNum - 1; i >= 0; i-- {
		rets[i] = toGoValue(e.vm.Get(-1))
		e.vm.Pop(1)
	}
	return rets, nil
}

func (e *LuaEngine) Close() {
	if e.vm != nil {
		e.vm.Close()
	}
}

func (e *LuaEngine) VM() *lua.LState {
	return e.vm
}
