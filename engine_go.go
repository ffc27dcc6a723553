package bridge

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	TypeEngineGo = "go"

	// goSymbolPath is the import path under which registered objects and functions
	// are visible to interpreted code: import "bridge".
	goSymbolPath = "bridge/bridge"
)

// GoEngine hosts interpreted Go subscribers on yaegi.
type GoEngine struct {
	i       *interp.Interpreter
	symbols map[string]reflect.Value
	fn      map[string]reflect.Value
	ready   bool
}

func (e *GoEngine) New() error {
	e.i = interp.New(interp.Options{})
	e.symbols = make(map[string]reflect.Value)
	e.fn = make(map[string]reflect.Value)
	if err := e.i.Use(stdlib.Symbols); err != nil {
		return WithStack(err)
	}
	e.ready = false
	return nil
}

func (e *GoEngine) IsReady() bool {
	return e.ready
}

// SetReady publishes the registered symbols. Sources that import them must be
// parsed after this.
func (e *GoEngine) SetReady() {
	symbols := map[string]map[string]reflect.Value{
		goSymbolPath: e.symbols,
	}
	if err := e.i.Use(symbols); err != nil {
		return
	}
	e.ready = true
}

func (e *GoEngine) ParseString(source string) error {
	_, err := e.i.Eval(source)
	return WithStack(err)
}

func (e *GoEngine) ParseFile(path string) error {
	_, err := e.i.EvalPath(path)
	return WithStack(err)
}

func (e *GoEngine) RegisterObject(objectName string, objectPtr interface{}) {
	e.symbols[objectName] = reflect.ValueOf(objectPtr)
}

func (e *GoEngine) RegisterFunction(goFuncName string, goFuncPtr interface{}) error {
	if reflect.ValueOf(goFuncPtr).Kind() != reflect.Func {
		return WithStack(&RegistrationError{Name: goFuncName, Reason: "not a function"})
	}
	e.symbols[goFuncName] = reflect.ValueOf(goFuncPtr)
	return nil
}

func (e *GoEngine) RegisterModule(moduleName string, moduleFuncPtr map[string]interface{}) error {
	modFuncSymbols := make(map[string]reflect.Value)
	for k, v := range moduleFuncPtr {
		modFuncSymbols[k] = reflect.ValueOf(v)
	}
	symbols := map[string]map[string]reflect.Value{
		moduleName + "/" + moduleName: modFuncSymbols,
	}
	return WithStack(e.i.Use(symbols))
}

func (e *GoEngine) lookup(scriptFuncName string) (reflect.Value, error) {
	if f, ok := e.fn[scriptFuncName]; ok {
		return f, nil
	}
	f, err := e.i.Eval(scriptFuncName)
	if err != nil {
		return reflect.Value{}, WithStack(err)
	}
	if f.Kind() != reflect.Func {
		return reflect.Value{}, errors.Errorf("%s is not a function", scriptFuncName)
	}
	e.fn[scriptFuncName] = f
	return f, nil
}

func (e *GoEngine) IsFunction(scriptFuncName string) bool {
	_, err := e.lookup(scriptFuncName)
	return err == nil
}

func (e *GoEngine) Call(scriptFuncName string, retNum int, args ...interface{}) ([]interface{}, error) {
	f, err := e.lookup(scriptFuncName)
	if err != nil {
		return nil, err
	}
	ft := f.Type()
	if len(args) != ft.NumIn() {
		return nil, errors.Errorf("%s takes %d arguments, got %d", scriptFuncName, ft.NumIn(), len(args))
	}
	params := make([]reflect.Value, 0, len(args))
	for i := 0; i < len(args); i++ {
		p, err := convertArg(args[i], ft.In(i))
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d of %s", i+1, scriptFuncName)
		}
		params = append(params, p)
	}
	rets := f.Call(params)

	// A trailing error result is returned as the call's error.
	if n := ft.NumOut(); n > 0 && ft.Out(n-1) == errorType {
		last := rets[n-1]
		rets = rets[:n-1]
		if !last.IsNil() {
			return nil, WithStack(last.Interface().(error))
		}
	}
	results := make([]interface{}, 0, len(rets))
	for i := 0; i < len(rets); i++ {
		results = append(results, rets[i].Interface())
	}
	return results, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func (e *GoEngine) Close() {
}
