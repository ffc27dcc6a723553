package bridge

import (
	"os"
	"reflect"

	"github.com/pkg/errors"
	"github.com/robertkrimen/otto"
)

const (
	TypeEngineJs = "js"
)

// JsEngine hosts JavaScript subscribers on otto.
type JsEngine struct {
	vm    *otto.Otto
	ready bool
}

func (e *JsEngine) New() error {
	e.vm = otto.New()
	e.ready = false
	return nil
}

func (e *JsEngine) IsReady() bool {
	return e.ready
}

func (e *JsEngine) SetReady() {
	e.ready = true
}

func (e *JsEngine) ParseString(source string) error {
	_, err := e.vm.Run(source)
	return WithStack(err)
}

func (e *JsEngine) ParseFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return WithStack(err)
	}
	script, err := e.vm.Compile(path, src)
	if err != nil {
		return WithStack(err)
	}
	_, err = e.vm.Run(script)
	return WithStack(err)
}

func (e *JsEngine) RegisterObject(objectName string, objectPtr interface{}) {
	e.vm.Set(objectName, objectPtr)
}

func (e *JsEngine) RegisterFunction(goFuncName string, goFuncPtr interface{}) error {
	goFuncVal := reflect.ValueOf(goFuncPtr)
	if goFuncVal.Kind() != reflect.Func {
		return WithStack(&RegistrationError{Name: goFuncName, Reason: "not a function"})
	}
	goFuncType := goFuncVal.Type()
	goParamsNum := goFuncType.NumIn()

	var fn = func(call otto.FunctionCall) otto.Value {
		in := make([]reflect.Value, goParamsNum)
		for i := 0; i < goParamsNum; i++ {
			val, err := call.Argument(i).Export()
			if err != nil {
				panic(call.Otto.MakeTypeError(err.Error()))
			}
			arg, err := convertArg(val, goFuncType.In(i))
			if err != nil {
				panic(call.Otto.MakeTypeError(err.Error()))
			}
			in[i] = arg
		}
		goRets := goFuncVal.Call(in)
		if len(goRets) == 0 {
			return otto.NullValue()
		}
		result, err := e.vm.ToValue(goRets[0].Interface())
		if err != nil {
			panic(call.Otto.MakeTypeError(err.Error()))
		}
		return result
	}
	return WithStack(e.vm.Set(goFuncName, fn))
}

// RegisterModule sets a global object holding the functions.
func (e *JsEngine) RegisterModule(moduleName string, moduleFuncPtr map[string]interface{}) error {
	obj, err := e.vm.Object(`({})`)
	if err != nil {
		return WithStack(err)
	}
	for name, fn := range moduleFuncPtr {
		if reflect.ValueOf(fn).Kind() != reflect.Func {
			return WithStack(&RegistrationError{Name: moduleName + "." + name, Reason: "not a function"})
		}
		if err := obj.Set(name, fn); err != nil {
			return WithStack(err)
		}
	}
	return WithStack(e.vm.Set(moduleName, obj))
}

func (e *JsEngine) IsFunction(scriptFuncName string) bool {
	v, err := e.vm.Get(scriptFuncName)
	return err == nil && v.IsFunction()
}

// Call returns at most one value; JavaScript functions have a single result.
func (e *JsEngine) Call(scriptFuncName string, retNum int, args ...interface{}) ([]interface{}, error) {
	if !e.IsFunction(scriptFuncName) {
		return nil, errors.Errorf("%s is not a function", scriptFuncName)
	}
	value, err := e.vm.Call(scriptFuncName, nil, args...)
	if err != nil {
		return nil, WithStack(err)
	}
	if retNum == 0 {
		return nil, nil
	}
	data, err := value.Export()
	if err != nil {
		return nil, WithStack(err)
	}
	return []interface{}{data}, nil
}

func (e *JsEngine) Close() {
}
