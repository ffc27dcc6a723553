package bridge

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
)

// StaleHandleError is returned when a handle is used after its native object was destroyed.
type StaleHandleError struct {
	Class string
}

func (e *StaleHandleError) Error() string {
	return fmt.Sprintf("%s object is no longer valid", e.Class)
}

type UnresolvedMemberError struct {
	Class  string
	Member string
}

func (e *UnresolvedMemberError) Error() string {
	return fmt.Sprintf("%s has no method, attribute or property %q", e.Class, e.Member)
}

type SecurityError struct {
	Class  string
	Member string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("attempt to access protected member %s.%s from untrusted script blocked", e.Class, e.Member)
}

// CorruptSaveError reports a malformed pickle stream. Offset is the byte position
// where decoding stopped.
type CorruptSaveError struct {
	Offset int
	Reason string
}

func (e *CorruptSaveError) Error() string {
	return fmt.Sprintf("corrupt save data at offset %d: %s", e.Offset, e.Reason)
}

type PromotionCycleError struct {
	Class string
	Steps int
}

func (e *PromotionCycleError) Error() string {
	return fmt.Sprintf("promotion of %s did not settle after %d steps", e.Class, e.Steps)
}

// PickleError reports a value that cannot be written to a save. Path is the dotted
// key path from the pickled root.
type PickleError struct {
	Path   string
	Reason string
}

func (e *PickleError) Error() string {
	return fmt.Sprintf("cannot pickle %q: %s", e.Path, e.Reason)
}

type RegistrationError struct {
	Name   string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("cannot register %q: %s", e.Name, e.Reason)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func WithStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); !ok {
		return errors.WithStack(err)
	}
	return err
}

func StackTrace(err error) string {
	buf := &bytes.Buffer{}
	var st stackTracer
	if errors.As(err, &st) {
		for _, f := range st.StackTrace() {
			fmt.Fprintf(buf, "%+v\n", f)
		}
	}
	return buf.String()
}

const errorTypeName = "bridge.error"

// raise aborts the running Lua call with err. The error travels as userdata so
// fromLuaError can recover the typed value once the protected call returns.
func raise(L *lua.LState, err error) int {
	ud := L.NewUserData()
	ud.Value = err
	L.SetMetatable(ud, L.GetTypeMetatable(errorTypeName))
	L.Error(ud, 1)
	return 0
}

func installErrorType(L *lua.LState) {
	mt := L.NewTypeMetatable(errorTypeName)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if err, ok := ud.Value.(error); ok {
			L.Push(lua.LString(err.Error()))
		} else {
			L.Push(lua.LString(errorTypeName))
		}
		return 1
	}))
}

// fromLuaError unwraps typed errors raised with raise. Other Lua errors are
// returned with a stack attached.
func fromLuaError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if ud, ok := apiErr.Object.(*lua.LUserData); ok {
			if inner, ok := ud.Value.(error); ok {
				return WithStack(inner)
			}
		}
	}
	return WithStack(err)
}
