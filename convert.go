package bridge

import (
	"fmt"
	"reflect"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
	luar "layeh.com/gopher-luar"
)

// toLuaValue converts maps and slices to fresh tables and everything else through
// luar, so Go structs reach scripts as reflected userdata.
func toLuaValue(L *lua.LState, src interface{}) lua.LValue {
	if src == nil {
		return lua.LNil
	}
	switch v := src.(type) {
	case lua.LValue:
		return v
	case *Handle:
		if v == nil {
			return lua.LNil
		}
		return v.ud
	}
	srcVal := reflect.ValueOf(src)
	switch srcVal.Kind() {
	case reflect.Map:
		dst := L.NewTable()
		for _, key := range srcVal.MapKeys() {
			dst.RawSet(toLuaValue(L, key.Interface()), toLuaValue(L, srcVal.MapIndex(key).Interface()))
		}
		return dst
	case reflect.Slice:
		if srcVal.Type().Elem().Kind() == reflect.Uint8 {
			return lua.LString(srcVal.Bytes())
		}
		dst := L.NewTable()
		for i := 0; i < srcVal.Len(); i++ {
			dst.Append(toLuaValue(L, srcVal.Index(i).Interface()))
		}
		return dst
	}
	return luar.New(L, src)
}

// toGoValue converts a Lua value for a foreign host. Array-like tables become
// slices, other tables string-keyed maps, handles stay *Handle. A table already
// being converted further up converts to nil, so cycles terminate.
func toGoValue(src lua.LValue) interface{} {
	return toGoValueSeen(src, map[*lua.LTable]bool{})
}

func toGoValueSeen(src lua.LValue, seen map[*lua.LTable]bool) interface{} {
	switch v := src.(type) {
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)
		if maxn := v.MaxN(); maxn > 0 {
			ret := make([]interface{}, 0, maxn)
			for i := 1; i <= maxn; i++ {
				ret = append(ret, toGoValueSeen(v.RawGetInt(i), seen))
			}
			return ret
		}
		ret := make(map[string]interface{})
		v.ForEach(func(key, value lua.LValue) {
			ret[fmt.Sprint(toGoValueSeen(key, seen))] = toGoValueSeen(value, seen)
		})
		return ret
	case *lua.LUserData:
		return v.Value
	case *lua.LFunction:
		return nil
	default:
		return gluamapper.ToGoValue(src, gluamapper.Option{NameFunc: gluamapper.ToUpperCamelCase})
	}
}

func toGoValues(args []lua.LValue) []interface{} {
	res := make([]interface{}, len(args))
	for i, arg := range args {
		res[i] = toGoValue(arg)
	}
	return res
}

// ToGoValue converts a script value into plain Go maps, slices and scalars.
func ToGoValue(v lua.LValue) interface{} {
	return toGoValue(v)
}
