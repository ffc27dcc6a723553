package bridge

import (
	"context"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Trust classifies a script source. Protected members and modules require Trusted.
type Trust int

const (
	Untrusted Trust = iota
	Trusted
)

func (t Trust) String() string {
	if t == Trusted {
		return "trusted"
	}
	return "untrusted"
}

type contextKey int

var (
	trustKey contextKey = 0
)

// WithTrust returns a context carrying t as the caller's trust token.
func WithTrust(ctx context.Context, t Trust) context.Context {
	return context.WithValue(ctx, trustKey, t)
}

// TrustFrom reads the trust token from ctx. A missing token is Untrusted.
func TrustFrom(ctx context.Context) Trust {
	if ctx == nil {
		return Untrusted
	}
	if t, ok := ctx.Value(trustKey).(Trust); ok {
		return t
	}
	return Untrusted
}

// chunkTrust remembers the trust level of every function prototype compiled by
// LoadScript. Prototypes it never recorded are untrusted.
type chunkTrust map[*lua.FunctionProto]Trust

func (c chunkTrust) record(p *lua.FunctionProto, t Trust) {
	c[p] = t
	for _, child := range p.FunctionPrototypes {
		c.record(child, t)
	}
}

// of is the trust fn runs with when the bridge calls it. Go functions have no
// chunk and get fallback.
func (c chunkTrust) of(fn *lua.LFunction, fallback Trust) Trust {
	if fn.IsG || fn.Proto == nil {
		return fallback
	}
	return c[fn.Proto]
}

// script returns the trust of the innermost Lua function on the call stack,
// following coroutines back to the thread that resumed them. ok is false when
// only Go functions are running.
func (c chunkTrust) script(L *lua.LState) (t Trust, ok bool) {
	seen := map[*lua.LState]bool{}
	for th := L; th != nil && !seen[th]; th = th.Parent {
		seen[th] = true
		for level := 0; ; level++ {
			dbg, found := th.GetStack(level)
			if !found {
				break
			}
			fv, err := th.GetInfo("f", dbg, lua.LNil)
			if err != nil {
				break
			}
			if fn, isFn := fv.(*lua.LFunction); isFn && !fn.IsG {
				return c[fn.Proto], true
			}
		}
	}
	return Untrusted, false
}

// caller is the trust of the running script, or the state's token when the
// stack holds no Lua function.
func (c chunkTrust) caller(L *lua.LState) Trust {
	if t, ok := c.script(L); ok {
		return t
	}
	return currentTrust(L)
}

// guard fails with SecurityError unless the caller is trusted.
func (c chunkTrust) guard(L *lua.LState, class string, member string) error {
	if c.caller(L) != Trusted {
		return &SecurityError{Class: class, Member: member}
	}
	return nil
}

func trustForPath(path string, prefixes []string) Trust {
	clean := filepath.Clean(path)
	for _, prefix := range prefixes {
		p := filepath.Clean(prefix)
		if clean == p || strings.HasPrefix(clean, p+string(filepath.Separator)) {
			return Trusted
		}
	}
	return Untrusted
}

// enter installs t as the trust token of the Lua state and returns a function
// restoring the previous one.
func enter(L *lua.LState, t Trust) func() {
	prev := L.Context()
	base := prev
	if base == nil {
		base = context.Background()
	}
	L.SetContext(WithTrust(base, t))
	return func() {
		if prev == nil {
			L.RemoveContext()
		} else {
			L.SetContext(prev)
		}
	}
}

func currentTrust(L *lua.LState) Trust {
	return TrustFrom(L.Context())
}
