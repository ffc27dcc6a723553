package bridge

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
)

// EnginePool keeps prepared engines of one type. Every engine the pool creates
// has the pool's setup source parsed into it.
type EnginePool struct {
	engineType string
	source     string
	cfg        Config
	m          sync.Mutex
	saved      []Engine
	closed     bool
}

func (ep *EnginePool) Get() (Engine, error) {
	ep.m.Lock()
	if ep.closed {
		ep.m.Unlock()
		return nil, errors.Errorf("%s engine pool is shut down", ep.engineType)
	}
	n := len(ep.saved)
	if n > 0 {
		x := ep.saved[n-1]
		ep.saved = ep.saved[0 : n-1]
		ep.m.Unlock()
		return x, nil
	}
	ep.m.Unlock()
	return ep.New()
}

func (ep *EnginePool) Put(e Engine) {
	ep.m.Lock()
	defer ep.m.Unlock()
	if ep.closed {
		e.Close()
		return
	}
	ep.saved = append(ep.saved, e)
}

func (ep *EnginePool) Shutdown() {
	ep.m.Lock()
	defer ep.m.Unlock()
	for _, e := range ep.saved {
		e.Close()
	}
	ep.saved = nil
	ep.closed = true
}

func (ep *EnginePool) New() (Engine, error) {
	var engine Engine
	switch ep.engineType {
	case TypeEngineLua:
		engine = NewLuaEngine(ep.cfg)
	case TypeEngineJs:
		engine = &JsEngine{}
	case TypeEngineGo:
		engine = &GoEngine{}
	default:
		return nil, errors.Errorf("unknown engine type %q", ep.engineType)
	}

	if err := engine.New(); err != nil {
		return nil, err
	}
	engine.SetReady()
	if ep.source != "" {
		if err := engine.ParseString(ep.source); err != nil {
			engine.Close()
			return nil, errors.Wrapf(err, "prepare %s engine", ep.engineType)
		}
	}
	return engine, nil
}

// InitEnginePool returns a pool of engineType engines prepared with source.
func InitEnginePool(engineType string, source string, cfg Config) *EnginePool {
	return &EnginePool{
		engineType: engineType,
		source:     source,
		cfg:        cfg,
		saved:      make([]Engine, 0, 4),
	}
}

// ScriptSubscriber delivers event records to a function of a pooled foreign
// engine. Record values are converted with toGoValue.
type ScriptSubscriber struct {
	Pool *EnginePool
	Func string
}

func (s *ScriptSubscriber) Notify(args []lua.LValue) error {
	e, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer s.Pool.Put(e)
	_, err = e.Call(s.Func, 0, toGoValues(args)...)
	return err
}

func (s *ScriptSubscriber) String() string {
	return fmt.Sprintf("%s:%s", s.Pool.engineType, s.Func)
}
