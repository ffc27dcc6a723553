// Package bridge exposes engine objects to Lua content scripts: a handle registry
// with class dispatch and promotion, reactive property maps, reference handles,
// named event queues and a pickle-based save format.
//
// A Bridge and everything it hands out belong to one goroutine.
package bridge

import (
	"os"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

type Bridge struct {
	Registry   *Registry
	Events     *Events
	Serializer *Serializer

	cfg       Config
	log       *zap.Logger
	engine    *LuaEngine
	refs      *refStore
	chunks    chunkTrust
	sink      TimingSink
	closeSink func() error
	closed    bool
}

// NewBridge creates the Lua state and the bridge components on it. A nil log
// discards output.
func NewBridge(cfg Config, log *zap.Logger) (*Bridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.normalized()
	engine := NewLuaEngine(cfg)
	if err := engine.New(); err != nil {
		return nil, err
	}
	L := engine.VM()
	installErrorType(L)

	chunks := engine.chunks
	sink, closeSink := newTimingSink(cfg, log)
	registry := newRegistry(L, log.Named("registry"), chunks)
	b := &Bridge{
		Registry:   registry,
		Events:     newEvents(L, log.Named("events"), sink, chunks, cfg.DebugEvents),
		Serializer: newSerializer(L, registry, log.Named("serializer"), chunks, cfg.MaxPickleDepth),
		cfg:        cfg,
		log:        log,
		engine:     engine,
		refs:       newRefStore(L),
		chunks:     chunks,
		sink:       sink,
		closeSink:  closeSink,
	}
	b.Events.installLuaAPI(L)
	b.Serializer.installLuaAPI(L)
	engine.SetReady()
	return b, nil
}

// L is the bridge's Lua state.
func (b *Bridge) L() *lua.LState {
	return b.engine.VM()
}

func (b *Bridge) Engine() *LuaEngine {
	return b.engine
}

// LoadScript runs source as chunk name with the given trust. Functions the chunk
// defines keep that trust wherever they are called from; the name plays no part.
func (b *Bridge) LoadScript(name string, source string, trust Trust) error {
	fn, err := b.engine.LoadChunk(name, source, trust)
	if err != nil {
		return err
	}
	defer enter(b.L(), trust)()
	if _, err := callValue(b.L(), fn); err != nil {
		b.log.Error("script failed", zap.String("chunk", name), zap.Stringer("trust", trust), zap.Error(err))
		return err
	}
	b.log.Debug("loaded script", zap.String("chunk", name), zap.Stringer("trust", trust))
	return nil
}

// LoadScriptFile loads a script from disk. It is trusted when its path lies under
// one of the configured trusted path prefixes.
func (b *Bridge) LoadScriptFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return WithStack(err)
	}
	return b.LoadScript(path, string(src), trustForPath(path, b.cfg.TrustedPaths))
}

// CallFunction calls a global script function with the trust of its chunk.
func (b *Bridge) CallFunction(name string, args ...lua.LValue) ([]lua.LValue, error) {
	L := b.L()
	fn, ok := L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil, errors.Errorf("%s is not a function", name)
	}
	defer enter(L, b.chunks.of(fn, currentTrust(L)))()
	return callValue(L, fn, args...)
}

// Value returns the script value for obj, acquiring its handle. A nil obj is nil.
func (b *Bridge) Value(obj Object) (lua.LValue, error) {
	h, err := b.Registry.AcquireHandle(obj)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return lua.LNil, nil
	}
	return h.ud, nil
}

func (b *Bridge) NewRef(v lua.LValue) *Ref {
	return b.refs.New(v)
}

func (b *Bridge) RegisterClass(def ClassDef) (*Class, error) {
	return b.Registry.RegisterClass(def)
}

func (b *Bridge) RegisterPromotion(base string, target string, test Predicate) error {
	return b.Registry.RegisterPromotion(base, target, test)
}

func (b *Bridge) RegisterSerializer(className string, hs HandleSerializer) error {
	return b.Serializer.RegisterSerializer(className, hs)
}

func (b *Bridge) RegisterClassSerializer(className string, cs CompositeSerializer) error {
	return b.Serializer.RegisterClassSerializer(className, cs)
}

func (b *Bridge) RegisterModuleSave(name string, save SaveFunc, load LoadFunc) error {
	return b.Serializer.RegisterModuleSave(name, save, load)
}

// Queue returns the named event queue.
func (b *Bridge) Queue(name string) *EventQueue {
	return b.Events.Queue(name)
}

// Close stales every handle and shuts the Lua state down. Calling it again does
// nothing.
func (b *Bridge) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.Registry.close()
	b.engine.Close()
	err := b.closeSink()
	_ = b.log.Sync()
	return WithStack(err)
}
