package bridge

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Subscriber receives the records of an event queue. Implementations must be
// comparable; they are kept in a set.
type Subscriber interface {
	Notify(args []lua.LValue) error
	String() string
}

// FuncSubscriber adapts a Go function.
type FuncSubscriber struct {
	Name string
	Fn   func(args []lua.LValue) error
}

func (s *FuncSubscriber) Notify(args []lua.LValue) error {
	return s.Fn(args)
}

func (s *FuncSubscriber) String() string {
	return s.Name
}

// luaSubscriber calls a script function with the trust of the chunk that defined it.
type luaSubscriber struct {
	L     *lua.LState
	fn    *lua.LFunction
	trust Trust
}

func (s *luaSubscriber) Notify(args []lua.LValue) error {
	defer enter(s.L, s.trust)()
	_, err := callValue(s.L, s.fn, args...)
	return err
}

func (s *luaSubscriber) String() string {
	if s.fn.Proto != nil {
		return fmt.Sprintf("%s:%d", s.fn.Proto.SourceName, s.fn.Proto.LineDefined)
	}
	return "<go function>"
}

// EventQueue is one named queue. Records wait until Emit.
type EventQueue struct {
	Name string

	events  *Events
	pending [][]lua.LValue
	subs    map[Subscriber]struct{}
	luaSubs map[*lua.LFunction]*luaSubscriber
	timing  bool
}

// Queue appends a record for the next drain.
func (q *EventQueue) Queue(args ...lua.LValue) {
	q.pending = append(q.pending, args)
}

func (q *EventQueue) Pending() int {
	return len(q.pending)
}

// Emit drains the queue in FIFO order, including records queued by subscribers
// during the drain, and returns the number of records delivered.
func (q *EventQueue) Emit() int {
	n := 0
	for len(q.pending) > 0 {
		rec := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.dispatch(rec)
		n++
	}
	q.pending = nil
	return n
}

// Signal delivers a record immediately, bypassing the queue.
func (q *EventQueue) Signal(args ...lua.LValue) {
	q.dispatch(args)
}

// ClearPending drops queued records without delivering them.
func (q *EventQueue) ClearPending() {
	q.pending = nil
}

func (q *EventQueue) Subscribe(s Subscriber) {
	q.subs[s] = struct{}{}
}

func (q *EventQueue) Unsubscribe(s Subscriber) {
	delete(q.subs, s)
}

func (q *EventQueue) SubscribeFunc(name string, fn func(args []lua.LValue) error) Subscriber {
	s := &FuncSubscriber{Name: name, Fn: fn}
	q.Subscribe(s)
	return s
}

// SubscribeLua registers a script function. Registering the same function twice
// keeps one subscription.
func (q *EventQueue) SubscribeLua(fn *lua.LFunction, trust Trust) {
	if _, found := q.luaSubs[fn]; found {
		return
	}
	s := &luaSubscriber{L: q.events.L, fn: fn, trust: trust}
	q.luaSubs[fn] = s
	q.Subscribe(s)
}

func (q *EventQueue) UnsubscribeLua(fn *lua.LFunction) {
	if s, found := q.luaSubs[fn]; found {
		delete(q.luaSubs, fn)
		q.Unsubscribe(s)
	}
}

func (q *EventQueue) Subscribers() int {
	return len(q.subs)
}

// SetDebugTiming wraps every subscriber invocation in a wall-clock measurement
// reported to the bridge's timing sink.
func (q *EventQueue) SetDebugTiming(on bool) {
	q.timing = on
}

func (q *EventQueue) dispatch(rec []lua.LValue) {
	subs := make([]Subscriber, 0, len(q.subs))
	for s := range q.subs {
		subs = append(subs, s)
	}
	for _, s := range subs {
		if _, still := q.subs[s]; !still {
			continue
		}
		start := time.Now()
		err := notify(s, rec)
		if q.timing {
			q.events.sink.ObserveTiming(q.Name, s.String(), time.Since(start))
		}
		if err != nil {
			q.events.report(q.Name, s, err)
		}
	}
}

// notify turns subscriber panics into errors so one faulty subscriber cannot
// starve the others.
func notify(s Subscriber, rec []lua.LValue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("subscriber panicked: %v", r)
		}
	}()
	return s.Notify(rec)
}

// Events owns all named queues.
type Events struct {
	L      *lua.LState
	log    *zap.Logger
	sink   TimingSink
	chunks chunkTrust

	debugAll bool
	queues   map[string]*EventQueue
	order    []*EventQueue

	// OnError, when set, additionally receives every subscriber failure.
	OnError func(queue string, s Subscriber, err error)
}

func newEvents(L *lua.LState, log *zap.Logger, sink TimingSink, chunks chunkTrust, debugAll bool) *Events {
	return &Events{
		L:        L,
		log:      log,
		sink:     sink,
		chunks:   chunks,
		debugAll: debugAll,
		queues:   map[string]*EventQueue{},
	}
}

// Queue returns the named queue, creating it on first use.
func (e *Events) Queue(name string) *EventQueue {
	if q, found := e.queues[name]; found {
		return q
	}
	q := &EventQueue{
		Name:    name,
		events:  e,
		subs:    map[Subscriber]struct{}{},
		luaSubs: map[*lua.LFunction]*luaSubscriber{},
		timing:  e.debugAll,
	}
	e.queues[name] = q
	e.order = append(e.order, q)
	return q
}

// EmitAll is the per-tick drain point. Queues drain in creation order.
func (e *Events) EmitAll() int {
	n := 0
	for _, q := range e.order {
		n += q.Emit()
	}
	return n
}

func (e *Events) report(queue string, s Subscriber, err error) {
	e.log.Error("event subscriber failed",
		zap.String("queue", queue),
		zap.String("subscriber", s.String()),
		zap.Error(err))
	if e.OnError != nil {
		e.OnError(queue, s, err)
	}
}

// installLuaAPI publishes the global Event table.
func (e *Events) installLuaAPI(L *lua.LState) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"Register": func(L *lua.LState) int {
			name := L.CheckString(1)
			fn := L.CheckFunction(2)
			e.Queue(name).SubscribeLua(fn, e.chunks.of(fn, e.chunks.caller(L)))
			return 0
		},
		"Deregister": func(L *lua.LState) int {
			name := L.CheckString(1)
			fn := L.CheckFunction(2)
			if q, found := e.queues[name]; found {
				q.UnsubscribeLua(fn)
			}
			return 0
		},
		"Queue": func(L *lua.LState) int {
			name := L.CheckString(1)
			args := make([]lua.LValue, 0, L.GetTop()-1)
			for i := 2; i <= L.GetTop(); i++ {
				args = append(args, L.Get(i))
			}
			e.Queue(name).Queue(args...)
			return 0
		},
		"DebugTimer": func(L *lua.LState) int {
			if err := e.chunks.guard(L, "Event", "DebugTimer"); err != nil {
				return raise(L, err)
			}
			e.Queue(L.CheckString(1)).SetDebugTiming(L.ToBool(2))
			return 0
		},
	})
	L.SetGlobal("Event", mod)
}
