package scope

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/capability"
	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/snapshot"
)

// OneShot is the self-deleting accessor every sandbox starts with. Its first read
// returns the sandbox.
const OneShot = "$"

// State is the long-lived scope of one script context. Sandboxes built from it
// share own properties, host overrides and on* handler records.
type State struct {
	vm       *goja.Runtime
	snap     *snapshot.Snapshot
	bindings *capability.Bindings
	logger   *logging.Logger

	own      map[string]goja.Value
	ownOrder []string
	override map[string]goja.Value
	handlers map[string]*handlerRecord
	rebound  map[*goja.Object]goja.Value
	active   *Sandbox

	addListener    goja.Callable
	removeListener goja.Callable
	inGlobal       goja.Callable
	closed         bool
}

type handlerRecord struct {
	current  goja.Value
	listener goja.Value
	token    uint64
}

// NewState creates the scope for one context. bindings may be nil.
func NewState(snap *snapshot.Snapshot, bindings *capability.Bindings, logger *logging.Logger) (*State, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	vm := snap.VM()
	if bindings == nil {
		bindings = capability.NewBindings(vm)
	}

	s := &State{
		vm:       vm,
		snap:     snap,
		bindings: bindings,
		logger:   logger,
		own:      make(map[string]goja.Value),
		override: make(map[string]goja.Value),
		handlers: make(map[string]*handlerRecord),
		rebound:  make(map[*goja.Object]goja.Value),
	}

	var err error
	if s.addListener, err = s.globalMethod("addEventListener"); err != nil {
		return nil, err
	}
	if s.removeListener, err = s.globalMethod("removeEventListener"); err != nil {
		return nil, err
	}
	in, err := vm.RunString(`(function (o, k) { return k in o; })`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile lookup helper: %w", err)
	}
	s.inGlobal, _ = goja.AssertFunction(in)
	return s, nil
}

// globalMethod prefers the snapshot's bound copy and falls back to the live
// global, called with the global as receiver.
func (s *State) globalMethod(name string) (goja.Callable, error) {
	v, ok := s.snap.Method(name)
	if !ok {
		v = s.snap.Global().Get(name)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("page has no %s", name)
	}
	return fn, nil
}

// NewSandbox builds a sandbox for one execution and makes it the active identity.
// transient values are visible only to this sandbox and shadow everything else.
func (s *State) NewSandbox(transient map[string]goja.Value) *Sandbox {
	sb := &Sandbox{
		state:     s,
		transient: make(map[string]goja.Value, len(transient)),
		oneShot:   true,
	}
	for k, v := range transient {
		sb.transient[k] = v
	}
	sb.layers = []Layer{
		&transientLayer{sb: sb},
		&contextLayer{state: s},
		&hostLayer{state: s},
		&liveLayer{state: s},
	}
	sb.obj = s.vm.NewDynamicObject(sb)
	s.active = sb
	return sb
}

// Active returns the sandbox self names currently resolve to
func (s *State) Active() *Sandbox {
	return s.active
}

// Own returns an own property written by the script
func (s *State) Own(name string) (goja.Value, bool) {
	v, ok := s.own[name]
	return v, ok
}

// Handler returns the current value of a virtualized on* property
func (s *State) Handler(name string) goja.Value {
	if rec, ok := s.handlers[name]; ok && rec.current != nil {
		return rec.current
	}
	return goja.Null()
}

// Close removes every real listener installed for on* handlers. The state must
// not be used afterwards.
func (s *State) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for name, rec := range s.handlers {
		if rec.listener != nil {
			s.detach(name, rec)
		}
	}
	s.active = nil
}

func (s *State) setOwn(name string, v goja.Value) {
	if _, exists := s.own[name]; !exists {
		s.ownOrder = append(s.ownOrder, name)
	}
	s.own[name] = v
}

func (s *State) deleteOwn(name string) bool {
	if _, exists := s.own[name]; !exists {
		return false
	}
	delete(s.own, name)
	for i, n := range s.ownOrder {
		if n == name {
			s.ownOrder = append(s.ownOrder[:i:i], s.ownOrder[i+1:]...)
			break
		}
	}
	return true
}

func (s *State) self() goja.Value {
	if s.active == nil {
		return goja.Undefined()
	}
	return s.active.obj
}

// setHandler implements assignment to a virtualized on<event> property.
// Non-functions become null; only an is-function transition touches the real
// listener list, adding or removing exactly one listener.
func (s *State) setHandler(name string, v goja.Value) {
	rec, ok := s.handlers[name]
	if !ok {
		rec = &handlerRecord{current: goja.Null()}
		s.handlers[name] = rec
	}

	_, isFn := goja.AssertFunction(v)
	if !isFn {
		v = goja.Null()
	}
	_, wasFn := goja.AssertFunction(rec.current)
	rec.current = v

	if isFn == wasFn || s.closed {
		return
	}
	if isFn {
		s.attach(name, rec)
	} else {
		s.detach(name, rec)
	}
}

func (s *State) attach(name string, rec *handlerRecord) {
	rec.token++
	token := rec.token
	typ := name[2:]

	var listener goja.Value
	listener = s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if rec.token != token || rec.listener == nil || !rec.listener.SameAs(listener) {
			s.logger.Debug("stale handler listener removed", zap.String("handler", name))
			if _, err := s.removeListener(s.snap.Global(), s.vm.ToValue(typ), listener); err != nil {
				snapshot.Rethrow(s.vm, err)
			}
			return goja.Undefined()
		}
		fn, ok := goja.AssertFunction(rec.current)
		if !ok {
			return goja.Undefined()
		}
		res, err := fn(s.self(), call.Arguments...)
		if err != nil {
			snapshot.Rethrow(s.vm, err)
		}
		if b, ok := res.Export().(bool); ok && !b {
			if evt, ok := call.Argument(0).(*goja.Object); ok {
				if prevent, ok := goja.AssertFunction(evt.Get("preventDefault")); ok {
					prevent(evt)
				}
			}
		}
		return res
	})
	rec.listener = listener

	if _, err := s.addListener(s.snap.Global(), s.vm.ToValue(typ), listener); err != nil {
		s.logger.Warn("failed to attach handler listener", zap.String("handler", name), zap.Error(err))
	}
}

func (s *State) detach(name string, rec *handlerRecord) {
	listener := rec.listener
	rec.listener = nil
	rec.token++
	if listener == nil {
		return
	}
	if _, err := s.removeListener(s.snap.Global(), s.vm.ToValue(name[2:]), listener); err != nil {
		s.logger.Warn("failed to detach handler listener", zap.String("handler", name), zap.Error(err))
	}
}

// liveLookup reads name from the true global, rebinding unbound functions.
func (s *State) liveLookup(name string) (goja.Value, bool) {
	if !s.liveHas(name) {
		return nil, false
	}
	v := s.snap.Global().Get(name)
	obj, ok := v.(*goja.Object)
	if !ok {
		return v, true
	}
	fn, callable := goja.AssertFunction(obj)
	if !callable || obj.Get("prototype") != nil || !startsLower(name) {
		return v, true
	}
	if b, ok := s.rebound[obj]; ok {
		return b, true
	}
	b := snapshot.Bind(s.vm, fn, s.snap.Global())
	s.rebound[obj] = b
	return b, true
}

func (s *State) liveHas(name string) bool {
	res, err := s.inGlobal(goja.Undefined(), s.snap.Global(), s.vm.ToValue(name))
	return err == nil && res.ToBoolean()
}

func startsLower(name string) bool {
	for _, r := range name {
		return r >= 'a' && r <= 'z'
	}
	return false
}
