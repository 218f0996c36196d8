package scope

import (
	"github.com/dop251/goja"

	"github.com/GriffinCanCode/gmsandbox/internal/snapshot"
)

// Outcome is a layer's answer to an assignment
type Outcome int

const (
	// Pass lets the next layer decide
	Pass Outcome = iota
	// Accepted means the layer stored the value
	Accepted
	// Rejected means the write is a silent no-op
	Rejected
)

// Layer is one step of sandbox name resolution. Lookup may have side effects
// (the one-shot accessor); Contains must not.
type Layer interface {
	Name() string
	Contains(name string) bool
	Lookup(name string) (goja.Value, bool)
	Assign(name string, v goja.Value) Outcome
	Remove(name string) bool
	Names() []string
}

// ============================================================================
// Transient: per-execution values and the one-shot accessor
// ============================================================================

type transientLayer struct {
	sb *Sandbox
}

func (l *transientLayer) Name() string { return "transient" }

func (l *transientLayer) Contains(name string) bool {
	if name == OneShot && l.sb.oneShot {
		return true
	}
	_, ok := l.sb.transient[name]
	return ok
}

func (l *transientLayer) Lookup(name string) (goja.Value, bool) {
	if name == OneShot && l.sb.oneShot {
		l.sb.oneShot = false
		return l.sb.obj, true
	}
	v, ok := l.sb.transient[name]
	return v, ok
}

func (l *transientLayer) Assign(name string, v goja.Value) Outcome {
	if name == OneShot {
		l.sb.oneShot = false
	}
	if _, ok := l.sb.transient[name]; ok {
		l.sb.transient[name] = v
		return Accepted
	}
	return Pass
}

func (l *transientLayer) Remove(name string) bool {
	if name == OneShot && l.sb.oneShot {
		l.sb.oneShot = false
		return true
	}
	if _, ok := l.sb.transient[name]; ok {
		delete(l.sb.transient, name)
		return true
	}
	return false
}

func (l *transientLayer) Names() []string {
	out := make([]string, 0, len(l.sb.transient))
	for name := range l.sb.transient {
		out = append(out, name)
	}
	return out
}

// ============================================================================
// Context: own properties and capability bindings
// ============================================================================

type contextLayer struct {
	state *State
}

func (l *contextLayer) Name() string { return "context" }

func (l *contextLayer) Contains(name string) bool {
	if _, ok := l.state.own[name]; ok {
		return true
	}
	return l.binding(name)
}

func (l *contextLayer) binding(name string) bool {
	return l.state.bindings.Has(name) && !l.state.bindings.Hidden(name)
}

func (l *contextLayer) Lookup(name string) (goja.Value, bool) {
	if v, ok := l.state.own[name]; ok {
		return v, true
	}
	if l.binding(name) {
		return l.state.bindings.Get(name)
	}
	return nil, false
}

func (l *contextLayer) Assign(name string, v goja.Value) Outcome {
	if _, ok := l.state.own[name]; ok {
		l.state.own[name] = v
		return Accepted
	}
	if l.binding(name) {
		l.state.bindings.Set(name, v)
		return Accepted
	}
	return Pass
}

func (l *contextLayer) Remove(name string) bool {
	if l.state.deleteOwn(name) {
		return true
	}
	if l.binding(name) {
		return l.state.bindings.Delete(name)
	}
	return false
}

func (l *contextLayer) Names() []string {
	out := append([]string(nil), l.state.ownOrder...)
	for _, name := range l.state.bindings.Names() {
		if !l.state.bindings.Hidden(name) {
			out = append(out, name)
		}
	}
	return out
}

// ============================================================================
// Host: the snapshot surface
// ============================================================================

type hostLayer struct {
	state *State
}

func (l *hostLayer) Name() string { return "host" }

func (l *hostLayer) snap() *snapshot.Snapshot { return l.state.snap }

func (l *hostLayer) Contains(name string) bool {
	if _, ok := l.state.override[name]; ok {
		return true
	}
	s := l.snap()
	if s.IsSelf(name) || s.IsEventHandler(name) || s.IsPassThrough(name) {
		return true
	}
	if _, ok := s.Method(name); ok {
		return true
	}
	_, ok := s.Accessor(name)
	return ok
}

func (l *hostLayer) Lookup(name string) (goja.Value, bool) {
	s := l.snap()
	if s.IsSelf(name) {
		return l.state.self(), true
	}
	if v, ok := l.state.override[name]; ok {
		return v, true
	}
	if s.IsEventHandler(name) {
		return l.state.Handler(name), true
	}
	if v, ok := s.Method(name); ok {
		return v, true
	}
	if a, ok := s.Accessor(name); ok {
		get, ok := goja.AssertFunction(a.Get)
		if !ok {
			return goja.Undefined(), true
		}
		v, err := get(goja.Undefined())
		if err != nil {
			snapshot.Rethrow(l.state.vm, err)
		}
		return v, true
	}
	if s.IsPassThrough(name) {
		return s.Global().Get(name), true
	}
	return nil, false
}

func (l *hostLayer) Assign(name string, v goja.Value) Outcome {
	s := l.snap()
	switch {
	case s.IsSelf(name):
		return Rejected
	case s.IsEventHandler(name):
		l.state.setHandler(name, v)
		return Accepted
	}
	if a, ok := s.Accessor(name); ok {
		set, ok := goja.AssertFunction(a.Set)
		if !ok {
			return Rejected
		}
		if _, err := set(goja.Undefined(), v); err != nil {
			snapshot.Rethrow(l.state.vm, err)
		}
		return Accepted
	}
	if _, ok := l.state.override[name]; ok {
		l.state.override[name] = v
		return Accepted
	}
	if _, ok := s.Method(name); ok || s.IsPassThrough(name) {
		l.state.override[name] = v
		return Accepted
	}
	return Pass
}

func (l *hostLayer) Remove(name string) bool {
	if _, ok := l.state.override[name]; ok {
		delete(l.state.override, name)
		return true
	}
	return false
}

func (l *hostLayer) Names() []string {
	out := l.snap().Names()
	for name := range l.state.override {
		out = append(out, name)
	}
	return out
}

// ============================================================================
// Live: whatever the true global has that the snapshot did not capture
// ============================================================================

type liveLayer struct {
	state *State
}

func (l *liveLayer) Name() string { return "live" }

func (l *liveLayer) Contains(name string) bool {
	return l.state.liveHas(name)
}

func (l *liveLayer) Lookup(name string) (goja.Value, bool) {
	return l.state.liveLookup(name)
}

// Assign never writes through to the true global.
func (l *liveLayer) Assign(string, goja.Value) Outcome { return Pass }

func (l *liveLayer) Remove(string) bool { return false }

func (l *liveLayer) Names() []string { return nil }
