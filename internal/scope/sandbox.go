package scope

import (
	"github.com/dop251/goja"
)

// Sandbox is the object a script sees as its global scope for one execution.
// It implements goja.DynamicObject; every property access walks the layers in
// order: transient, context, host, live.
type Sandbox struct {
	state     *State
	obj       *goja.Object
	layers    []Layer
	transient map[string]goja.Value
	oneShot   bool
}

var _ goja.DynamicObject = (*Sandbox)(nil)

// Object returns the JS object backed by the sandbox
func (sb *Sandbox) Object() *goja.Object { return sb.obj }

// State returns the context scope the sandbox belongs to
func (sb *Sandbox) State() *State { return sb.state }

// Layers returns the resolution chain
func (sb *Sandbox) Layers() []Layer { return append([]Layer(nil), sb.layers...) }

// SetTransient adds or replaces a per-execution value
func (sb *Sandbox) SetTransient(name string, v goja.Value) {
	sb.transient[name] = v
}

// Get implements goja.DynamicObject.
func (sb *Sandbox) Get(key string) goja.Value {
	for _, l := range sb.layers {
		if v, ok := l.Lookup(key); ok {
			return v
		}
	}
	return nil
}

// Has implements goja.DynamicObject. It answers the same question as Get without
// side effects, so an identifier found nowhere raises a ReferenceError.
func (sb *Sandbox) Has(key string) bool {
	for _, l := range sb.layers {
		if l.Contains(key) {
			return true
		}
	}
	return false
}

// Set implements goja.DynamicObject. Names no layer claims become own properties.
func (sb *Sandbox) Set(key string, val goja.Value) bool {
	for _, l := range sb.layers {
		switch l.Assign(key, val) {
		case Accepted, Rejected:
			return true
		}
	}
	sb.state.setOwn(key, val)
	return true
}

// Delete implements goja.DynamicObject.
func (sb *Sandbox) Delete(key string) bool {
	for _, l := range sb.layers {
		if l.Remove(key) {
			return true
		}
	}
	return true
}

// Keys implements goja.DynamicObject: own, capability and host names.
func (sb *Sandbox) Keys() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range sb.layers {
		for _, name := range l.Names() {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
