package capability

import (
	"sort"
	"strings"

	"github.com/dop251/goja"
)

// Hooks observe resolution and invocation. Nil funcs are skipped.
type Hooks struct {
	// OnCall fires before every function capability invocation
	OnCall func(name string)
	// OnDrop fires for each granted or dependency name with no entry
	OnDrop func(name string)
}

// Resolve expands grants, including transitive dependencies, into bindings with
// every implementation bound to recv. Unknown names are dropped and names already
// visited are skipped, so resolution never fails and cycles terminate. The order of
// grants does not change the result.
func (r *Registry[R]) Resolve(vm *goja.Runtime, grants []string, recv R, hooks Hooks) *Bindings {
	b := NewBindings(vm)
	visited := make(map[string]bool)
	bound := make(map[*Entry[R]]goja.Value)

	// Sorting the walk keeps installation deterministic when two names land on
	// the same dotted path.
	ordered := append([]string(nil), grants...)
	sort.Strings(ordered)

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true

		e, ok := r.Lookup(name)
		if !ok {
			if hooks.OnDrop != nil {
				hooks.OnDrop(name)
			}
			return
		}

		v, ok := bound[e]
		if !ok {
			v = r.bind(vm, e, recv, hooks)
			bound[e] = v
		}

		b.install(name, v)
		if r.primaryOwner(e) {
			b.install(e.Name, v)
			visited[e.Name] = true
		}
		for _, alias := range e.Aliases {
			if r.aliasOwner(alias, e) {
				b.install(alias, v)
				visited[alias] = true
			}
		}

		for _, dep := range e.Dependencies {
			visit(dep)
		}
	}

	for _, name := range ordered {
		visit(name)
	}
	return b
}

func (r *Registry[R]) bind(vm *goja.Runtime, e *Entry[R], recv R, hooks Hooks) goja.Value {
	if e.Value != nil {
		return e.Value(recv)
	}
	name, fn := e.Name, e.Func
	return vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if hooks.OnCall != nil {
			hooks.OnCall(name)
		}
		return fn(recv, call)
	})
}

// Bindings is the resolved capability surface of one script context
type Bindings struct {
	vm       *goja.Runtime
	values   map[string]goja.Value
	order    []string
	internal map[string]any
}

// NewBindings creates an empty binding set
func NewBindings(vm *goja.Runtime) *Bindings {
	return &Bindings{
		vm:       vm,
		values:   make(map[string]goja.Value),
		internal: make(map[string]any),
	}
}

// install exposes v at name. Dotted names create nested namespace objects on
// demand; an existing plain name is never replaced.
func (b *Bindings) install(name string, v goja.Value) {
	if !strings.Contains(name, ".") {
		if _, exists := b.values[name]; !exists {
			b.values[name] = v
			b.order = append(b.order, name)
		}
		return
	}

	parts := strings.Split(name, ".")
	ns := b.namespace(parts[0])
	if ns == nil {
		return
	}
	for _, part := range parts[1 : len(parts)-1] {
		next, ok := ns.Get(part).(*goja.Object)
		if !ok {
			next = b.vm.NewObject()
			ns.Set(part, next)
		}
		ns = next
	}
	leaf := parts[len(parts)-1]
	if existing := ns.Get(leaf); existing == nil || goja.IsUndefined(existing) {
		ns.Set(leaf, v)
	}
}

func (b *Bindings) namespace(top string) *goja.Object {
	if v, ok := b.values[top]; ok {
		obj, _ := v.(*goja.Object)
		return obj
	}
	obj := b.vm.NewObject()
	b.values[top] = obj
	b.order = append(b.order, top)
	return obj
}

// Get returns the binding for a top-level name
func (b *Bindings) Get(name string) (goja.Value, bool) {
	v, ok := b.values[name]
	return v, ok
}

// Has reports whether a top-level name is bound
func (b *Bindings) Has(name string) bool {
	_, ok := b.values[name]
	return ok
}

// Set overwrites a binding in place and reports whether it existed
func (b *Bindings) Set(name string, v goja.Value) bool {
	if _, ok := b.values[name]; !ok {
		return false
	}
	b.values[name] = v
	return true
}

// Delete removes a binding and reports whether it existed
func (b *Bindings) Delete(name string) bool {
	if _, ok := b.values[name]; !ok {
		return false
	}
	delete(b.values, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Names returns the bound top-level names in installation order
func (b *Bindings) Names() []string {
	return append([]string(nil), b.order...)
}

// SetInternal stores a field for capability plumbing. Internal names are hidden
// from scripts even if a binding of the same name exists.
func (b *Bindings) SetInternal(name string, v any) {
	b.internal[name] = v
}

// Internal returns an internal field
func (b *Bindings) Internal(name string) (any, bool) {
	v, ok := b.internal[name]
	return v, ok
}

// Hidden reports whether name is an internal field
func (b *Bindings) Hidden(name string) bool {
	_, ok := b.internal[name]
	return ok
}
