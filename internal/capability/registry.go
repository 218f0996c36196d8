package capability

import (
	"sort"
	"sync"

	"github.com/dop251/goja"
)

// Func is a function capability. recv is the receiver the capability is bound to
// when a grant list is resolved.
type Func[R any] func(recv R, call goja.FunctionCall) goja.Value

// Value is a value capability, computed once per resolution.
type Value[R any] func(recv R) goja.Value

// Options carries the optional parts of a registration
type Options struct {
	// Dependencies are resolved whenever this entry is
	Dependencies []string
	// Aliases expose the entry under additional names
	Aliases []string
}

// Entry is one registered capability
type Entry[R any] struct {
	Name         string
	Func         Func[R]
	Value        Value[R]
	Dependencies []string
	Aliases      []string
}

// Registry maps capability names to implementations. It is append-only.
//
// Primary names are first-registration-wins: a second Register for a name that
// already exists is ignored for lookups and dependency walks. Alias names are
// last-write-wins: each registration points its aliases at its own entry, even when
// its primary name was already taken.
type Registry[R any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[R]
	aliases map[string]*Entry[R]
}

// NewRegistry creates an empty registry
func NewRegistry[R any]() *Registry[R] {
	return &Registry[R]{
		entries: make(map[string]*Entry[R]),
		aliases: make(map[string]*Entry[R]),
	}
}

// Register adds a function capability and reports whether name was new
func (r *Registry[R]) Register(name string, fn Func[R], opts Options) bool {
	return r.add(&Entry[R]{
		Name:         name,
		Func:         fn,
		Dependencies: append([]string(nil), opts.Dependencies...),
		Aliases:      append([]string(nil), opts.Aliases...),
	})
}

// RegisterValue adds a value capability and reports whether name was new
func (r *Registry[R]) RegisterValue(name string, v Value[R], opts Options) bool {
	return r.add(&Entry[R]{
		Name:         name,
		Value:        v,
		Dependencies: append([]string(nil), opts.Dependencies...),
		Aliases:      append([]string(nil), opts.Aliases...),
	})
}

func (r *Registry[R]) add(e *Entry[R]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, alias := range e.Aliases {
		r.aliases[alias] = e
	}
	if _, exists := r.entries[e.Name]; exists {
		return false
	}
	r.entries[e.Name] = e
	return true
}

// Lookup finds an entry by primary name, then by alias
func (r *Registry[R]) Lookup(name string) (*Entry[R], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[name]; ok {
		return e, true
	}
	e, ok := r.aliases[name]
	return e, ok
}

// aliasOwner reports whether alias currently resolves to e
func (r *Registry[R]) aliasOwner(alias string, e *Entry[R]) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aliases[alias] == e
}

func (r *Registry[R]) primaryOwner(e *Entry[R]) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[e.Name] == e
}

// Names returns all primary names, sorted
func (r *Registry[R]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of primary entries
func (r *Registry[R]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
