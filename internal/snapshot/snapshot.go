package snapshot

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
	"unicode"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/gmsandbox/internal/logging"
)

// Target is the page a snapshot is taken from
type Target interface {
	VM() *goja.Runtime
	Global() *goja.Object
}

// Accessor is a getter/setter pair bound to the true global. Set is nil for
// read-only accessors.
type Accessor struct {
	Get goja.Value
	Set goja.Value
}

// Snapshot is the immutable classification of a page's globals
type Snapshot struct {
	vm       *goja.Runtime
	global   *goja.Object
	self     map[string]struct{}
	methods  map[string]goja.Value
	access   map[string]Accessor
	handlers map[string]struct{}
	values   map[string]struct{}
	names    []string
	skipped  []string
}

// Descriptor is a property descriptor read from the live global
type Descriptor struct {
	Value        goja.Value
	Get          goja.Value
	Set          goja.Value
	Writable     bool
	Configurable bool
	Enumerable   bool
}

// IsAccessor reports whether the descriptor has a getter or setter
func (d Descriptor) IsAccessor() bool {
	return present(d.Get) || present(d.Set)
}

var eventHandlerName = regexp.MustCompile(`^on[a-z]+$`)

// Classify decides the kind of a live property. Unbound plain functions (no own
// prototype, lower-case initial) are methods; on<event> accessors that are
// configurable, enumerable and have both halves are event handlers.
func Classify(name string, d Descriptor) Kind {
	if d.IsAccessor() {
		if eventHandlerName.MatchString(name) && d.Configurable && d.Enumerable && present(d.Get) && present(d.Set) {
			return KindEventHandler
		}
		return KindAccessor
	}
	obj, ok := d.Value.(*goja.Object)
	if !ok {
		return KindValue
	}
	if _, callable := goja.AssertFunction(obj); !callable {
		return KindValue
	}
	if obj.Get("prototype") != nil || startsUpper(name) {
		return KindConstructor
	}
	if !d.Writable {
		return KindValue
	}
	return KindMethod
}

func startsUpper(name string) bool {
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}

func present(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// describeSource walks the prototype chain and stops before Object.prototype.
const describeSource = `(function (obj, name) {
	for (var o = obj; o !== null && o !== Object.prototype; o = Object.getPrototypeOf(o)) {
		var d = Object.getOwnPropertyDescriptor(o, name);
		if (d) return d;
	}
	return undefined;
})`

// Describer reads live descriptors from a page
type Describer struct {
	global *goja.Object
	fn     goja.Callable
}

// NewDescriber compiles the descriptor helper in vm
func NewDescriber(vm *goja.Runtime, global *goja.Object) (*Describer, error) {
	v, err := vm.RunString(describeSource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile descriptor helper: %w", err)
	}
	fn, _ := goja.AssertFunction(v)
	return &Describer{global: global, fn: fn}, nil
}

// Describe returns the descriptor of name on the global or its prototypes
func (d *Describer) Describe(vm *goja.Runtime, name string) (Descriptor, bool) {
	v, err := d.fn(goja.Undefined(), d.global, vm.ToValue(name))
	if err != nil {
		return Descriptor{}, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return Descriptor{}, false
	}
	flag := func(key string) bool {
		f := obj.Get(key)
		return f != nil && f.ToBoolean()
	}
	return Descriptor{
		Value:        obj.Get("value"),
		Get:          obj.Get("get"),
		Set:          obj.Get("set"),
		Writable:     flag("writable"),
		Configurable: flag("configurable"),
		Enumerable:   flag("enumerable"),
	}, true
}

// Build classifies every row of table against the live global of target.
// Rows whose live shape disagrees with the table are skipped.
func Build(target Target, table []Spec, logger *logging.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	vm, global := target.VM(), target.Global()
	describer, err := NewDescriber(vm, global)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		vm:       vm,
		global:   global,
		self:     make(map[string]struct{}),
		methods:  make(map[string]goja.Value),
		access:   make(map[string]Accessor),
		handlers: make(map[string]struct{}),
		values:   make(map[string]struct{}),
	}

	for _, row := range table {
		if row.Kind == KindSelf {
			s.self[row.Name] = struct{}{}
			s.names = append(s.names, row.Name)
			continue
		}

		d, ok := describer.Describe(vm, row.Name)
		if !ok {
			s.skip(logger, row, "missing")
			continue
		}
		live := Classify(row.Name, d)
		if !compatible(row.Kind, live) {
			s.skip(logger, row, live.String())
			continue
		}

		switch row.Kind {
		case KindMethod:
			fn, _ := goja.AssertFunction(d.Value)
			s.methods[row.Name] = Bind(vm, fn, global)
		case KindAccessor:
			a := Accessor{}
			if get, ok := goja.AssertFunction(d.Get); ok {
				a.Get = Bind(vm, get, global)
			}
			if set, ok := goja.AssertFunction(d.Set); ok {
				a.Set = Bind(vm, set, global)
			}
			s.access[row.Name] = a
		case KindEventHandler:
			s.handlers[row.Name] = struct{}{}
		default:
			s.values[row.Name] = struct{}{}
		}
		s.names = append(s.names, row.Name)
	}

	logger.Debug("global snapshot built",
		zap.Int("methods", len(s.methods)),
		zap.Int("accessors", len(s.access)),
		zap.Int("event_handlers", len(s.handlers)),
		zap.Strings("skipped", s.skipped),
	)
	return s, nil
}

func compatible(want, live Kind) bool {
	switch want {
	case KindValue, KindConstructor:
		return live == KindValue || live == KindConstructor
	}
	return want == live
}

func (s *Snapshot) skip(logger *logging.Logger, row Spec, reason string) {
	s.skipped = append(s.skipped, row.Name)
	logger.Debug("snapshot row skipped",
		zap.String("name", row.Name),
		zap.String("want", row.Kind.String()),
		zap.String("live", reason),
	)
}

// Bind returns a native function that calls fn with this fixed to recv.
// Exceptions propagate unchanged.
func Bind(vm *goja.Runtime, fn goja.Callable, recv goja.Value) goja.Value {
	return vm.ToValue(func(call goja.FunctionCall) goja.Value {
		res, err := fn(recv, call.Arguments...)
		if err != nil {
			Rethrow(vm, err)
		}
		return res
	})
}

// Rethrow raises err inside the running JS call
func Rethrow(vm *goja.Runtime, err error) {
	if ex, ok := err.(*goja.Exception); ok {
		panic(ex)
	}
	panic(vm.NewGoError(err))
}

// VM returns the runtime the snapshot belongs to
func (s *Snapshot) VM() *goja.Runtime { return s.vm }

// Global returns the true global
func (s *Snapshot) Global() *goja.Object { return s.global }

// IsSelf reports whether name refers to the global itself
func (s *Snapshot) IsSelf(name string) bool {
	_, ok := s.self[name]
	return ok
}

// Method returns the pre-bound version of a host method
func (s *Snapshot) Method(name string) (goja.Value, bool) {
	v, ok := s.methods[name]
	return v, ok
}

// Accessor returns the pre-bound accessor pair for name
func (s *Snapshot) Accessor(name string) (Accessor, bool) {
	a, ok := s.access[name]
	return a, ok
}

// IsEventHandler reports whether name is a virtualized on<event> accessor
func (s *Snapshot) IsEventHandler(name string) bool {
	_, ok := s.handlers[name]
	return ok
}

// IsPassThrough reports whether name is read live from the global unchanged
func (s *Snapshot) IsPassThrough(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Names lists every captured name in table order
func (s *Snapshot) Names() []string {
	return append([]string(nil), s.names...)
}

// Skipped lists table rows that did not match the live global
func (s *Snapshot) Skipped() []string {
	return append([]string(nil), s.skipped...)
}

// Counts returns the number of captured names per kind
func (s *Snapshot) Counts() map[string]int {
	return map[string]int{
		KindSelf.String():         len(s.self),
		KindMethod.String():       len(s.methods),
		KindAccessor.String():     len(s.access),
		KindEventHandler.String(): len(s.handlers),
		KindValue.String():        len(s.values),
	}
}

// EventHandlers returns the virtualized handler names, sorted
func (s *Snapshot) EventHandlers() []string {
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Builder builds a snapshot at most once
type Builder struct {
	target  Target
	table   []Spec
	logger  *logging.Logger
	metrics *monitoring.Metrics

	once sync.Once
	snap *Snapshot
	err  error
}

// NewBuilder prepares a one-time snapshot of target
func NewBuilder(target Target, table []Spec, logger *logging.Logger, metrics *monitoring.Metrics) *Builder {
	if table == nil {
		table = DefaultTable()
	}
	return &Builder{target: target, table: table, logger: logger, metrics: metrics}
}

// Snapshot returns the snapshot, building it on first call
func (b *Builder) Snapshot() (*Snapshot, error) {
	b.once.Do(func() {
		start := time.Now()
		b.snap, b.err = Build(b.target, b.table, b.logger)
		if b.err == nil {
			b.metrics.RecordSnapshot(b.snap.Counts(), time.Since(start))
		}
	})
	return b.snap, b.err
}
