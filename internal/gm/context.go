package gm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/capability"
	"github.com/GriffinCanCode/gmsandbox/internal/host"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
	"github.com/GriffinCanCode/gmsandbox/internal/store"
)

// Internal binding names. They are readable by capability plumbing and hidden
// from scripts.
const (
	InternalRunFlag        = "runFlag"
	InternalScript         = "scriptRes"
	InternalValueListeners = "valueChangeListener"
	InternalEvents         = "EE"
)

// Options configures a Context
type Options struct {
	Script  *types.Script
	RunFlag id.RunFlag
	Page    *host.Page
	// Grants to resolve; the script's grant set when nil
	Grants      []string
	Services    Services
	Environment types.Environment
	// ExternalUpdates skips the store subscription; the owner feeds ValueUpdate
	ExternalUpdates bool
	// Registry resolves the grants; the shared default when nil
	Registry *capability.Registry[*Context]
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics
}

// Context is the per-load state behind a script's capabilities. All methods
// run on the page loop unless noted.
type Context struct {
	script  *types.Script
	runFlag id.RunFlag
	page    *host.Page
	vm      *goja.Runtime
	svc     Services
	logger  *logging.Logger
	metrics *monitoring.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	bindings *capability.Bindings
	info     *Info
	seq      int64

	values         map[string][]byte
	valueListeners []*valueListener
	events         map[string]func(goja.Value)
	menus          *menuTable
	notifications  map[string]*Notification
	lastWrite      chan struct{}

	unsubscribe func()
	closed      bool
}

type valueListener struct {
	id      int64
	key     string
	fn      goja.Callable
	removed bool
}

// New creates a context, seeds the value cache and resolves the grants
func New(ctx context.Context, opts Options) (*Context, error) {
	if opts.Script == nil || opts.Page == nil {
		return nil, errors.New("script and page are required")
	}
	if opts.Services.Store == nil {
		return nil, errors.New("value store is required")
	}
	if opts.RunFlag == "" {
		opts.RunFlag = id.NewRunFlag()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	initial, err := opts.Services.Store.GetScriptValue(ctx, opts.Script.ID)
	if err != nil && !errors.Is(err, store.ErrUnknownScript) {
		return nil, fmt.Errorf("failed to load values: %w", err)
	}
	values := make(map[string][]byte, len(initial))
	for k, v := range initial {
		values[k] = v
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Context{
		script:  opts.Script,
		runFlag: opts.RunFlag,
		page:    opts.Page,
		vm:      opts.Page.VM(),
		svc:     opts.Services.withDefaults(),
		logger:  logger,
		metrics: opts.Metrics,
		ctx:     cctx,
		cancel:  cancel,
		values:  values,
		events:  make(map[string]func(goja.Value)),
		menus:   newMenuTable(),
	}

	c.info, err = NewInfo(opts.Page, opts.Script, opts.Environment)
	if err != nil {
		cancel()
		return nil, err
	}

	grants := opts.Grants
	if grants == nil {
		grants = opts.Script.GrantSet()
	}
	reg := opts.Registry
	if reg == nil {
		reg = Registry()
	}
	c.bindings = reg.Resolve(c.vm, grants, c, capability.Hooks{
		OnCall: c.metrics.RecordCapabilityCall,
		OnDrop: func(name string) {
			c.metrics.RecordGrantDropped()
			c.logger.Debug("grant dropped", zap.String("grant", name))
		},
	})
	c.bindings.SetInternal(InternalRunFlag, c.runFlag)
	c.bindings.SetInternal(InternalScript, c.script)
	c.bindings.SetInternal(InternalValueListeners, func() int { return len(c.valueListeners) })
	c.bindings.SetInternal(InternalEvents, c.events)

	if !opts.ExternalUpdates {
		loop := c.page.Loop()
		c.unsubscribe = c.svc.Store.Subscribe(c.script.ID, func(u types.ValueUpdate) {
			loop.Post(func() { c.ValueUpdate(u) })
		})
	}
	return c, nil
}

// Script returns the script this context serves
func (c *Context) Script() *types.Script { return c.script }

// RunFlag returns the identity of this load
func (c *Context) RunFlag() id.RunFlag { return c.runFlag }

// Bindings returns the resolved capability surface
func (c *Context) Bindings() *capability.Bindings { return c.bindings }

// Info returns the GM_info bag
func (c *Context) Info() *Info { return c.info }

// Page returns the host page
func (c *Context) Page() *host.Page { return c.page }

// Closed reports whether Close has run
func (c *Context) Closed() bool { return c.closed }

// NextSeq advances the counter shared by listener, menu, notification, tab and
// request ids
func (c *Context) NextSeq() int64 {
	c.seq++
	return c.seq
}

// advanceSeq moves the counter to at least n
func (c *Context) advanceSeq(n int64) {
	if n > c.seq {
		c.seq = n
	}
}

// ============================================================================
// Inbound events
// ============================================================================

// EmitEvent delivers data to the handler registered for event and eventID and
// reports whether one existed.
func (c *Context) EmitEvent(event, eventID string, data any) bool {
	if c.closed {
		return false
	}
	if event == EventMenuClick {
		return c.clickMenu(eventID, c.vm.ToValue(data))
	}
	fn, ok := c.events[event+":"+eventID]
	if !ok {
		return false
	}
	fn(c.vm.ToValue(data))
	return true
}

func (c *Context) on(event, eventID string, fn func(goja.Value)) {
	c.events[event+":"+eventID] = fn
}

func (c *Context) off(event, eventID string) {
	delete(c.events, event+":"+eventID)
}

// ValueUpdate applies a store update and fires the matching value-change
// listeners. It returns the number of listener invocations.
func (c *Context) ValueUpdate(u types.ValueUpdate) int {
	if c.closed || u.ScriptID != c.script.ID {
		return 0
	}
	remote := u.Sender != c.runFlag
	c.metrics.RecordValueUpdate(remote)

	fired := 0
	for _, change := range u.Changes {
		if remote {
			if change.Deleted {
				delete(c.values, change.Key)
			} else {
				c.values[change.Key] = change.Value
			}
		}

		listeners := c.listenersFor(change.Key)
		if len(listeners) == 0 {
			continue
		}
		oldValue := c.decode(u.OldValues[change.Key])
		newValue := goja.Undefined()
		if !change.Deleted {
			newValue = c.decode(change.Value)
		}
		for _, l := range listeners {
			if l.removed {
				continue
			}
			fired++
			if _, err := l.fn(goja.Undefined(), c.vm.ToValue(change.Key), oldValue, newValue, c.vm.ToValue(remote)); err != nil {
				c.page.ReportError(err)
			}
		}
	}
	return fired
}

func (c *Context) listenersFor(key string) []*valueListener {
	var out []*valueListener
	for _, l := range c.valueListeners {
		if l.key == key && !l.removed {
			out = append(out, l)
		}
	}
	return out
}

// Correct replaces the placeholder environment in GM_info in place. It applies
// at most once and reports whether it did.
func (c *Context) Correct(env types.Environment) bool {
	if c.closed {
		return false
	}
	return c.info.Correct(env)
}

// Close cancels in-flight work, drops the store subscription and unregisters
// menus. It is idempotent.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	for _, e := range c.menus.entries() {
		c.svc.Menus.UnregisterMenu(c.script.ID, e.cmd.Key)
	}
	c.menus = newMenuTable()
	c.events = make(map[string]func(goja.Value))
	c.valueListeners = nil
	c.logger.Debug("context closed")
}

// ============================================================================
// Plumbing shared by capabilities
// ============================================================================

// async runs work off the loop and delivers its result on the loop. Nothing is
// delivered after Close.
func (c *Context) async(work func(ctx context.Context) error, done func(error)) {
	release := c.page.Loop().Hold()
	ctx := c.ctx
	go func() {
		err := work(ctx)
		release(func() {
			if c.closed || done == nil {
				return
			}
			done(err)
		})
	}()
}

// call invokes fn if v is a function, reporting exceptions to the page
func (c *Context) call(v goja.Value, this goja.Value, args ...goja.Value) {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return
	}
	if this == nil {
		this = goja.Undefined()
	}
	if _, err := fn(this, args...); err != nil {
		c.page.ReportError(err)
	}
}

// try runs fn and converts a JS throw into a value
func (c *Context) try(fn func() goja.Value) (result goja.Value, thrown goja.Value) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch e := r.(type) {
		case *goja.Exception:
			thrown = e.Value()
		case goja.Value:
			thrown = e
		default:
			panic(r)
		}
	}()
	return fn(), nil
}

func (c *Context) typeError(format string, args ...any) {
	panic(c.vm.NewTypeError(fmt.Sprintf(format, args...)))
}

func (c *Context) sortedKeys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// optionalObject returns v as an object, or nil for undefined and null
func (c *Context) optionalObject(v goja.Value) *goja.Object {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	return obj
}

func present(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

func stringField(obj *goja.Object, name string) string {
	if obj == nil {
		return ""
	}
	v := obj.Get(name)
	if !present(v) {
		return ""
	}
	return v.String()
}

func boolField(obj *goja.Object, name string) bool {
	if obj == nil {
		return false
	}
	v := obj.Get(name)
	return v != nil && v.ToBoolean()
}
