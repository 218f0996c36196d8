package host

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/logging"
)

// SelfNames are the window properties that refer to the window itself
var SelfNames = []string{"window", "self", "frames", "top", "parent"}

// Page is a goja runtime whose global object stands in for a browser window.
// All methods must be called from the loop goroutine unless noted.
type Page struct {
	vm     *goja.Runtime
	global *goja.Object
	proto  *goja.Object
	loop   *Loop
	dom    *DOM
	config Config
	logger *logging.Logger

	// Event target state for the window
	listeners map[string][]*listener
	handlers  map[string]goja.Value

	// Window accessors
	name     string
	status   string
	location *location

	// Element wrappers, both directions
	wrappers map[*Element]*goja.Object
	elements map[*goja.Object]*Element

	enqueue   goja.Callable
	parse     goja.Callable
	stringify goja.Callable
	deferred  goja.Callable

	// Console output
	console   []LogEntry
	consoleMu sync.Mutex
}

type listener struct {
	fn      goja.Value
	call    goja.Callable
	once    bool
	removed bool
}

// New creates a page with its window globals installed
func New(config Config, logger *logging.Logger) (*Page, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.URL == "" {
		config.URL = "about:blank"
	}
	if config.EventHandlers == nil {
		config.EventHandlers = DefaultEventHandlers
	}

	vm := goja.New()
	if config.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(config.MaxCallStackSize)
	}

	p := &Page{
		vm:        vm,
		global:    vm.GlobalObject(),
		proto:     vm.NewObject(),
		loop:      NewLoop(config.VirtualTime),
		dom:       NewDOM(),
		config:    config,
		logger:    logger.Named("page"),
		listeners: make(map[string][]*listener),
		handlers:  make(map[string]goja.Value),
		wrappers:  make(map[*Element]*goja.Object),
		elements:  make(map[*goja.Object]*Element),
		console:   []LogEntry{},
	}

	if config.HTML != "" {
		title, err := p.dom.Load(config.HTML)
		if err != nil {
			return nil, err
		}
		if p.config.Title == "" {
			p.config.Title = title
		}
	}

	if err := p.setupGlobals(); err != nil {
		return nil, fmt.Errorf("failed to set up window globals: %w", err)
	}
	return p, nil
}

// VM returns the goja runtime
func (p *Page) VM() *goja.Runtime { return p.vm }

// Global returns the true global object
func (p *Page) Global() *goja.Object { return p.global }

// Loop returns the page event loop
func (p *Page) Loop() *Loop { return p.loop }

// DOM returns the page document tree
func (p *Page) DOM() *DOM { return p.dom }

// Config returns the page configuration
func (p *Page) Config() Config { return p.config }

// URL returns the current location.href
func (p *Page) URL() string { return p.location.href() }

// Console returns a copy of the captured console output. Safe from any goroutine.
func (p *Page) Console() []LogEntry {
	p.consoleMu.Lock()
	defer p.consoleMu.Unlock()
	return append([]LogEntry{}, p.console...)
}

// RunString evaluates src as a classic page script
func (p *Page) RunString(src string) (goja.Value, error) {
	return p.vm.RunString(src)
}

// ListenerCount returns the number of live window listeners for typ
func (p *Page) ListenerCount(typ string) int {
	return len(p.listeners[typ])
}

// ReportError records an uncaught callback error the way a page would
func (p *Page) ReportError(err error) {
	if err == nil {
		return
	}
	p.appendConsole("error", "Uncaught "+err.Error())
	p.logger.Warn("uncaught error in page callback", zap.Error(err))
}

func (p *Page) setupGlobals() error {
	vm := p.vm

	prelude, err := vm.RunString(preludeSource)
	if err != nil {
		return err
	}
	install, _ := goja.AssertFunction(prelude)
	res, err := install(goja.Undefined(), p.global)
	if err != nil {
		return err
	}
	helpers := res.ToObject(vm)
	p.enqueue, _ = goja.AssertFunction(helpers.Get("enqueue"))
	p.parse, _ = goja.AssertFunction(helpers.Get("parse"))
	p.stringify, _ = goja.AssertFunction(helpers.Get("stringify"))
	p.deferred, _ = goja.AssertFunction(helpers.Get("deferred"))

	if err := p.global.SetPrototype(p.proto); err != nil {
		return err
	}

	// Self references
	if err := p.global.DefineDataProperty("window", p.global, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}
	self := vm.ToValue(func(goja.FunctionCall) goja.Value { return p.global })
	for _, name := range SelfNames[1:] {
		if err := p.global.DefineAccessorProperty(name, self, nil, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}

	// EventTarget surface lives on the prototype
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"addEventListener":    p.addEventListener,
		"removeEventListener": p.removeEventListener,
		"dispatchEvent":       p.dispatchEvent,
	} {
		if err := p.proto.DefineDataProperty(name, vm.ToValue(fn), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}
	for _, name := range p.config.EventHandlers {
		if err := p.defineEventHandler(name); err != nil {
			return err
		}
	}

	// Window methods
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":     p.method(func(call goja.FunctionCall) goja.Value { return p.ScheduleJS("", false, call) }),
		"setInterval":    p.method(func(call goja.FunctionCall) goja.Value { return p.ScheduleJS("", true, call) }),
		"clearTimeout":   p.method(p.clearTimer),
		"clearInterval":  p.method(p.clearTimer),
		"queueMicrotask": p.method(p.queueMicrotask),
		"alert":          p.method(p.alert),
		"atob":           p.method(p.atob),
		"btoa":           p.method(p.btoa),
	} {
		if err := p.global.DefineDataProperty(name, vm.ToValue(fn), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}

	if err := p.setupAccessors(); err != nil {
		return err
	}

	// Plain values
	p.global.Set("console", p.newConsole())
	p.global.Set("document", p.newDocument())
	p.global.Set("navigator", p.newNavigator())
	return nil
}

// method wraps fn so calling it with a receiver other than the window throws,
// matching how browsers guard window methods.
func (p *Page) method(fn func(goja.FunctionCall) goja.Value) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if !p.isWindowReceiver(call.This) {
			panic(p.vm.NewTypeError("Illegal invocation"))
		}
		return fn(call)
	}
}

func (p *Page) isWindowReceiver(this goja.Value) bool {
	if this == nil || goja.IsUndefined(this) || goja.IsNull(this) {
		return true
	}
	return this.SameAs(p.global)
}

func (p *Page) setupAccessors() error {
	vm := p.vm
	p.location = newLocation(p, p.config.URL)

	accessors := []struct {
		name string
		get  func() goja.Value
		set  func(goja.Value)
	}{
		{"name", func() goja.Value { return vm.ToValue(p.name) }, func(v goja.Value) { p.name = v.String() }},
		{"status", func() goja.Value { return vm.ToValue(p.status) }, func(v goja.Value) { p.status = v.String() }},
		{"location", func() goja.Value { return p.location.obj }, func(v goja.Value) { p.location.navigate(v.String()) }},
	}
	for _, a := range accessors {
		get, set := a.get, a.set
		getter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if !p.isWindowReceiver(call.This) {
				panic(vm.NewTypeError("Illegal invocation"))
			}
			return get()
		})
		setter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if !p.isWindowReceiver(call.This) {
				panic(vm.NewTypeError("Illegal invocation"))
			}
			set(call.Argument(0))
			return goja.Undefined()
		})
		if err := p.global.DefineAccessorProperty(a.name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}
	return nil
}

func (p *Page) defineEventHandler(name string) error {
	vm := p.vm
	getter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if h, ok := p.handlers[name]; ok {
			return h
		}
		return goja.Null()
	})
	setter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0)
		if _, ok := goja.AssertFunction(v); ok {
			p.handlers[name] = v
		} else {
			delete(p.handlers, name)
		}
		return goja.Undefined()
	})
	return p.proto.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// ============================================================================
// Events
// ============================================================================

func (p *Page) addEventListener(call goja.FunctionCall) goja.Value {
	if !p.isWindowReceiver(call.This) {
		panic(p.vm.NewTypeError("Illegal invocation"))
	}
	typ := call.Argument(0).String()
	fn := call.Argument(1)
	cb, ok := goja.AssertFunction(fn)
	if !ok {
		return goja.Undefined()
	}
	once := false
	if opts, ok := call.Argument(2).(*goja.Object); ok {
		if v := opts.Get("once"); v != nil {
			once = v.ToBoolean()
		}
	}
	for _, l := range p.listeners[typ] {
		if l.fn.SameAs(fn) {
			return goja.Undefined()
		}
	}
	p.listeners[typ] = append(p.listeners[typ], &listener{fn: fn, call: cb, once: once})
	return goja.Undefined()
}

func (p *Page) removeEventListener(call goja.FunctionCall) goja.Value {
	if !p.isWindowReceiver(call.This) {
		panic(p.vm.NewTypeError("Illegal invocation"))
	}
	p.removeListener(call.Argument(0).String(), call.Argument(1))
	return goja.Undefined()
}

func (p *Page) removeListener(typ string, fn goja.Value) {
	list := p.listeners[typ]
	for i, l := range list {
		if l.fn.SameAs(fn) {
			l.removed = true
			p.listeners[typ] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(p.listeners[typ]) == 0 {
		delete(p.listeners, typ)
	}
}

func (p *Page) dispatchEvent(call goja.FunctionCall) goja.Value {
	if !p.isWindowReceiver(call.This) {
		panic(p.vm.NewTypeError("Illegal invocation"))
	}
	evt, ok := call.Argument(0).(*goja.Object)
	if !ok || evt.Get("type") == nil {
		panic(p.vm.NewTypeError("Failed to execute 'dispatchEvent' on 'EventTarget': parameter 1 is not of type 'Event'."))
	}
	return p.vm.ToValue(p.fire(evt))
}

// Dispatch fires a CustomEvent of typ with detail at the window: listeners first,
// then the window's own on<typ> handler. It returns false if a handler cancelled it.
func (p *Page) Dispatch(typ string, detail any) (bool, error) {
	ctor := p.global.Get("CustomEvent")
	init := p.vm.NewObject()
	init.Set("detail", detail)
	init.Set("cancelable", true)
	evt, err := p.vm.New(ctor, p.vm.ToValue(typ), init)
	if err != nil {
		return false, err
	}
	return p.fire(evt), nil
}

func (p *Page) fire(evt *goja.Object) bool {
	typ := evt.Get("type").String()
	evt.Set("target", p.global)
	evt.Set("currentTarget", p.global)

	for _, l := range append([]*listener(nil), p.listeners[typ]...) {
		if l.removed {
			continue
		}
		if l.once {
			p.removeListener(typ, l.fn)
		}
		if _, err := l.call(p.global, evt); err != nil {
			p.ReportError(err)
		}
		if stopped := evt.Get("__stopped"); stopped != nil && stopped.ToBoolean() {
			return !defaultPrevented(evt)
		}
	}

	if h, ok := p.handlers["on"+typ]; ok {
		cb, _ := goja.AssertFunction(h)
		ret, err := cb(p.global, evt)
		if err != nil {
			p.ReportError(err)
		} else if b, ok := exportBool(ret); ok && !b {
			evt.Set("defaultPrevented", true)
		}
	}
	return !defaultPrevented(evt)
}

func exportBool(v goja.Value) (bool, bool) {
	if v == nil {
		return false, false
	}
	b, ok := v.Export().(bool)
	return b, ok
}

func defaultPrevented(evt *goja.Object) bool {
	v := evt.Get("defaultPrevented")
	return v != nil && v.ToBoolean()
}

// ============================================================================
// Timers
// ============================================================================

// ScheduleJS implements setTimeout/setInterval argument handling and schedules the
// callback on the loop under owner.
func (p *Page) ScheduleJS(owner string, repeat bool, call goja.FunctionCall) goja.Value {
	handler := call.Argument(0)
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	var extra []goja.Value
	if len(call.Arguments) > 2 {
		extra = append(extra, call.Arguments[2:]...)
	}

	var task func()
	if cb, ok := goja.AssertFunction(handler); ok {
		task = func() {
			if _, err := cb(p.global, extra...); err != nil {
				p.ReportError(err)
			}
		}
	} else {
		src := handler.String()
		task = func() {
			if _, err := p.vm.RunString(src); err != nil {
				p.ReportError(err)
			}
		}
	}

	var id int
	if repeat {
		id = p.loop.SetInterval(owner, delay, task)
	} else {
		id = p.loop.SetTimeout(owner, delay, task)
	}
	return p.vm.ToValue(id)
}

// ClearJS cancels the timer named by the first argument when it belongs to owner.
// An empty owner may clear any timer.
func (p *Page) ClearJS(owner string, call goja.FunctionCall) goja.Value {
	id := int(call.Argument(0).ToInteger())
	if owner != "" {
		if o, ok := p.loop.Owner(id); !ok || o != owner {
			return goja.Undefined()
		}
	}
	p.loop.Clear(id)
	return goja.Undefined()
}

func (p *Page) clearTimer(call goja.FunctionCall) goja.Value {
	return p.ClearJS("", call)
}

func (p *Page) queueMicrotask(call goja.FunctionCall) goja.Value {
	cb := call.Argument(0)
	if _, ok := goja.AssertFunction(cb); !ok {
		panic(p.vm.NewTypeError("Failed to execute 'queueMicrotask' on 'Window': parameter 1 is not of type 'Function'."))
	}
	report := p.vm.ToValue(func(c goja.FunctionCall) goja.Value {
		p.ReportError(fmt.Errorf("%s", c.Argument(0).String()))
		return goja.Undefined()
	})
	if _, err := p.enqueue(goja.Undefined(), cb, report); err != nil {
		panic(err)
	}
	return goja.Undefined()
}

// ============================================================================
// Helpers captured before any page script runs
// ============================================================================

// ParseJSON decodes data into a JS value
func (p *Page) ParseJSON(data []byte) (goja.Value, error) {
	return p.parse(goja.Undefined(), p.vm.ToValue(string(data)))
}

// StringifyJSON encodes v. ok is false when v has no JSON form, such as undefined
// or a function.
func (p *Page) StringifyJSON(v goja.Value) (data []byte, ok bool, err error) {
	res, err := p.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, false, err
	}
	if goja.IsUndefined(res) {
		return nil, false, nil
	}
	return []byte(res.String()), true, nil
}

// Deferred creates a pending promise with its settle functions
func (p *Page) Deferred() (promise goja.Value, resolve, reject func(goja.Value)) {
	res, err := p.deferred(goja.Undefined())
	if err != nil {
		panic(err)
	}
	d := res.ToObject(p.vm)
	res1, _ := goja.AssertFunction(d.Get("resolve"))
	rej, _ := goja.AssertFunction(d.Get("reject"))
	settle := func(fn goja.Callable) func(goja.Value) {
		return func(v goja.Value) {
			if v == nil {
				v = goja.Undefined()
			}
			_, _ = fn(goja.Undefined(), v)
		}
	}
	return d.Get("promise"), settle(res1), settle(rej)
}

// ============================================================================
// Misc window methods
// ============================================================================

func (p *Page) alert(call goja.FunctionCall) goja.Value {
	p.appendConsole("alert", call.Argument(0).String())
	return goja.Undefined()
}

func (p *Page) newConsole() *goja.Object {
	console := p.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			p.appendConsole(level, strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	return console
}

func (p *Page) appendConsole(level, msg string) {
	p.consoleMu.Lock()
	p.console = append(p.console, LogEntry{Level: level, Message: msg, Time: time.Now()})
	p.consoleMu.Unlock()
	p.logger.Debug("console", zap.String("level", level), zap.String("message", msg))
}

func (p *Page) newNavigator() *goja.Object {
	nav := p.vm.NewObject()
	nav.Set("userAgent", p.config.UserAgent)
	nav.Set("language", p.config.Language)
	nav.Set("languages", []any{p.config.Language})
	nav.Set("platform", p.config.Platform)
	nav.Set("onLine", true)
	return nav
}

const preludeSource = `(function (g) {
	function define(name, value) {
		Object.defineProperty(g, name, { value: value, writable: true, configurable: true, enumerable: false });
	}
	function Event(type, init) {
		if (!(this instanceof Event)) throw new TypeError("Failed to construct 'Event': Please use the 'new' operator");
		if (arguments.length === 0) throw new TypeError("Failed to construct 'Event': 1 argument required");
		init = init || {};
		this.type = String(type);
		this.bubbles = !!init.bubbles;
		this.cancelable = !!init.cancelable;
		this.defaultPrevented = false;
		this.target = null;
		this.currentTarget = null;
		this.timeStamp = Date.now();
		Object.defineProperty(this, "__stopped", { value: false, writable: true });
	}
	Event.prototype.preventDefault = function () { if (this.cancelable) this.defaultPrevented = true; };
	Event.prototype.stopPropagation = function () {};
	Event.prototype.stopImmediatePropagation = function () { this.__stopped = true; };
	function CustomEvent(type, init) {
		Event.call(this, type, init);
		this.detail = init && init.detail !== undefined ? init.detail : null;
	}
	CustomEvent.prototype = Object.create(Event.prototype, {
		constructor: { value: CustomEvent, writable: true, configurable: true }
	});
	define("Event", Event);
	define("CustomEvent", CustomEvent);
	return {
		enqueue: function (cb, report) {
			Promise.resolve().then(function () { cb(); }).catch(report);
		},
		deferred: function () {
			var d = {};
			d.promise = new Promise(function (resolve, reject) { d.resolve = resolve; d.reject = reject; });
			return d;
		},
		parse: JSON.parse,
		stringify: JSON.stringify
	};
})`
