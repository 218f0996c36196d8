package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/capability"
	"github.com/GriffinCanCode/gmsandbox/internal/gm"
	"github.com/GriffinCanCode/gmsandbox/internal/host"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/scope"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
	"github.com/GriffinCanCode/gmsandbox/internal/snapshot"
)

// State is the lifecycle position of a runner
type State int

const (
	Unloaded State = iota
	ContextBuilt
	Running
	Completed
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case ContextBuilt:
		return "context_built"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Terminal reports whether no further transition happens without a new Exec
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Stopped
}

var (
	// ErrStopped is returned by calls made after Stop
	ErrStopped = errors.New("runner stopped")
	// ErrNotBuilt is returned by Exec before Build
	ErrNotBuilt = errors.New("context not built")
	// ErrRejected wraps the reason of a rejected script promise
	ErrRejected = errors.New("script promise rejected")
)

// defaultRetryDelay applies when a RetryError carries no usable delay
const defaultRetryDelay = 5 * time.Second

// RetryError is returned by Exec when a background script asked to be run
// again later. The runner has already scheduled the retry.
type RetryError struct {
	Message string
	Delay   time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %s", e.Delay, e.Message)
}

// Deps are the collaborators shared by every runner on a page
type Deps struct {
	Page *host.Page
	// Snapshots is shared by the runners of one page; one is created when nil
	Snapshots   *snapshot.Builder
	Services    gm.Services
	Environment types.Environment
	Config      config.SandboxConfig
	// RunFlag identifies this load; generated when empty
	RunFlag         id.RunFlag
	ExternalUpdates bool
	// Capabilities overrides the default gm registry when set
	Capabilities *capability.Registry[*gm.Context]
	Logger       *logging.Logger
	Metrics      *monitoring.Metrics
}

// Runner drives one script through build, execution and teardown. Every
// method must be called on the page loop goroutine.
type Runner struct {
	deps    Deps
	script  *types.Script
	runFlag id.RunFlag
	logger  *logging.Logger
	metrics *monitoring.Metrics

	state State
	ctx   *gm.Context
	scope *scope.State
	info  *gm.Info
	fn    goja.Callable

	retryCtor goja.Value
	isRetry   goja.Callable

	// generation invalidates settlements of superseded executions
	generation int
	started    time.Time
	result     goja.Value
	err        error
}

// New prepares a runner for script. Nothing runs until Build.
func New(deps Deps, script *types.Script) (*Runner, error) {
	if deps.Page == nil {
		return nil, errors.New("runner needs a page")
	}
	if script == nil {
		return nil, errors.New("runner needs a script")
	}
	if deps.RunFlag == "" {
		deps.RunFlag = id.NewRunFlag()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Snapshots == nil {
		deps.Snapshots = snapshot.NewBuilder(deps.Page, nil, deps.Logger, deps.Metrics)
	}
	return &Runner{
		deps:    deps,
		script:  script,
		runFlag: deps.RunFlag,
		logger:  deps.Logger.ForScript(script.ID.String(), script.Name, deps.RunFlag.String()),
		metrics: deps.Metrics,
	}, nil
}

// State returns the current lifecycle state
func (r *Runner) State() State { return r.state }

// Script returns the script being run
func (r *Runner) Script() *types.Script { return r.script }

// RunFlag returns the load identity
func (r *Runner) RunFlag() id.RunFlag { return r.runFlag }

// Context returns the capability context; nil in bound mode or before Build
func (r *Runner) Context() *gm.Context { return r.ctx }

// Result returns the value of the last completed execution
func (r *Runner) Result() goja.Value { return r.result }

// Err returns the error of the last failed execution
func (r *Runner) Err() error { return r.err }

func (r *Runner) mode() string {
	if r.script.BoundMode() {
		return "bound"
	}
	return "sandboxed"
}

// Build creates the context, resolves grants and compiles the body. Calling it
// again after success is a no-op.
func (r *Runner) Build(ctx context.Context) error {
	switch r.state {
	case Stopped:
		return ErrStopped
	case Unloaded:
	default:
		return nil
	}

	body, err := r.body()
	if err != nil {
		return err
	}
	if r.script.BoundMode() {
		err = r.buildBound(body)
	} else {
		err = r.buildSandboxed(ctx, body)
	}
	if err != nil {
		r.teardown()
		return err
	}
	if r.script.IsBackground() {
		if err := r.buildRetry(); err != nil {
			r.teardown()
			return err
		}
	}

	r.state = ContextBuilt
	r.metrics.ScriptStarted()
	r.logger.Debug("context built", zap.String("mode", r.mode()))
	return nil
}

// body joins the @require sources and the script code
func (r *Runner) body() (string, error) {
	if len(r.script.Requires) == 0 {
		return r.script.Code, nil
	}
	provider := r.deps.Services.Resources
	var b strings.Builder
	for _, req := range r.script.Requires {
		if provider == nil {
			return "", fmt.Errorf("require %s: no resource provider", req)
		}
		res, ok := provider.Resource(r.script.ID, req)
		if !ok {
			return "", fmt.Errorf("require %s is not available", req)
		}
		b.WriteString(res.Text())
		b.WriteString("\n;\n")
	}
	b.WriteString(r.script.Code)
	return b.String(), nil
}

func (r *Runner) buildBound(body string) error {
	info, err := gm.NewInfo(r.deps.Page, r.script, r.deps.Environment)
	if err != nil {
		return err
	}
	r.info = info
	src := "(function (GM_info, GM) {\n" + body + "\n})"
	r.fn, err = r.compile(src)
	return err
}

func (r *Runner) buildSandboxed(ctx context.Context, body string) error {
	grants := r.script.GrantSet()
	if !r.script.HasGrant("GM_info") {
		grants = append(grants, "GM_info")
	}
	c, err := gm.New(ctx, gm.Options{
		Script:          r.script,
		RunFlag:         r.runFlag,
		Page:            r.deps.Page,
		Grants:          grants,
		Services:        r.deps.Services,
		Environment:     r.deps.Environment,
		ExternalUpdates: r.deps.ExternalUpdates,
		Registry:        r.deps.Capabilities,
		Logger:          r.logger,
		Metrics:         r.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create context: %w", err)
	}
	r.ctx = c
	r.info = c.Info()

	snap, err := r.deps.Snapshots.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot page: %w", err)
	}
	if r.scope, err = scope.NewState(snap, c.Bindings(), r.logger); err != nil {
		return fmt.Errorf("failed to create scope: %w", err)
	}

	strict := ""
	if r.deps.Config.StrictBodies {
		strict = "\"use strict\";\n"
	}
	src := "(function () {\nwith (this) {\nreturn (function () {\n" +
		strict + body + "\n}).call(this);\n}\n})"
	r.fn, err = r.compile(src)
	return err
}

func (r *Runner) compile(src string) (goja.Callable, error) {
	vm := r.deps.Page.VM()
	prog, err := goja.Compile(r.script.Name+".user.js", src, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", r.script.Name, err)
	}
	v, err := vm.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", r.script.Name, err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("failed to load %s: wrapper is not a function", r.script.Name)
	}
	return fn, nil
}

const retrySource = `(function () {
	function RetryError(message, seconds) {
		if (!(this instanceof RetryError)) return new RetryError(message, seconds);
		this.message = message === undefined ? "" : String(message);
		this.time = Number(seconds);
	}
	RetryError.prototype = Object.create(Error.prototype);
	RetryError.prototype.constructor = RetryError;
	RetryError.prototype.name = "RetryError";
	return {ctor: RetryError, is: function (v) { return v instanceof RetryError; }};
})()`

func (r *Runner) buildRetry() error {
	vm := r.deps.Page.VM()
	v, err := vm.RunString(retrySource)
	if err != nil {
		return fmt.Errorf("failed to create RetryError: %w", err)
	}
	obj := v.ToObject(vm)
	r.retryCtor = obj.Get("ctor")
	r.isRetry, _ = goja.AssertFunction(obj.Get("is"))
	return nil
}

// transient returns the per-execution names of background scripts
func (r *Runner) transient() map[string]goja.Value {
	if !r.script.IsBackground() {
		return nil
	}
	page, owner := r.deps.Page, r.runFlag.String()
	vm := page.VM()
	return map[string]goja.Value{
		"setTimeout": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return page.ScheduleJS(owner, false, call)
		}),
		"setInterval": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return page.ScheduleJS(owner, true, call)
		}),
		"clearTimeout": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return page.ClearJS(owner, call)
		}),
		"clearInterval": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return page.ClearJS(owner, call)
		}),
		"RetryError": r.retryCtor,
	}
}

// Exec runs the body once. A returned promise keeps the runner Running until it
// settles. A background script that throws or rejects with RetryError is
// rescheduled and Exec returns a *RetryError.
func (r *Runner) Exec() (goja.Value, error) {
	switch r.state {
	case Stopped:
		return nil, ErrStopped
	case Unloaded:
		return nil, ErrNotBuilt
	}

	r.generation++
	gen := r.generation
	r.state = Running
	r.started = time.Now()
	r.result, r.err = nil, nil

	var res goja.Value
	var err error
	if r.script.BoundMode() {
		gmObj := r.deps.Page.VM().NewObject()
		_ = gmObj.Set("info", r.info.Object())
		res, err = r.fn(r.deps.Page.Global(), r.info.Object(), gmObj)
	} else {
		sb := r.scope.NewSandbox(r.transient())
		res, err = r.fn(sb.Object())
	}
	if gen != r.generation {
		// stopped or re-executed from inside the body
		return res, err
	}
	if err != nil {
		var thrown goja.Value
		var exc *goja.Exception
		if errors.As(err, &exc) {
			thrown = exc.Value()
		}
		return nil, r.fail(thrown, err)
	}

	if then, ok := thenable(res); ok {
		r.await(gen, res, then)
		return res, nil
	}
	r.complete(res)
	return res, nil
}

func thenable(v goja.Value) (goja.Callable, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	return goja.AssertFunction(obj.Get("then"))
}

func (r *Runner) await(gen int, promise goja.Value, then goja.Callable) {
	vm := r.deps.Page.VM()
	onFulfilled := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if gen == r.generation && r.state == Running {
			r.complete(call.Argument(0))
		}
		return goja.Undefined()
	})
	onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if gen == r.generation && r.state == Running {
			reason := call.Argument(0)
			_ = r.fail(reason, fmt.Errorf("%w: %s", ErrRejected, reason.String()))
		}
		return goja.Undefined()
	})
	if _, err := then(promise, onFulfilled, onRejected); err != nil {
		_ = r.fail(nil, err)
	}
}

func (r *Runner) complete(res goja.Value) {
	r.state = Completed
	r.result = res
	r.metrics.RecordRun(r.mode(), "completed", time.Since(r.started))
	r.logger.Debug("script completed", zap.Duration("elapsed", time.Since(r.started)))
}

// fail records a failed execution, or schedules a retry when thrown is a
// RetryError
func (r *Runner) fail(thrown goja.Value, err error) error {
	if retry := r.asRetry(thrown); retry != nil {
		r.scheduleRetry(retry)
		return retry
	}
	r.state = Failed
	r.err = fmt.Errorf("script %s failed: %w", r.script.Name, err)
	r.metrics.RecordRun(r.mode(), "failed", time.Since(r.started))
	r.logger.Warn("script failed", zap.Error(err))
	return r.err
}

func (r *Runner) asRetry(thrown goja.Value) *RetryError {
	if r.isRetry == nil || thrown == nil {
		return nil
	}
	ok, err := r.isRetry(goja.Undefined(), thrown)
	if err != nil || !ok.ToBoolean() {
		return nil
	}
	obj := thrown.ToObject(r.deps.Page.VM())
	delay := defaultRetryDelay
	if secs := obj.Get("time").ToFloat(); secs > 0 {
		delay = time.Duration(secs * float64(time.Second))
	}
	return &RetryError{Message: obj.Get("message").String(), Delay: delay}
}

func (r *Runner) scheduleRetry(retry *RetryError) {
	r.state = ContextBuilt
	r.metrics.RecordRun(r.mode(), "retry", time.Since(r.started))
	r.metrics.RecordRetry()
	r.logger.Info("script asked to retry",
		zap.String("message", retry.Message),
		zap.Duration("delay", retry.Delay))

	gen := r.generation
	r.deps.Page.Loop().SetTimeout(r.runFlag.String(), retry.Delay, func() {
		if gen != r.generation || r.state != ContextBuilt {
			return
		}
		if _, err := r.Exec(); err != nil {
			var again *RetryError
			if !errors.As(err, &again) {
				r.logger.Debug("retried run failed", zap.Error(err))
			}
		}
	})
}

// EmitEvent delivers a host event to the context. It reports whether a
// handler was registered.
func (r *Runner) EmitEvent(event, eventID string, data any) bool {
	if r.ctx == nil || r.state == Stopped {
		return false
	}
	return r.ctx.EmitEvent(event, eventID, data)
}

// ValueUpdate forwards a store update and returns the number of listener calls
func (r *Runner) ValueUpdate(u types.ValueUpdate) int {
	if r.ctx == nil || r.state == Stopped {
		return 0
	}
	return r.ctx.ValueUpdate(u)
}

// Correct replaces a placeholder environment once
func (r *Runner) Correct(env types.Environment) bool {
	if r.state == Stopped {
		return false
	}
	if r.ctx != nil {
		return r.ctx.Correct(env)
	}
	if r.info != nil {
		return r.info.Correct(env)
	}
	return false
}

// Stop cancels the script's timers, closes its context and removes its
// listeners. It is idempotent.
func (r *Runner) Stop() {
	if r.state == Stopped {
		return
	}
	built := r.state != Unloaded
	r.generation++
	r.teardown()
	r.state = Stopped
	if built {
		r.metrics.ScriptStopped()
		r.logger.Debug("script stopped")
	}
}

func (r *Runner) teardown() {
	if n := r.deps.Page.Loop().CancelOwner(r.runFlag.String()); n > 0 {
		r.logger.Debug("cancelled timers", zap.Int("count", n))
	}
	if r.ctx != nil {
		r.ctx.Close()
	}
	if r.scope != nil {
		r.scope.Close()
	}
}
