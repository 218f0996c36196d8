package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/gmsandbox/internal/gm"
	"github.com/GriffinCanCode/gmsandbox/internal/host"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/gmsandbox/internal/resource"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
	"github.com/GriffinCanCode/gmsandbox/internal/snapshot"
	"github.com/GriffinCanCode/gmsandbox/internal/store"
)

const testScript id.ScriptID = "script-1"

type fixture struct {
	page  *host.Page
	store *store.Memory
	rec   *gm.Recorder
	res   *resource.Memory
	deps  Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := host.DefaultConfig()
	cfg.VirtualTime = true
	cfg.URL = "https://page.test/"
	page, err := host.New(cfg, nil)
	require.NoError(t, err)

	st := store.NewMemory(nil)
	st.Register(testScript)
	f := &fixture{page: page, store: st, rec: gm.NewRecorder(), res: resource.NewMemory()}
	f.deps = Deps{
		Page:      page,
		Snapshots: snapshot.NewBuilder(page, nil, nil, nil),
		Services: gm.Services{
			Store:     st,
			Resources: f.res,
			Menus:     f.rec,
			Notifier:  f.rec,
		},
		Environment: types.Environment{SandboxMode: "raw"},
		RunFlag:     "run-a",
	}
	return f
}

func script(code string, grants ...string) *types.Script {
	return &types.Script{
		ID:      testScript,
		Name:    "Runner Test",
		Version: "0.1",
		Grants:  grants,
		Code:    code,
	}
}

func (f *fixture) build(t *testing.T, s *types.Script) *Runner {
	t.Helper()
	r, err := New(f.deps, s)
	require.NoError(t, err)
	require.NoError(t, r.Build(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func (f *fixture) exec(t *testing.T, r *Runner) goja.Value {
	t.Helper()
	v, err := r.Exec()
	require.NoError(t, err)
	return v
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.page.Loop().Drain(ctx))
}

func TestGetValueEndToEnd(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Seed(testScript, map[string]any{"k": "v"}))
	r := f.build(t, script(`return GM_getValue("k")`, "GM_getValue"))

	assert.Equal(t, "v", f.exec(t, r).String())
	assert.Equal(t, Completed, r.State())
	assert.Equal(t, "v", r.Result().String())
}

func TestBoundModeSeesTrueGlobal(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`
		return {
			self: this,
			name: GM_info.script.name,
			sameInfo: GM.info === GM_info,
			caps: typeof GM_getValue + "," + typeof GM_setValue + "," + typeof GM.getValue
		};
	`, "none", "GM_getValue", "GM.getValue"))

	obj := f.exec(t, r).ToObject(f.page.VM())
	assert.Same(t, f.page.Global(), obj.Get("self").(*goja.Object))
	assert.Equal(t, "Runner Test", obj.Get("name").String())
	assert.True(t, obj.Get("sameInfo").ToBoolean())
	assert.Equal(t, "undefined,undefined,undefined", obj.Get("caps").String())
	assert.Nil(t, r.Context())
}

func TestEventHandlerStaysVirtual(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`onload = () => 1; return typeof onload`))

	assert.Equal(t, "function", f.exec(t, r).String())
	assert.True(t, goja.IsNull(f.page.Global().Get("onload")))
	assert.Equal(t, 1, f.page.ListenerCount("load"))

	// the handler survives into the next execution
	r2 := f.exec(t, r)
	assert.Equal(t, "function", r2.String())
	assert.Equal(t, 1, f.page.ListenerCount("load"))
}

func TestSelfNamesAreSandbox(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`return [window === this, self === window, top === window, frames === self].join(",")`))
	assert.Equal(t, "true,true,true,true", f.exec(t, r).String())

	r = f.build(t, script(`return window`))
	assert.NotSame(t, f.page.Global(), f.exec(t, r).(*goja.Object))
}

func TestGlobalThisIsSandbox(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`globalThis.leaked = 1; return [globalThis === window, globalThis === this, leaked].join(",")`))
	assert.Equal(t, "true,true,1", f.exec(t, r).String())
	assert.Nil(t, f.page.Global().Get("leaked"))

	r = f.build(t, script(`return globalThis`))
	assert.NotSame(t, f.page.Global(), f.exec(t, r).(*goja.Object))
}

func TestOneShotResetsEachExec(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`return [$ === this, typeof $].join(",")`))
	assert.Equal(t, "true,undefined", f.exec(t, r).String())
	assert.Equal(t, "true,undefined", f.exec(t, r).String())
}

func TestGMInfoIsImplicit(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`return GM_info.script.version + "|" + typeof GM_getValue`))
	assert.Equal(t, "0.1|undefined", f.exec(t, r).String())
}

func TestLifecycleErrors(t *testing.T) {
	f := newFixture(t)
	r, err := New(f.deps, script(`return 1`))
	require.NoError(t, err)
	assert.Equal(t, Unloaded, r.State())

	_, err = r.Exec()
	assert.ErrorIs(t, err, ErrNotBuilt)

	require.NoError(t, r.Build(context.Background()))
	require.NoError(t, r.Build(context.Background()))
	assert.Equal(t, ContextBuilt, r.State())

	r.Stop()
	r.Stop()
	assert.Equal(t, Stopped, r.State())
	_, err = r.Exec()
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, r.Build(context.Background()), ErrStopped)

	_, err = New(Deps{}, script(""))
	assert.Error(t, err)
}

func TestCompileError(t *testing.T) {
	f := newFixture(t)
	r, err := New(f.deps, script(`return (`))
	require.NoError(t, err)
	assert.Error(t, r.Build(context.Background()))
	assert.Equal(t, Unloaded, r.State())
}

func TestThrowFails(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`throw new Error("boom")`))

	_, err := r.Exec()
	require.Error(t, err)
	assert.Equal(t, Failed, r.State())
	assert.Contains(t, err.Error(), "boom")
	var exc *goja.Exception
	assert.True(t, errors.As(err, &exc))
	assert.Equal(t, err, r.Err())
}

func TestUndefinedIdentifierIsReferenceError(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`return notDefinedAnywhere`))
	_, err := r.Exec()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReferenceError")
}

func TestPromiseResult(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`return new Promise(function (resolve) { setTimeout(function () { resolve(5); }, 100); })`))
	f.exec(t, r)
	assert.Equal(t, Running, r.State())

	f.drain(t)
	assert.Equal(t, Completed, r.State())
	assert.EqualValues(t, 5, r.Result().ToInteger())
}

func TestPendingPromiseNeverTerminal(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`return new Promise(function () {})`))
	f.exec(t, r)
	f.drain(t)
	assert.Equal(t, Running, r.State())
	assert.False(t, r.State().Terminal())
}

func TestRejectedPromiseFails(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`return Promise.reject(new Error("nope"))`))
	f.exec(t, r)
	f.drain(t)
	assert.Equal(t, Failed, r.State())
	assert.ErrorIs(t, r.Err(), ErrRejected)
	assert.Contains(t, r.Err().Error(), "nope")
}

func TestBackgroundRetry(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	f.deps.Metrics = monitoring.NewMetricsWith(reg)

	s := script(`
		this.runs = (this.runs || 0) + 1;
		if (this.runs < 3) throw new RetryError("again", 10);
		return this.runs;
	`)
	s.Type = types.ScriptTypeBackground
	r := f.build(t, s)

	_, err := r.Exec()
	var retry *RetryError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, "again", retry.Message)
	assert.Equal(t, 10*time.Second, retry.Delay)
	assert.Equal(t, ContextBuilt, r.State())

	f.drain(t)
	assert.Equal(t, Completed, r.State())
	assert.EqualValues(t, 3, r.Result().ToInteger())
	assert.Equal(t, float64(2), testutil.ToFloat64(f.deps.Metrics.ScriptRetries))
}

func TestBackgroundRetryFromRejection(t *testing.T) {
	f := newFixture(t)
	s := script(`
		this.tries = (this.tries || 0) + 1;
		if (this.tries === 1) return Promise.reject(RetryError("later"));
		return "ok";
	`)
	s.Type = types.ScriptTypeCrontab
	r := f.build(t, s)

	f.exec(t, r)
	assert.Equal(t, ContextBuilt, r.State())
	f.drain(t)
	assert.Equal(t, Completed, r.State())
	assert.Equal(t, "ok", r.Result().String())
}

func TestRetryErrorOnlyForBackground(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`return typeof RetryError`))
	assert.Equal(t, "undefined", f.exec(t, r).String())
}

func TestStopCancelsEverything(t *testing.T) {
	f := newFixture(t)
	s := script(`
		this.ticks = 0;
		setInterval(function () { ticks++; }, 1000);
		onload = function () {};
		GM_registerMenuCommand("cmd", function () {});
	`, "GM_registerMenuCommand")
	s.Type = types.ScriptTypeBackground
	r := f.build(t, s)
	f.exec(t, r)

	owner := r.RunFlag().String()
	assert.Equal(t, 1, f.page.Loop().Pending(owner))
	assert.Equal(t, 1, f.page.ListenerCount("load"))
	assert.Len(t, f.rec.Menus(testScript), 1)
	assert.True(t, r.EmitEvent("menuClick", "1", nil))

	r.Stop()
	assert.Zero(t, f.page.Loop().Pending(owner))
	assert.Zero(t, f.page.ListenerCount("load"))
	assert.Empty(t, f.rec.Menus(testScript))
	assert.False(t, r.EmitEvent("menuClick", "1", nil))
	assert.Zero(t, f.store.Subscribers(testScript))
	r.Stop()
}

func TestValueUpdateRemoteness(t *testing.T) {
	f := newFixture(t)
	f.deps.ExternalUpdates = true
	r := f.build(t, script(`
		this.seen = [];
		GM_addValueChangeListener("k", function (name, oldValue, newValue, remote) { seen.push(remote); });
	`, "GM_addValueChangeListener"))
	f.exec(t, r)

	change := []types.ValueChange{{Key: "k", Value: []byte("1")}}
	assert.Equal(t, 1, r.ValueUpdate(types.ValueUpdate{ScriptID: testScript, Sender: "run-a", Changes: change}))
	assert.Equal(t, 1, r.ValueUpdate(types.ValueUpdate{ScriptID: testScript, Sender: "run-b", Changes: change}))

	own, ok := r.scope.Own("seen")
	require.True(t, ok)
	assert.Equal(t, "false,true", own.String())
}

func TestCorrectPlaceholder(t *testing.T) {
	for _, grants := range [][]string{nil, {"none"}} {
		f := newFixture(t)
		f.deps.Environment = types.PlaceholderEnvironment()
		s := script(`return GM_info`, grants...)
		s.EarlyStart = true
		r := f.build(t, s)
		info := f.exec(t, r).ToObject(f.page.VM())

		assert.True(t, r.Correct(types.Environment{SandboxMode: "isolated", TabID: 4}))
		assert.False(t, r.Correct(types.Environment{SandboxMode: "other"}))
		assert.Equal(t, "isolated", info.Get("sandboxMode").String())
	}
}

func TestRequiresArePrepended(t *testing.T) {
	f := newFixture(t)
	f.res.Add(testScript, "https://cdn.test/lib.js", "https://cdn.test/lib.js", "text/javascript", []byte(`var lib = {twice: function (n) { return n * 2; }};`))
	s := script(`return lib.twice(21)`)
	s.Requires = []string{"https://cdn.test/lib.js"}
	r := f.build(t, s)
	assert.EqualValues(t, 42, f.exec(t, r).ToInteger())

	missing := script(`return 1`)
	missing.Requires = []string{"https://cdn.test/other.js"}
	r2, err := New(f.deps, missing)
	require.NoError(t, err)
	assert.ErrorContains(t, r2.Build(context.Background()), "other.js")
}

func TestStrictBodies(t *testing.T) {
	f := newFixture(t)
	r := f.build(t, script(`leaked = 1; return typeof leaked`))
	assert.Equal(t, "number", f.exec(t, r).String())
	assert.EqualValues(t, 1, f.page.Global().Get("leaked").ToInteger())

	f = newFixture(t)
	f.deps.Config.StrictBodies = true
	r = f.build(t, script(`leaked = 1`))
	_, err := r.Exec()
	assert.ErrorContains(t, err, "ReferenceError")
}

func TestRunnersShareSnapshot(t *testing.T) {
	f := newFixture(t)
	a := f.build(t, script(`this.mine = "a"; return typeof other`))
	other := script(`this.other = "b"; return typeof mine`)
	other.ID = "script-2"
	f.store.Register(other.ID)
	b := f.build(t, other)

	assert.Equal(t, "undefined", f.exec(t, a).String())
	assert.Equal(t, "undefined", f.exec(t, b).String())
}
