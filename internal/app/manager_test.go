package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/gmsandbox/internal/gm"
	"github.com/GriffinCanCode/gmsandbox/internal/host"
	"github.com/GriffinCanCode/gmsandbox/internal/metablock"
	"github.com/GriffinCanCode/gmsandbox/internal/runner"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
	"github.com/GriffinCanCode/gmsandbox/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.Memory) {
	t.Helper()
	cfg := host.DefaultConfig()
	cfg.URL = "https://shop.test/cart"
	cfg.VirtualTime = true
	page, err := host.New(cfg, nil)
	require.NoError(t, err)

	st := store.NewMemory(nil)
	mgr := NewManager(Options{
		Page:        page,
		Services:    gm.Services{Store: st},
		Environment: types.Environment{SandboxMode: "proxy", TabID: 7},
	})
	t.Cleanup(mgr.Stop)
	return mgr, st
}

func parse(t *testing.T, header, body string) *types.Script {
	t.Helper()
	s, err := metablock.Parse("// ==UserScript==\n" + header + "// ==/UserScript==\n" + body)
	require.NoError(t, err)
	return s
}

func spawn(t *testing.T, mgr *Manager, st *store.Memory, s *types.Script) *runner.Runner {
	t.Helper()
	st.Register(s.ID)
	r, err := mgr.Spawn(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func drain(t *testing.T, mgr *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Drain(ctx))
}

func TestStartRunsInRunAtOrder(t *testing.T) {
	mgr, st := newManager(t)
	order := "(window.order = window.order || []).push(GM_info.script.name);"
	spawn(t, mgr, st, parse(t, "// @name idle\n// @grant none\n", order))
	spawn(t, mgr, st, parse(t, "// @name end\n// @grant none\n// @run-at document-end\n", order))
	spawn(t, mgr, st, parse(t, "// @name start\n// @grant none\n// @run-at document-start\n", order))
	spawn(t, mgr, st, parse(t, "// @name early\n// @grant none\n// @run-at document-start\n// @early-start\n", order))

	mgr.Start()
	v, err := mgr.opts.Page.RunString(`window.order.join(",")`)
	require.NoError(t, err)
	assert.Equal(t, "early,start,end,idle", v.String())

	status := mgr.Status()
	require.Len(t, status, 4)
	assert.Equal(t, "idle", status[0].Name)
	for _, st := range status {
		assert.Equal(t, runner.Completed, st.State, st.Name)
		assert.Equal(t, "bound", st.Mode)
	}
}

func TestSpawnSkipsUnmatchedPages(t *testing.T) {
	mgr, st := newManager(t)
	s := parse(t, "// @name elsewhere\n// @match https://other.test/*\n", "")
	st.Register(s.ID)
	r, err := mgr.Spawn(context.Background(), s)
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Equal(t, []string{"elsewhere"}, mgr.Skipped())
	assert.Empty(t, mgr.Status())

	spawn(t, mgr, st, parse(t, "// @name here\n// @match https://shop.test/*\n", ""))
	bg := parse(t, "// @name worker\n// @match https://other.test/*\n// @background\n", "")
	spawn(t, mgr, st, bg)
	assert.Len(t, mgr.Status(), 2)
}

func TestSpawnRejectsDuplicates(t *testing.T) {
	mgr, st := newManager(t)
	spawn(t, mgr, st, parse(t, "// @name twice\n", ""))
	_, err := mgr.Spawn(context.Background(), parse(t, "// @name twice\n", ""))
	assert.ErrorContains(t, err, "already loaded")
}

func TestSpawnBuildFailure(t *testing.T) {
	mgr, st := newManager(t)
	s := parse(t, "// @name broken\n", "function (")
	st.Register(s.ID)
	_, err := mgr.Spawn(context.Background(), s)
	assert.ErrorContains(t, err, "failed to build broken")
}

func TestFailureDoesNotStopOthers(t *testing.T) {
	mgr, st := newManager(t)
	spawn(t, mgr, st, parse(t, "// @name thrower\n", `throw new Error("boom");`))
	spawn(t, mgr, st, parse(t, "// @name fine\n", `return 40 + 2`))

	mgr.Start()
	status := mgr.Status()
	require.Len(t, status, 2)
	assert.Equal(t, runner.Failed, status[0].State)
	assert.Contains(t, status[0].Error, "boom")
	assert.Equal(t, runner.Completed, status[1].State)
	assert.Equal(t, "42", status[1].Result)
	assert.Equal(t, "sandboxed", status[1].Mode)
}

func TestReadyCorrectsEarlyStart(t *testing.T) {
	mgr, st := newManager(t)
	early := spawn(t, mgr, st, parse(t, "// @name early\n// @run-at document-start\n// @early-start\n", ""))
	late := spawn(t, mgr, st, parse(t, "// @name late\n", ""))

	assert.Equal(t, "raw", early.Context().Info().Environment().SandboxMode)
	assert.Equal(t, "proxy", late.Context().Info().Environment().SandboxMode)

	mgr.Start()
	assert.Equal(t, 1, mgr.Ready())
	assert.Equal(t, "proxy", early.Context().Info().Environment().SandboxMode)
	assert.Equal(t, 7, early.Context().Info().Environment().TabID)
	assert.Equal(t, 0, mgr.Ready())

	after := spawn(t, mgr, st, parse(t, "// @name after\n// @run-at document-start\n// @early-start\n", ""))
	assert.Equal(t, "proxy", after.Context().Info().Environment().SandboxMode)
}

func TestDispatchReachesScripts(t *testing.T) {
	mgr, st := newManager(t)
	spawn(t, mgr, st, parse(t, "// @name listener\n// @grant GM_setValue\n", `
		window.addEventListener("message", function (e) { GM_setValue("got", e.detail.data); });
	`))
	mgr.Start()

	ok, err := mgr.Dispatch("message", map[string]any{"data": "ping"})
	require.NoError(t, err)
	assert.True(t, ok)
	drain(t, mgr)

	values, _, err := st.Decode(id.ScriptID(mgr.Status()[0].ID))
	require.NoError(t, err)
	assert.Equal(t, "ping", values["got"])
}

func TestClickMenu(t *testing.T) {
	mgr, st := newManager(t)
	spawn(t, mgr, st, parse(t, "// @name menus\n// @grant GM_registerMenuCommand\n// @grant GM_setValue\n", `
		GM_registerMenuCommand("Reset", function () { GM_setValue("reset", true); });
	`))
	spawn(t, mgr, st, parse(t, "// @name bound\n// @grant none\n", ""))
	mgr.Start()

	status := mgr.Status()
	require.Len(t, status[0].Menus, 1)
	key := status[0].Menus[0].Key.Value

	require.NoError(t, mgr.ClickMenu("menus", "Reset"))
	drain(t, mgr)
	values, _, err := st.Decode(id.ScriptID(status[0].ID))
	require.NoError(t, err)
	assert.Equal(t, true, values["reset"])

	assert.NoError(t, mgr.ClickMenu("menus", key))
	assert.ErrorIs(t, mgr.ClickMenu("menus", "Nope"), ErrUnknownCommand)
	assert.ErrorIs(t, mgr.ClickMenu("bound", "Reset"), ErrUnknownCommand)
	assert.ErrorIs(t, mgr.ClickMenu("ghost", "Reset"), ErrUnknownScript)
}

func TestStopStopsEveryRunner(t *testing.T) {
	mgr, st := newManager(t)
	spawn(t, mgr, st, parse(t, "// @name ticker\n// @background\n", `setInterval(function () {}, 1000);`))
	mgr.Start()
	assert.True(t, mgr.opts.Page.Loop().Busy())

	mgr.Stop()
	assert.False(t, mgr.opts.Page.Loop().Busy())
	r, ok := mgr.Runner("ticker")
	require.True(t, ok)
	assert.Equal(t, runner.Stopped, r.State())
	assert.Equal(t, runner.Stopped, mgr.Status()[0].State)
}
