package host

import (
	"context"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T) *Page {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = "https://example.com/path?q=1#frag"
	cfg.VirtualTime = true
	p, err := New(cfg, nil)
	require.NoError(t, err)
	return p
}

func run(t *testing.T, p *Page, src string) goja.Value {
	t.Helper()
	v, err := p.RunString(src)
	require.NoError(t, err)
	return v
}

func TestSelfNamesAreGlobal(t *testing.T) {
	p := newTestPage(t)
	v := run(t, p, `window === globalThis && self === window && top === window && parent === window && frames === window`)
	assert.True(t, v.ToBoolean())
}

func TestWindowMethodsRejectForeignReceiver(t *testing.T) {
	p := newTestPage(t)
	_, err := p.RunString(`setTimeout.call({}, function(){}, 0)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Illegal invocation")

	_, err = p.RunString(`addEventListener.call({}, "load", function(){})`)
	require.Error(t, err)
}

func TestEventTargetLivesOnPrototype(t *testing.T) {
	p := newTestPage(t)
	v := run(t, p, `!Object.prototype.hasOwnProperty.call(window, "addEventListener") &&
		Object.getPrototypeOf(window).hasOwnProperty("addEventListener") &&
		Object.getPrototypeOf(window).hasOwnProperty("onload")`)
	assert.True(t, v.ToBoolean())
}

func TestDispatchListenersThenHandler(t *testing.T) {
	p := newTestPage(t)
	run(t, p, `
		var order = [];
		addEventListener("load", function (e) { order.push("listener:" + e.detail); });
		onload = function (e) { order.push("handler"); };
	`)
	ok, err := p.Dispatch("load", "x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "listener:x,handler", run(t, p, `order.join()`).String())
}

func TestListenerDedupAndOnce(t *testing.T) {
	p := newTestPage(t)
	run(t, p, `
		var n = 0;
		function f() { n++; }
		addEventListener("ping", f);
		addEventListener("ping", f);
		addEventListener("ping", function () { n += 10; }, { once: true });
	`)
	assert.Equal(t, 2, p.ListenerCount("ping"))
	_, err := p.Dispatch("ping", nil)
	require.NoError(t, err)
	_, err = p.Dispatch("ping", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), run(t, p, `n`).ToInteger())
	assert.Equal(t, 1, p.ListenerCount("ping"))

	run(t, p, `removeEventListener("ping", f)`)
	assert.Equal(t, 0, p.ListenerCount("ping"))
}

func TestHandlerCoercesNonFunctions(t *testing.T) {
	p := newTestPage(t)
	assert.True(t, run(t, p, `onclick = 5; onclick === null`).ToBoolean())
}

func TestHandlerReturningFalseCancels(t *testing.T) {
	p := newTestPage(t)
	run(t, p, `onsubmit = function () { return false; }`)
	ok, err := p.Dispatch("submit", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListenerErrorsAreReported(t *testing.T) {
	p := newTestPage(t)
	run(t, p, `addEventListener("boom", function () { throw new Error("bad"); })`)
	_, err := p.Dispatch("boom", nil)
	require.NoError(t, err)
	entries := p.Console()
	require.NotEmpty(t, entries)
	assert.Equal(t, "error", entries[len(entries)-1].Level)
	assert.Contains(t, entries[len(entries)-1].Message, "bad")
}

func TestTimersRunOnLoop(t *testing.T) {
	p := newTestPage(t)
	run(t, p, `
		var log = [];
		setTimeout(function (a) { log.push("t" + a); }, 50, 1);
		var id = setInterval(function () { log.push("i"); if (log.length >= 3) clearInterval(id); }, 20);
		queueMicrotask(function () { log.push("m"); });
	`)
	assert.Equal(t, "m", run(t, p, `log.join()`).String())
	require.NoError(t, p.Loop().Drain(context.Background()))
	assert.Equal(t, "m,i,i,t1", run(t, p, `log.join()`).String())
}

func TestClearJSRespectsOwner(t *testing.T) {
	p := newTestPage(t)
	id := p.Loop().SetTimeout("script", 0, func() {})
	call := goja.FunctionCall{Arguments: []goja.Value{p.VM().ToValue(id)}}

	p.ClearJS("other", call)
	assert.Equal(t, 1, p.Loop().Pending("script"))
	p.ClearJS("script", call)
	assert.Equal(t, 0, p.Loop().Pending("script"))
}

func TestAccessors(t *testing.T) {
	p := newTestPage(t)
	assert.Equal(t, "example.com", run(t, p, `location.hostname`).String())
	assert.Equal(t, "?q=1", run(t, p, `location.search`).String())
	assert.Equal(t, "https://example.com", run(t, p, `location.origin`).String())

	run(t, p, `name = "win"; status = "ok"; location = "/next"`)
	assert.Equal(t, "win", run(t, p, `name`).String())
	assert.Equal(t, "https://example.com/next", p.URL())
	assert.Equal(t, []string{"https://example.com/next"}, p.Navigations())
}

func TestBase64(t *testing.T) {
	p := newTestPage(t)
	assert.Equal(t, "aGVsbG8=", run(t, p, `btoa("hello")`).String())
	assert.Equal(t, "hello", run(t, p, `atob("aGVs bG8=")`).String())
	_, err := p.RunString(`btoa("☃")`)
	assert.Error(t, err)
}

func TestDocumentElements(t *testing.T) {
	p := newTestPage(t)
	run(t, p, `
		var s = document.createElement("style");
		s.id = "x";
		s.textContent = "body{}";
		document.head.appendChild(s);
	`)
	assert.True(t, run(t, p, `document.getElementById("x") === s && s.parentNode === document.head`).ToBoolean())
	found := p.DOM().Query("#x")
	require.Len(t, found, 1)
	assert.Equal(t, "body{}", found[0].TextContent)
	assert.NotEmpty(t, p.DOM().GetChanges())
}

func TestConsoleCapture(t *testing.T) {
	p := newTestPage(t)
	run(t, p, `console.warn("a", 1); alert("hi")`)
	entries := p.Console()
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, "a 1", entries[0].Message)
	assert.Equal(t, "alert", entries[1].Level)
}
