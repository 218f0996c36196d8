package capability

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiver struct {
	name  string
	calls []string
}

func constant(s string) Func[*receiver] {
	return func(recv *receiver, call goja.FunctionCall) goja.Value {
		recv.calls = append(recv.calls, s)
		return goja.Undefined()
	}
}

func call(t *testing.T, v goja.Value, args ...goja.Value) goja.Value {
	t.Helper()
	fn, ok := goja.AssertFunction(v)
	require.True(t, ok)
	out, err := fn(goja.Undefined(), args...)
	require.NoError(t, err)
	return out
}

func TestRegisterPrimaryFirstWins(t *testing.T) {
	r := NewRegistry[*receiver]()
	assert.True(t, r.Register("A", constant("first"), Options{Dependencies: []string{"B"}}))
	assert.False(t, r.Register("A", constant("second"), Options{}))
	assert.Equal(t, 1, r.Len())

	e, ok := r.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, []string{"B"}, e.Dependencies)

	vm := goja.New()
	recv := &receiver{}
	b := r.Resolve(vm, []string{"A"}, recv, Hooks{})
	v, ok := b.Get("A")
	require.True(t, ok)
	call(t, v)
	assert.Equal(t, []string{"first"}, recv.calls)
}

func TestAliasLastWriteWins(t *testing.T) {
	r := NewRegistry[*receiver]()
	r.Register("A", constant("a"), Options{Aliases: []string{"X"}})
	r.Register("B", constant("b"), Options{Aliases: []string{"X"}})
	// A rejected duplicate still claims its aliases
	r.Register("A", constant("a2"), Options{Aliases: []string{"Y"}})

	vm := goja.New()
	recv := &receiver{}
	b := r.Resolve(vm, []string{"X", "Y"}, recv, Hooks{})

	call(t, mustGet(t, b, "X"))
	call(t, mustGet(t, b, "Y"))
	assert.Equal(t, []string{"b", "a2"}, recv.calls)

	// Resolving A does not expose X, which now belongs to B
	b2 := r.Resolve(vm, []string{"A"}, recv, Hooks{})
	assert.False(t, b2.Has("X"))
}

func TestResolveDependencyClosure(t *testing.T) {
	r := NewRegistry[*receiver]()
	r.Register("A", constant("a"), Options{Dependencies: []string{"B"}})
	r.Register("B", constant("b"), Options{Dependencies: []string{"C", "missing"}})
	r.Register("C", constant("c"), Options{})
	r.Register("D", constant("d"), Options{})

	var dropped []string
	b := r.Resolve(goja.New(), []string{"A"}, &receiver{}, Hooks{OnDrop: func(n string) { dropped = append(dropped, n) }})

	assert.ElementsMatch(t, []string{"A", "B", "C"}, b.Names())
	assert.False(t, b.Has("D"))
	assert.Equal(t, []string{"missing"}, dropped)
}

func TestResolveCycleSafe(t *testing.T) {
	r := NewRegistry[*receiver]()
	r.Register("A", constant("a"), Options{Dependencies: []string{"B"}})
	r.Register("B", constant("b"), Options{Dependencies: []string{"A"}})

	b := r.Resolve(goja.New(), []string{"A"}, &receiver{}, Hooks{})
	assert.ElementsMatch(t, []string{"A", "B"}, b.Names())
}

func TestResolveUnknownGrantsDropped(t *testing.T) {
	r := NewRegistry[*receiver]()
	r.Register("A", constant("a"), Options{})

	b := r.Resolve(goja.New(), []string{"nope", "A", "nope"}, &receiver{}, Hooks{})
	assert.Equal(t, []string{"A"}, b.Names())
}

func TestResolveOrderIndependent(t *testing.T) {
	r := NewRegistry[*receiver]()
	r.Register("A", constant("a"), Options{Dependencies: []string{"C"}})
	r.Register("B", constant("b"), Options{})
	r.Register("C", constant("c"), Options{})
	r.Register("GM.x", constant("x"), Options{})

	vm := goja.New()
	b1 := r.Resolve(vm, []string{"A", "B", "GM.x"}, &receiver{}, Hooks{})
	b2 := r.Resolve(vm, []string{"GM.x", "B", "A", "B"}, &receiver{}, Hooks{})
	assert.ElementsMatch(t, b1.Names(), b2.Names())
}

func TestDottedAndUnderscoredCoexist(t *testing.T) {
	r := NewRegistry[*receiver]()
	r.Register("GM_getValue", constant("sync"), Options{})
	r.Register("GM.getValue", constant("promise"), Options{})
	r.Register("GM.setValue", constant("set"), Options{})

	vm := goja.New()
	recv := &receiver{}
	b := r.Resolve(vm, []string{"GM_getValue", "GM.getValue", "GM.setValue"}, recv, Hooks{})

	assert.ElementsMatch(t, []string{"GM_getValue", "GM"}, b.Names())
	gm, ok := mustGet(t, b, "GM").(*goja.Object)
	require.True(t, ok)
	call(t, gm.Get("getValue"))
	call(t, gm.Get("setValue"))
	call(t, mustGet(t, b, "GM_getValue"))
	assert.Equal(t, []string{"promise", "set", "sync"}, recv.calls)
}

func TestValueCapabilityBoundToReceiver(t *testing.T) {
	r := NewRegistry[*receiver]()
	vm := goja.New()
	r.RegisterValue("GM_info", func(recv *receiver) goja.Value {
		return vm.ToValue(recv.name)
	}, Options{Aliases: []string{"GM.info"}})

	b := r.Resolve(vm, []string{"GM_info"}, &receiver{name: "demo"}, Hooks{})
	assert.Equal(t, "demo", mustGet(t, b, "GM_info").String())
	gm := mustGet(t, b, "GM").(*goja.Object)
	assert.Equal(t, "demo", gm.Get("info").String())
}

func TestOnCallHook(t *testing.T) {
	r := NewRegistry[*receiver]()
	r.Register("GM_log", constant("log"), Options{Aliases: []string{"GM.log"}})

	var seen []string
	b := r.Resolve(goja.New(), []string{"GM.log"}, &receiver{}, Hooks{OnCall: func(n string) { seen = append(seen, n) }})
	call(t, mustGet(t, b, "GM_log"))
	assert.Equal(t, []string{"GM_log"}, seen)
}

func TestBindingsMutation(t *testing.T) {
	vm := goja.New()
	b := NewBindings(vm)
	b.install("a", vm.ToValue(1))
	b.install("a", vm.ToValue(2))
	assert.Equal(t, int64(1), mustGet(t, b, "a").ToInteger())

	assert.True(t, b.Set("a", vm.ToValue(3)))
	assert.False(t, b.Set("b", vm.ToValue(3)))
	assert.Equal(t, int64(3), mustGet(t, b, "a").ToInteger())

	assert.True(t, b.Delete("a"))
	assert.False(t, b.Delete("a"))
	assert.Empty(t, b.Names())

	b.SetInternal("runFlag", "r1")
	assert.True(t, b.Hidden("runFlag"))
	v, ok := b.Internal("runFlag")
	assert.True(t, ok)
	assert.Equal(t, "r1", v)
	assert.False(t, b.Has("runFlag"))
}

func mustGet(t *testing.T, b *Bindings, name string) goja.Value {
	t.Helper()
	v, ok := b.Get(name)
	require.True(t, ok, name)
	return v
}
