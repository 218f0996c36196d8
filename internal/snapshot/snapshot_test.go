package snapshot

import (
	"sync"
	"testing"

	"github.com/dop251/goja"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/gmsandbox/internal/host"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/monitoring"
)

func newPage(t *testing.T) *host.Page {
	t.Helper()
	p, err := host.New(host.DefaultConfig(), nil)
	require.NoError(t, err)
	return p
}

func TestBuildClassifiesDefaultTable(t *testing.T) {
	p := newPage(t)
	s, err := Build(p, DefaultTable(), nil)
	require.NoError(t, err)

	assert.Empty(t, s.Skipped())
	for _, name := range append([]string{"globalThis"}, host.SelfNames...) {
		assert.True(t, s.IsSelf(name), name)
	}
	for _, name := range []string{"addEventListener", "setTimeout", "atob"} {
		_, ok := s.Method(name)
		assert.True(t, ok, name)
	}
	for _, name := range []string{"name", "status", "location"} {
		a, ok := s.Accessor(name)
		require.True(t, ok, name)
		assert.NotNil(t, a.Get)
		assert.NotNil(t, a.Set)
	}
	assert.True(t, s.IsEventHandler("onload"))
	assert.True(t, s.IsEventHandler("onclick"))
	assert.True(t, s.IsPassThrough("document"))
	assert.True(t, s.IsPassThrough("CustomEvent"))
	assert.Contains(t, s.EventHandlers(), "onmessage")
}

func TestBoundMethodsIgnoreReceiver(t *testing.T) {
	p := newPage(t)
	s, err := Build(p, DefaultTable(), nil)
	require.NoError(t, err)

	bound, _ := s.Method("btoa")
	other := p.VM().NewObject()
	other.Set("b", bound)
	p.Global().Set("other", other)

	v, err := p.RunString(`other.b("hi")`)
	require.NoError(t, err)
	assert.Equal(t, "aGk=", v.String())

	_, err = p.RunString(`other.raw = btoa; other.raw("hi")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Illegal invocation")
}

func TestBoundMethodRethrows(t *testing.T) {
	p := newPage(t)
	s, err := Build(p, DefaultTable(), nil)
	require.NoError(t, err)

	bound, _ := s.Method("atob")
	p.Global().Set("boundAtob", bound)
	v, err := p.RunString(`try { boundAtob("%%%"); "no" } catch (e) { e instanceof TypeError ? "type" : "other" }`)
	require.NoError(t, err)
	assert.Equal(t, "type", v.String())
}

func TestMismatchedRowsAreSkipped(t *testing.T) {
	p := newPage(t)
	table := []Spec{
		{"setTimeout", KindAccessor},
		{"location", KindMethod},
		{"doesNotExist", KindMethod},
		{"atob", KindMethod},
	}
	s, err := Build(p, table, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"setTimeout", "location", "doesNotExist"}, s.Skipped())
	assert.Equal(t, []string{"atob"}, s.Names())
}

func TestClassify(t *testing.T) {
	vm := goja.New()
	nativeFn := vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	ctor, err := vm.RunString(`(function Foo() {})`)
	require.NoError(t, err)

	tests := []struct {
		name string
		key  string
		d    Descriptor
		want Kind
	}{
		{"plain method", "fetch", Descriptor{Value: nativeFn, Writable: true}, KindMethod},
		{"readonly function", "fetch", Descriptor{Value: nativeFn}, KindValue},
		{"upper-case function", "Fetch", Descriptor{Value: nativeFn, Writable: true}, KindConstructor},
		{"has prototype", "foo", Descriptor{Value: ctor, Writable: true}, KindConstructor},
		{"number", "length", Descriptor{Value: vm.ToValue(1), Writable: true}, KindValue},
		{"handler", "onload", Descriptor{Get: nativeFn, Set: nativeFn, Configurable: true, Enumerable: true}, KindEventHandler},
		{"handler without setter", "onload", Descriptor{Get: nativeFn, Configurable: true, Enumerable: true}, KindAccessor},
		{"non-enumerable handler", "onload", Descriptor{Get: nativeFn, Set: nativeFn, Configurable: true}, KindAccessor},
		{"camel case is not a handler", "onLoad", Descriptor{Get: nativeFn, Set: nativeFn, Configurable: true, Enumerable: true}, KindAccessor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.key, tt.d))
		})
	}
}

func TestBuilderBuildsOnce(t *testing.T) {
	p := newPage(t)
	m := monitoring.NewMetrics()
	b := NewBuilder(p, nil, nil, m)

	var wg sync.WaitGroup
	snaps := make([]*Snapshot, 8)
	for i := range snaps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], _ = b.Snapshot()
		}(i)
	}
	wg.Wait()

	for _, s := range snaps {
		assert.Same(t, snaps[0], s)
	}
	assert.Equal(t, float64(11), testutil.ToFloat64(m.SnapshotEntries.WithLabelValues("method")))
}
