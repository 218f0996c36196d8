package gm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
	"github.com/GriffinCanCode/gmsandbox/internal/store"
)

var valueGrants = []string{
	"GM_getValue", "GM_setValue", "GM_deleteValue", "GM_listValues",
	"GM_getValues", "GM_setValues", "GM_deleteValues",
	"GM_addValueChangeListener",
}

func seed(t *testing.T, values map[string]any) func(*Options) {
	return func(o *Options) {
		require.NoError(t, o.Services.Store.(*store.Memory).Seed(o.Script.ID, values))
	}
}

func TestGetValueReturnsDeepCopies(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...), seed(t, map[string]any{
		"config": map[string]any{"theme": "dark", "size": 3},
	}))
	v := f.run(t, `
		var a = GM_getValue("config");
		a.theme = "light";
		var b = GM_getValue("config");
		[a !== b, b.theme, b.size, GM_getValue("missing", "fallback"), GM_getValue("missing") === undefined].join(",")
	`)
	assert.Equal(t, "true,dark,3,fallback,true", v.String())
}

func TestSetValueWritesToStore(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...))
	f.run(t, `
		GM_setValue("n", 42);
		GM_setValue("obj", {list: [1, 2]});
		GM_setValue("gone", "x");
		GM_deleteValue("gone");
	`)
	// the cache is updated before the store answers
	assert.Equal(t, "42,2", f.run(t, `[GM_getValue("n"), GM_getValue("obj").list[1]].join(",")`).String())

	f.drain(t)
	values, keys, err := f.store.Decode(testScript)
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "obj"}, keys)
	assert.EqualValues(t, 42, values["n"])
}

func TestSetValueUndefinedDeletes(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...), seed(t, map[string]any{"k": "v"}))
	f.run(t, `GM_setValue("k", undefined)`)
	f.drain(t)
	_, keys, err := f.store.Decode(testScript)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.True(t, f.run(t, `GM_getValue("k") === undefined`).ToBoolean())
}

func TestListValuesSorted(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...), seed(t, map[string]any{"b": 1, "a": 2, "c": 3}))
	assert.Equal(t, "a,b,c", f.run(t, `GM_listValues().join(",")`).String())
}

func TestBulkValues(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...), seed(t, map[string]any{"a": 1, "b": 2}))

	v := f.run(t, `JSON.stringify(GM_getValues())`)
	assert.JSONEq(t, `{"a":1,"b":2}`, v.String())
	v = f.run(t, `JSON.stringify(GM_getValues(["a", "zzz"]))`)
	assert.JSONEq(t, `{"a":1}`, v.String())
	v = f.run(t, `JSON.stringify(GM_getValues({a: 0, z: "dflt"}))`)
	assert.JSONEq(t, `{"a":1,"z":"dflt"}`, v.String())

	f.run(t, `GM_setValues({c: 3, d: [4]}); GM_deleteValues(["a", "b"])`)
	f.drain(t)
	values, keys, err := f.store.Decode(testScript)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, keys)
	assert.EqualValues(t, 3, values["c"])
}

func TestBulkValueArgumentErrors(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...))
	_, err := f.page.RunString(`GM_setValues(5)`)
	assert.ErrorContains(t, err, "TypeError")
	_, err = f.page.RunString(`GM_getValues("x")`)
	assert.ErrorContains(t, err, "TypeError")
}

func TestWritesReachStoreInOrder(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...))
	f.run(t, `for (var i = 0; i < 50; i++) GM_setValue("counter", i);`)
	f.drain(t)
	values, _, err := f.store.Decode(testScript)
	require.NoError(t, err)
	assert.EqualValues(t, 49, values["counter"])
}

func TestLocalChangeFiresListenerNotRemote(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...), seed(t, map[string]any{"k": "old"}))
	f.run(t, `
		var seen = [];
		GM_addValueChangeListener("k", function (name, oldValue, newValue, remote) {
			seen.push([name, oldValue, newValue, remote].join("|"));
		});
		GM_setValue("k", "new");
		GM_setValue("other", 1);
	`)
	f.drain(t)
	assert.Equal(t, "k|old|new|false", f.run(t, `seen.join(";")`).String())
}

func TestRemoteChangeRefreshesCache(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...), seed(t, map[string]any{"k": 1}))
	f.run(t, `
		var seen = [];
		GM_addValueChangeListener("k", function (name, oldValue, newValue, remote) {
			seen.push(oldValue + ">" + newValue + ":" + remote);
		});
	`)

	// another tab writes through the shared store
	err := f.store.SetValues(context.Background(), testScript, "run-b", []types.ValueChange{
		{Key: "k", Value: []byte("2")},
	})
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, "1>2:true", f.run(t, `seen.join(";")`).String())
	assert.EqualValues(t, 2, f.run(t, `GM_getValue("k")`).ToInteger())

	err = f.store.SetValues(context.Background(), testScript, "run-b", []types.ValueChange{
		{Key: "k", Deleted: true},
	})
	require.NoError(t, err)
	f.drain(t)
	assert.Equal(t, "1>2:true;2>undefined:true", f.run(t, `seen.join(";")`).String())
	assert.True(t, f.run(t, `GM_getValue("k") === undefined`).ToBoolean())
}

func TestValueUpdateDirect(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...), func(o *Options) { o.ExternalUpdates = true })
	f.run(t, `
		var hits = 0;
		GM_addValueChangeListener("k", function () { hits++; });
		GM_addValueChangeListener("k", function () { hits++; });
	`)
	assert.Equal(t, 0, f.store.Subscribers(testScript))

	n := f.ctx.ValueUpdate(types.ValueUpdate{
		ScriptID: testScript,
		Sender:   "run-other",
		Changes:  []types.ValueChange{{Key: "k", Value: []byte(`"v"`)}},
	})
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 2, f.run(t, `hits`).ToInteger())
	assert.Equal(t, "v", f.run(t, `GM_getValue("k")`).String())

	// updates for other scripts are ignored
	n = f.ctx.ValueUpdate(types.ValueUpdate{ScriptID: "other", Changes: []types.ValueChange{{Key: "k", Value: []byte("1")}}})
	assert.Zero(t, n)
}

func TestRemoveValueChangeListener(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...))
	f.run(t, `
		var hits = 0;
		var id = GM_addValueChangeListener("k", function () { hits++; });
		GM_removeValueChangeListener(id);
		GM_setValue("k", 1);
	`)
	f.drain(t)
	assert.EqualValues(t, 0, f.run(t, `hits`).ToInteger())
}

func TestListenerRequiresFunction(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...))
	_, err := f.page.RunString(`GM_addValueChangeListener("k", 5)`)
	assert.ErrorContains(t, err, "TypeError")
}

func TestNoWritesAfterClose(t *testing.T) {
	f := newFixture(t, newScript(valueGrants...))
	f.run(t, `
		var hits = 0;
		GM_addValueChangeListener("k", function () { hits++; });
	`)
	f.ctx.Close()
	err := f.store.SetValues(context.Background(), testScript, "run-b", []types.ValueChange{
		{Key: "k", Value: []byte("1")},
	})
	require.NoError(t, err)
	f.drain(t)
	assert.EqualValues(t, 0, f.run(t, `hits`).ToInteger())
}
