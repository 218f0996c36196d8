package gm

import (
	"strconv"
	"testing"

	"github.com/dop251/goja"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var menuGrants = []string{"GM_registerMenuCommand"}

func TestMenuSequentialIDs(t *testing.T) {
	f := newFixture(t, newScript(menuGrants...))
	v := f.run(t, `[
		GM_registerMenuCommand("a", function () {}),
		GM_registerMenuCommand("b", function () {}),
		GM_registerMenuCommand("a", function () {})
	].join(",")`)
	assert.Equal(t, "1,2,1", v.String())
	assert.Len(t, f.ctx.Menus(), 2)
}

func TestMenuExplicitKeys(t *testing.T) {
	f := newFixture(t, newScript(menuGrants...))
	v := f.run(t, `
		var out = [];
		out.push(GM_registerMenuCommand("a", function () {}, {id: "custom"}));
		out.push(GM_registerMenuCommand("b", function () {}, {id: 10}));
		out.push(GM_registerMenuCommand("c", function () {}));
		out.push(GM_registerMenuCommand("renamed", function () {}, {id: "custom"}));
		out.join(",")
	`)
	assert.Equal(t, "custom,10,11,custom", v.String())

	menus := f.ctx.Menus()
	require.Len(t, menus, 3)
	assert.Equal(t, MenuKey{Type: "string", Value: "custom"}, menus[0].Key)
	assert.Equal(t, "renamed", menus[0].Name)
	assert.Equal(t, MenuKey{Type: "number", Value: "10"}, menus[1].Key)
}

func TestMenuKeyTypesAreDistinct(t *testing.T) {
	f := newFixture(t, newScript(menuGrants...))
	f.run(t, `
		var hits = [];
		GM_registerMenuCommand("n", function () { hits.push("num"); }, {id: 1});
		GM_registerMenuCommand("s", function () { hits.push("str"); }, {id: "1"});
	`)
	menus := f.ctx.Menus()
	require.Len(t, menus, 2)
	assert.Equal(t, "number:1", menus[0].Key.EventID())
	assert.Equal(t, "string:1", menus[1].Key.EventID())

	assert.True(t, f.ctx.EmitEvent("menuClick", "number:1", nil))
	assert.True(t, f.ctx.EmitEvent("menuClick", "string:1", nil))
	assert.True(t, f.ctx.EmitEvent("menuClick", "1", nil))
	assert.Equal(t, "num,str,str", f.run(t, `hits.join(",")`).String())

	f.run(t, `GM_unregisterMenuCommand("1")`)
	require.Len(t, f.ctx.Menus(), 1)
	assert.False(t, f.ctx.EmitEvent("menuClick", "string:1", nil))
	assert.True(t, f.ctx.EmitEvent("menuClick", "number:1", nil))
	assert.True(t, f.ctx.EmitEvent("menuClick", "1", nil))
	assert.Equal(t, "num,str,str,num,num", f.run(t, `hits.join(",")`).String())
}

func TestMenuClickReplacedCallback(t *testing.T) {
	f := newFixture(t, newScript(menuGrants...))
	f.run(t, `
		var clicks = [];
		GM_registerMenuCommand("cmd", function () { clicks.push("first"); }, {id: "k"});
		GM_registerMenuCommand("cmd", function () { clicks.push("second"); }, {id: "k"});
	`)
	assert.True(t, f.ctx.EmitEvent("menuClick", "k", nil))
	assert.Equal(t, "second", f.run(t, `clicks.join(",")`).String())
}

func TestMenuOptionsAndSink(t *testing.T) {
	f := newFixture(t, newScript(menuGrants...))
	f.run(t, `
		GM_registerMenuCommand("one", function () {}, "o");
		GM_registerMenuCommand("two", function () {}, {accessKey: "t", autoClose: false, title: "Two"});
	`)
	menus := f.rec.Menus(testScript)
	require.Len(t, menus, 2)
	assert.Equal(t, MenuOptions{AccessKey: "o", AutoClose: true}, menus[0].Options)
	assert.Equal(t, MenuOptions{AccessKey: "t", Title: "Two"}, menus[1].Options)
}

func TestMenuUnregister(t *testing.T) {
	f := newFixture(t, newScript(menuGrants...))
	f.run(t, `
		var hit = false;
		var id = GM_registerMenuCommand("cmd", function () { hit = true; });
		GM_unregisterMenuCommand(id);
		GM_unregisterMenuCommand(id);
	`)
	assert.Empty(t, f.ctx.Menus())
	assert.Empty(t, f.rec.Menus(testScript))
	assert.False(t, f.ctx.EmitEvent("menuClick", "1", nil))
	assert.False(t, f.run(t, `hit`).ToBoolean())

	// ids are never reused
	assert.EqualValues(t, 2, f.run(t, `GM_registerMenuCommand("cmd", function () {})`).ToInteger())
}

func TestMenuClickReceivesData(t *testing.T) {
	f := newFixture(t, newScript(menuGrants...))
	f.run(t, `var got; GM_registerMenuCommand("cmd", function (e) { got = e; });`)
	assert.True(t, f.ctx.EmitEvent("menuClick", "1", "payload"))
	assert.Equal(t, "payload", f.run(t, `got`).String())
}

// Each generated op decodes to a registration: a name from a small set and
// either no key, a numeric key or a string key.
func decodeMenuOp(n int) (name string, kind int, num int) {
	names := []string{"alpha", "beta", "gamma"}
	return names[n%3], (n / 3) % 3, n / 9
}

func TestMenuKeyAssignmentProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("menu keys are stable and never overwrite", prop.ForAll(
		func(ops []int) bool {
			f := newFixture(t, newScript(menuGrants...))
			vm := f.page.VM()
			fn, _ := goja.AssertFunction(f.run(t, `(function () {})`))

			maxNumeric := int64(0)
			returned := map[MenuKey]bool{}

			for _, op := range ops {
				name, kind, num := decodeMenuOp(op)
				var explicit goja.Value
				switch kind {
				case 1:
					explicit = vm.ToValue(num)
				case 2:
					explicit = vm.ToValue("key-" + name)
				}

				sameName, hadName := f.ctx.menus.byName(name)
				key := keyOf(f.ctx.registerMenu(name, fn, explicit, MenuOptions{}))

				switch {
				case explicit != nil:
					// explicit keys come back unchanged
					if key != keyOf(explicit) {
						return false
					}
				case hadName:
					// an existing name keeps its key
					if key != sameName.cmd.Key {
						return false
					}
				default:
					// fresh ids move past every numeric key used so far
					n, err := strconv.ParseInt(key.Value, 10, 64)
					if key.Type != "number" || err != nil || n <= maxNumeric {
						return false
					}
				}

				if key.Type == "number" {
					if n, err := strconv.ParseInt(key.Value, 10, 64); err == nil && n > maxNumeric {
						maxNumeric = n
					}
				}
				returned[key] = true
			}
			return len(f.ctx.Menus()) == len(returned)
		},
		gen.SliceOf(gen.IntRange(0, 80)),
	))

	properties.TestingRun(t)
}
