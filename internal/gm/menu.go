package gm

import (
	"math"
	"reflect"
	"strings"

	"github.com/dop251/goja"
)

// EventMenuClick is emitted with the command key as event id. The id is either
// the key's type-qualified form from MenuKey.EventID, or its bare text. A bare
// text matching keys of several types picks the string key.
const EventMenuClick = "menuClick"

// MenuKey identifies a menu command. Keys of different JS types never collide,
// so the string "1" and the number 1 are distinct.
type MenuKey struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (k MenuKey) String() string { return k.Value }

// EventID returns the unambiguous click event id, e.g. "number:1"
func (k MenuKey) EventID() string { return k.Type + ":" + k.Value }

// MenuOptions are the optional GM_registerMenuCommand settings
type MenuOptions struct {
	AccessKey string `json:"accessKey,omitempty"`
	AutoClose bool   `json:"autoClose"`
	Title     string `json:"title,omitempty"`
}

// MenuCommand is one registered command as shown to the user
type MenuCommand struct {
	Key     MenuKey     `json:"key"`
	Name    string      `json:"name"`
	Options MenuOptions `json:"options"`
}

type menuEntry struct {
	cmd MenuCommand
	key goja.Value
	fn  goja.Callable
}

type menuTable struct {
	byKey map[MenuKey]*menuEntry
	order []MenuKey
}

func newMenuTable() *menuTable {
	return &menuTable{byKey: make(map[MenuKey]*menuEntry)}
}

func (t *menuTable) get(k MenuKey) (*menuEntry, bool) {
	e, ok := t.byKey[k]
	return e, ok
}

func (t *menuTable) byName(name string) (*menuEntry, bool) {
	for _, k := range t.order {
		if e := t.byKey[k]; e.cmd.Name == name {
			return e, true
		}
	}
	return nil, false
}

func (t *menuTable) put(e *menuEntry) {
	if _, ok := t.byKey[e.cmd.Key]; !ok {
		t.order = append(t.order, e.cmd.Key)
	}
	t.byKey[e.cmd.Key] = e
}

func (t *menuTable) remove(k MenuKey) bool {
	if _, ok := t.byKey[k]; !ok {
		return false
	}
	delete(t.byKey, k)
	for i, o := range t.order {
		if o == k {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// resolve finds the command a click event id names
func (t *menuTable) resolve(eventID string) (*menuEntry, bool) {
	if typ, value, ok := strings.Cut(eventID, ":"); ok {
		if e, ok := t.byKey[MenuKey{Type: typ, Value: value}]; ok {
			return e, true
		}
	}
	if e, ok := t.byKey[MenuKey{Type: "string", Value: eventID}]; ok {
		return e, true
	}
	for _, k := range t.order {
		if k.Value == eventID {
			return t.byKey[k], true
		}
	}
	return nil, false
}

func (t *menuTable) entries() []*menuEntry {
	out := make([]*menuEntry, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.byKey[k])
	}
	return out
}

// Menus returns the registered commands in registration order
func (c *Context) Menus() []MenuCommand {
	entries := c.menus.entries()
	out := make([]MenuCommand, len(entries))
	for i, e := range entries {
		out[i] = e.cmd
	}
	return out
}

func keyOf(v goja.Value) MenuKey {
	kind := "string"
	if t := v.ExportType(); t != nil {
		switch t.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint64, reflect.Float64:
			kind = "number"
		case reflect.Bool:
			kind = "boolean"
		}
	}
	return MenuKey{Type: kind, Value: v.String()}
}

// registerMenu assigns the key for a command:
//   - an explicit key already registered keeps its key and swaps the callback
//   - a new explicit key is used as given
//   - with no key, a command of the same name keeps its key
//   - otherwise the next sequential id is used
//
// The shared counter always moves past any numeric key in use.
func (c *Context) registerMenu(name string, fn goja.Callable, explicit goja.Value, opts MenuOptions) goja.Value {
	var key goja.Value
	var existing *menuEntry

	if present(explicit) {
		key = explicit
		existing, _ = c.menus.get(keyOf(explicit))
		if f := explicit.ToFloat(); keyOf(explicit).Type == "number" && !math.IsNaN(f) && !math.IsInf(f, 0) {
			c.advanceSeq(int64(math.Floor(f)))
		}
	} else if e, ok := c.menus.byName(name); ok {
		existing = e
		key = e.key
	} else {
		key = c.vm.ToValue(c.NextSeq())
	}

	e := &menuEntry{key: key, fn: fn, cmd: MenuCommand{Key: keyOf(key), Name: name, Options: opts}}
	if existing != nil {
		e.key = existing.key
	}
	c.menus.put(e)
	c.svc.Menus.RegisterMenu(c.script.ID, e.cmd)
	return e.key
}

// clickMenu runs the callback of the command eventID names. Each key keeps
// its own route, so keys that only differ in type never shadow each other.
func (c *Context) clickMenu(eventID string, data goja.Value) bool {
	e, ok := c.menus.resolve(eventID)
	if !ok {
		return false
	}
	if _, err := e.fn(goja.Undefined(), data); err != nil {
		c.page.ReportError(err)
	}
	return true
}

func (c *Context) unregisterMenu(key goja.Value) bool {
	k := keyOf(key)
	if !c.menus.remove(k) {
		return false
	}
	c.svc.Menus.UnregisterMenu(c.script.ID, k)
	return true
}

// gmRegisterMenuCommand takes (name, callback, options) where options is an
// access key string or {id, accessKey, autoClose, title}
func gmRegisterMenuCommand(c *Context, call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		c.typeError("GM_registerMenuCommand: callback is not a function")
	}

	opts := MenuOptions{AutoClose: true}
	var explicit goja.Value
	switch arg := call.Argument(2).(type) {
	case *goja.Object:
		explicit = arg.Get("id")
		opts.AccessKey = stringField(arg, "accessKey")
		opts.Title = stringField(arg, "title")
		if v := arg.Get("autoClose"); present(v) {
			opts.AutoClose = v.ToBoolean()
		}
	default:
		if present(arg) {
			opts.AccessKey = arg.String()
		}
	}
	return c.registerMenu(name, fn, explicit, opts)
}

func gmUnregisterMenuCommand(c *Context, call goja.FunctionCall) goja.Value {
	c.unregisterMenu(call.Argument(0))
	return goja.Undefined()
}
