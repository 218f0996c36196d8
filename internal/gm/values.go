package gm

import (
	"context"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
	"github.com/GriffinCanCode/gmsandbox/internal/snapshot"
)

// Value write operations as reported to metrics
const (
	opSet        = "set"
	opDelete     = "delete"
	opSetMany    = "set_many"
	opDeleteMany = "delete_many"
)

type valueEntry struct {
	key   string
	value goja.Value // nil deletes
}

// decode turns stored JSON into a fresh JS value. Missing data is undefined.
func (c *Context) decode(data []byte) goja.Value {
	if data == nil {
		return goja.Undefined()
	}
	v, err := c.page.ParseJSON(data)
	if err != nil {
		c.logger.Warn("stored value is not valid JSON", zap.Error(err))
		return goja.Undefined()
	}
	return v
}

// encode serializes v; ok is false when v has no JSON form and the key should
// be deleted
func (c *Context) encode(v goja.Value) (data []byte, ok bool) {
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	data, ok, err := c.page.StringifyJSON(v)
	if err != nil {
		snapshot.Rethrow(c.vm, err)
	}
	return data, ok
}

func (c *Context) getValue(key string, def goja.Value) goja.Value {
	data, ok := c.values[key]
	if !ok {
		if def == nil {
			return goja.Undefined()
		}
		return def
	}
	return c.decode(data)
}

// applyValues updates the cache immediately and queues one store write
func (c *Context) applyValues(op string, entries []valueEntry, done func(error)) {
	changes := make([]types.ValueChange, 0, len(entries))
	for _, e := range entries {
		data, ok := c.encode(e.value)
		if !ok {
			delete(c.values, e.key)
			changes = append(changes, types.ValueChange{Key: e.key, Deleted: true})
			continue
		}
		c.values[e.key] = data
		changes = append(changes, types.ValueChange{Key: e.key, Value: data})
	}
	c.write(op, changes, done)
}

// write sends changes to the store off the loop. Writes reach the store in
// the order they were issued.
func (c *Context) write(op string, changes []types.ValueChange, done func(error)) {
	c.metrics.RecordValueWrite(op)
	prev := c.lastWrite
	finished := make(chan struct{})
	c.lastWrite = finished

	scriptID, runFlag, st := c.script.ID, c.runFlag, c.svc.Store
	c.async(func(ctx context.Context) error {
		defer close(finished)
		if prev != nil {
			<-prev
		}
		return st.SetValues(ctx, scriptID, runFlag, changes)
	}, func(err error) {
		if err != nil {
			c.logger.Warn("value write failed", zap.String("op", op), zap.Error(err))
		}
		if done != nil {
			done(err)
		}
	})
}

// ============================================================================
// Capabilities
// ============================================================================

func gmGetValue(c *Context, call goja.FunctionCall) goja.Value {
	return c.getValue(call.Argument(0).String(), call.Argument(1))
}

func gmSetValue(c *Context, call goja.FunctionCall) goja.Value {
	c.setValue(call, nil)
	return goja.Undefined()
}

func (c *Context) setValue(call goja.FunctionCall, done func(error)) {
	key := call.Argument(0).String()
	op := opSet
	if goja.IsUndefined(call.Argument(1)) {
		op = opDelete
	}
	c.applyValues(op, []valueEntry{{key: key, value: call.Argument(1)}}, done)
}

func gmDeleteValue(c *Context, call goja.FunctionCall) goja.Value {
	c.deleteValue(call, nil)
	return goja.Undefined()
}

func (c *Context) deleteValue(call goja.FunctionCall, done func(error)) {
	c.applyValues(opDelete, []valueEntry{{key: call.Argument(0).String()}}, done)
}

func gmListValues(c *Context, _ goja.FunctionCall) goja.Value {
	keys := c.sortedKeys()
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return c.vm.NewArray(out...)
}

// gmGetValues accepts an array of keys, an object mapping keys to defaults, or
// nothing for every value
func gmGetValues(c *Context, call goja.FunctionCall) goja.Value {
	out := c.vm.NewObject()
	arg := call.Argument(0)

	if !present(arg) {
		for _, k := range c.sortedKeys() {
			_ = out.Set(k, c.getValue(k, nil))
		}
		return out
	}

	obj, ok := arg.(*goja.Object)
	if !ok {
		c.typeError("GM_getValues: expected an array or object")
	}
	if isArray(obj) {
		var keys []string
		if err := c.vm.ExportTo(obj, &keys); err != nil {
			c.typeError("GM_getValues: %v", err)
		}
		for _, k := range keys {
			if _, exists := c.values[k]; exists {
				_ = out.Set(k, c.getValue(k, nil))
			}
		}
		return out
	}
	for _, k := range obj.Keys() {
		_ = out.Set(k, c.getValue(k, obj.Get(k)))
	}
	return out
}

func gmSetValues(c *Context, call goja.FunctionCall) goja.Value {
	c.setValues(call, nil)
	return goja.Undefined()
}

func (c *Context) setValues(call goja.FunctionCall, done func(error)) {
	obj := c.optionalObject(call.Argument(0))
	if obj == nil {
		c.typeError("GM_setValues: expected an object")
	}
	keys := obj.Keys()
	entries := make([]valueEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, valueEntry{key: k, value: obj.Get(k)})
	}
	c.applyValues(opSetMany, entries, done)
}

func gmDeleteValues(c *Context, call goja.FunctionCall) goja.Value {
	c.deleteValues(call, nil)
	return goja.Undefined()
}

func (c *Context) deleteValues(call goja.FunctionCall, done func(error)) {
	var keys []string
	if err := c.vm.ExportTo(call.Argument(0), &keys); err != nil {
		c.typeError("GM_deleteValues: expected an array of keys")
	}
	entries := make([]valueEntry, len(keys))
	for i, k := range keys {
		entries[i] = valueEntry{key: k}
	}
	c.applyValues(opDeleteMany, entries, done)
}

func gmAddValueChangeListener(c *Context, call goja.FunctionCall) goja.Value {
	key := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		c.typeError("GM_addValueChangeListener: callback is not a function")
	}
	l := &valueListener{id: c.NextSeq(), key: key, fn: fn}
	c.valueListeners = append(c.valueListeners, l)
	return c.vm.ToValue(l.id)
}

func gmRemoveValueChangeListener(c *Context, call goja.FunctionCall) goja.Value {
	listenerID := call.Argument(0).ToInteger()
	for i, l := range c.valueListeners {
		if l.id == listenerID {
			l.removed = true
			c.valueListeners = append(c.valueListeners[:i:i], c.valueListeners[i+1:]...)
			break
		}
	}
	return goja.Undefined()
}

func isArray(obj *goja.Object) bool {
	return obj.ClassName() == "Array"
}
