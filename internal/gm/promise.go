package gm

import (
	"github.com/dop251/goja"

	"github.com/GriffinCanCode/gmsandbox/internal/capability"
)

// promisify wraps a synchronous capability: the promise resolves with its
// result or rejects with what it threw
func promisify(fn capability.Func[*Context]) capability.Func[*Context] {
	return func(c *Context, call goja.FunctionCall) goja.Value {
		promise, resolve, reject := c.page.Deferred()
		res, thrown := c.try(func() goja.Value { return fn(c, call) })
		if thrown != nil {
			reject(thrown)
		} else {
			resolve(res)
		}
		return promise
	}
}

// completion wraps an operation that reports completion through done
func completion(op func(c *Context, call goja.FunctionCall, done func(error))) capability.Func[*Context] {
	return func(c *Context, call goja.FunctionCall) goja.Value {
		promise, resolve, reject := c.page.Deferred()
		_, thrown := c.try(func() goja.Value {
			op(c, call, func(err error) {
				if err != nil {
					reject(c.vm.NewGoError(err))
					return
				}
				resolve(goja.Undefined())
			})
			return nil
		})
		if thrown != nil {
			reject(thrown)
		}
		return promise
	}
}

func gmPromiseXMLHTTPRequest(c *Context, call goja.FunctionCall) goja.Value {
	promise, resolve, reject := c.page.Deferred()
	_, thrown := c.try(func() goja.Value {
		details := c.optionalObject(call.Argument(0))
		if details == nil {
			c.typeError("GM.xmlHttpRequest: details must be an object")
		}
		handle := c.xmlHTTPRequest(details, resolve, reject)
		attachAbort(promise, handle)
		return nil
	})
	if thrown != nil {
		reject(thrown)
	}
	return promise
}

func gmPromiseDownload(c *Context, call goja.FunctionCall) goja.Value {
	promise, resolve, reject := c.page.Deferred()
	_, thrown := c.try(func() goja.Value {
		handle := c.download(c.downloadDetails(call), resolve, reject)
		attachAbort(promise, handle)
		return nil
	})
	if thrown != nil {
		reject(thrown)
	}
	return promise
}

func gmPromiseNotification(c *Context, call goja.FunctionCall) goja.Value {
	promise, resolve, reject := c.page.Deferred()
	_, thrown := c.try(func() goja.Value {
		c.notify(c.notificationDetails(call), func(notificationID string, err error) {
			if err != nil {
				reject(c.vm.NewGoError(err))
				return
			}
			resolve(c.vm.ToValue(notificationID))
		})
		return nil
	})
	if thrown != nil {
		reject(thrown)
	}
	return promise
}

func gmPromiseOpenInTab(c *Context, call goja.FunctionCall) goja.Value {
	promise, resolve, reject := c.page.Deferred()
	_, thrown := c.try(func() goja.Value {
		c.openInTab(call.Argument(0).String(), tabOptions(call.Argument(1)), func(tab goja.Value, err error) {
			if err != nil {
				reject(c.vm.NewGoError(err))
				return
			}
			resolve(tab)
		})
		return nil
	})
	if thrown != nil {
		reject(thrown)
	}
	return promise
}

func attachAbort(promise goja.Value, handle *goja.Object) {
	if obj, ok := promise.(*goja.Object); ok {
		_ = obj.Set("abort", handle.Get("abort"))
	}
}
