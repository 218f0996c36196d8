package gm

import (
	"strings"

	"github.com/dop251/goja"
	"github.com/microcosm-cc/bluemonday"

	"github.com/GriffinCanCode/gmsandbox/internal/host"
)

var markupPolicy = bluemonday.UGCPolicy()

func gmGetResourceText(c *Context, call goja.FunctionCall) goja.Value {
	r, ok := c.svc.Resources.Resource(c.script.ID, call.Argument(0).String())
	if !ok {
		return goja.Undefined()
	}
	return c.vm.ToValue(r.Text())
}

func gmGetResourceURL(c *Context, call goja.FunctionCall) goja.Value {
	r, ok := c.svc.Resources.Resource(c.script.ID, call.Argument(0).String())
	if !ok {
		return goja.Undefined()
	}
	return c.vm.ToValue(r.DataURL())
}

// ============================================================================
// DOM helpers
// ============================================================================

func gmAddStyle(c *Context, call goja.FunctionCall) goja.Value {
	dom := c.page.DOM()
	style := dom.CreateElement("style")
	dom.SetText(style, call.Argument(0).String())
	dom.Append(dom.Head(), style)
	return c.page.WrapElement(style)
}

// gmAddElement takes (parent?, tagName, attributes). Without a parent the
// element goes to the document head. innerHTML is sanitized.
func gmAddElement(c *Context, call goja.FunctionCall) goja.Value {
	dom := c.page.DOM()
	args := call.Arguments

	parent := dom.Head()
	if len(args) > 0 {
		if el, ok := c.page.ElementOf(args[0]); ok {
			parent = el
			args = args[1:]
		}
	}
	if len(args) == 0 || !present(args[0]) {
		c.typeError("GM_addElement: tag name is required")
	}
	tag := strings.ToLower(args[0].String())
	el := dom.CreateElement(tag)

	if len(args) > 1 {
		if attrs := c.optionalObject(args[1]); attrs != nil {
			applyAttributes(dom, el, attrs)
		}
	}
	dom.Append(parent, el)
	return c.page.WrapElement(el)
}

func applyAttributes(dom *host.DOM, el *host.Element, attrs *goja.Object) {
	for _, name := range attrs.Keys() {
		v := attrs.Get(name)
		switch name {
		case "textContent":
			dom.SetText(el, v.String())
		case "innerHTML":
			dom.SetHTML(el, markupPolicy.Sanitize(v.String()))
		default:
			dom.SetAttribute(el, name, v.String())
		}
	}
}
