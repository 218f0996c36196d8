package host

import (
	"encoding/base64"
	"net/url"
	"strings"
	"unicode/utf16"

	"github.com/dop251/goja"
)

func (p *Page) newDocument() *goja.Object {
	vm := p.vm
	doc := vm.NewObject()
	title := p.config.Title

	doc.DefineAccessorProperty("title",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(title) }),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			title = call.Argument(0).String()
			return goja.Undefined()
		}),
		goja.FLAG_TRUE, goja.FLAG_TRUE)
	doc.DefineAccessorProperty("URL",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(p.location.href()) }),
		nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	doc.Set("readyState", "complete")
	doc.Set("head", p.WrapElement(p.dom.Head()))
	doc.Set("body", p.WrapElement(p.dom.Body()))
	doc.Set("documentElement", p.WrapElement(p.dom.Root()))

	doc.Set("createElement", func(call goja.FunctionCall) goja.Value {
		return p.WrapElement(p.dom.CreateElement(call.Argument(0).String()))
	})
	doc.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		found := p.dom.Query("#" + call.Argument(0).String())
		if len(found) == 0 {
			return goja.Null()
		}
		return p.WrapElement(found[0])
	})
	doc.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		found := p.dom.Query(call.Argument(0).String())
		if len(found) == 0 {
			return goja.Null()
		}
		return p.WrapElement(found[0])
	})
	doc.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		found := p.dom.Query(call.Argument(0).String())
		out := make([]any, len(found))
		for i, e := range found {
			out[i] = p.WrapElement(e)
		}
		return vm.NewArray(out...)
	})
	return doc
}

// WrapElement returns the JS object for e, creating it on first use so the same
// element always maps to the same object.
func (p *Page) WrapElement(e *Element) *goja.Object {
	if obj, ok := p.wrappers[e]; ok {
		return obj
	}
	vm := p.vm
	obj := vm.NewObject()
	p.wrappers[e] = obj
	p.elements[obj] = e

	accessor := func(name string, get func() string, set func(string)) {
		var setter goja.Value
		if set != nil {
			setter = vm.ToValue(func(call goja.FunctionCall) goja.Value {
				set(call.Argument(0).String())
				return goja.Undefined()
			})
		}
		obj.DefineAccessorProperty(name,
			vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(get()) }),
			setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
	}

	accessor("tagName", func() string { return e.TagName }, nil)
	accessor("id", func() string { return e.ID }, func(v string) { p.dom.SetAttribute(e, "id", v) })
	accessor("className", func() string { return e.ClassName }, func(v string) { p.dom.SetAttribute(e, "class", v) })
	accessor("textContent", func() string { return e.TextContent }, func(v string) { p.dom.SetText(e, v) })
	accessor("innerHTML", func() string { return e.InnerHTML }, func(v string) { p.dom.SetHTML(e, v) })

	obj.DefineAccessorProperty("parentNode",
		vm.ToValue(func(goja.FunctionCall) goja.Value {
			if e.Parent == nil {
				return goja.Null()
			}
			return p.WrapElement(e.Parent)
		}), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	obj.DefineAccessorProperty("children",
		vm.ToValue(func(goja.FunctionCall) goja.Value {
			out := make([]any, len(e.Children))
			for i, c := range e.Children {
				out[i] = p.WrapElement(c)
			}
			return vm.NewArray(out...)
		}), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)

	obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := e.Attributes[call.Argument(0).String()]
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	obj.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		p.dom.SetAttribute(e, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	obj.Set("appendChild", func(call goja.FunctionCall) goja.Value {
		child, ok := p.ElementOf(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("Failed to execute 'appendChild' on 'Node': parameter 1 is not of type 'Node'."))
		}
		p.dom.Append(e, child)
		return call.Argument(0)
	})
	obj.Set("remove", func(goja.FunctionCall) goja.Value {
		p.dom.Remove(e)
		return goja.Undefined()
	})
	return obj
}

// ElementOf returns the element behind a wrapper created by WrapElement
func (p *Page) ElementOf(v goja.Value) (*Element, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	e, ok := p.elements[obj]
	return e, ok
}

// ============================================================================
// Location
// ============================================================================

type location struct {
	page        *Page
	obj         *goja.Object
	u           *url.URL
	Navigations []string
}

func newLocation(p *Page, raw string) *location {
	l := &location{page: p, obj: p.vm.NewObject()}
	l.u, _ = url.Parse(raw)
	if l.u == nil {
		l.u = &url.URL{Scheme: "about", Opaque: "blank"}
	}

	vm := p.vm
	parts := map[string]func() string{
		"protocol": func() string { return l.u.Scheme + ":" },
		"host":     func() string { return l.u.Host },
		"hostname": func() string { return l.u.Hostname() },
		"port":     func() string { return l.u.Port() },
		"pathname": func() string { return l.u.EscapedPath() },
		"search": func() string {
			if l.u.RawQuery == "" {
				return ""
			}
			return "?" + l.u.RawQuery
		},
		"hash": func() string {
			if l.u.Fragment == "" {
				return ""
			}
			return "#" + l.u.EscapedFragment()
		},
		"origin": func() string {
			if l.u.Host == "" {
				return "null"
			}
			return l.u.Scheme + "://" + l.u.Host
		},
	}
	for name, get := range parts {
		get := get
		l.obj.DefineAccessorProperty(name,
			vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(get()) }),
			nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	}
	l.obj.DefineAccessorProperty("href",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(l.href()) }),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			l.navigate(call.Argument(0).String())
			return goja.Undefined()
		}),
		goja.FLAG_TRUE, goja.FLAG_TRUE)

	navigate := func(call goja.FunctionCall) goja.Value {
		l.navigate(call.Argument(0).String())
		return goja.Undefined()
	}
	l.obj.Set("assign", navigate)
	l.obj.Set("replace", navigate)
	l.obj.Set("reload", func(goja.FunctionCall) goja.Value {
		l.Navigations = append(l.Navigations, l.href())
		return goja.Undefined()
	})
	l.obj.Set("toString", func(goja.FunctionCall) goja.Value { return vm.ToValue(l.href()) })
	return l
}

func (l *location) href() string {
	return l.u.String()
}

func (l *location) navigate(raw string) {
	next, err := l.u.Parse(raw)
	if err != nil {
		panic(l.page.vm.NewTypeError("Failed to set the 'href' property on 'Location': '%s' is not a valid URL.", raw))
	}
	l.u = next
	l.Navigations = append(l.Navigations, next.String())
}

// Navigations returns every URL the page was asked to navigate to
func (p *Page) Navigations() []string {
	return append([]string(nil), p.location.Navigations...)
}

// ============================================================================
// Base64
// ============================================================================

func (p *Page) btoa(call goja.FunctionCall) goja.Value {
	s := call.Argument(0).String()
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units))
	for i, u := range units {
		if u > 0xFF {
			panic(p.vm.NewTypeError("Failed to execute 'btoa' on 'Window': The string to be encoded contains characters outside of the Latin1 range."))
		}
		buf[i] = byte(u)
	}
	return p.vm.ToValue(base64.StdEncoding.EncodeToString(buf))
}

func (p *Page) atob(call goja.FunctionCall) goja.Value {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, call.Argument(0).String())
	s = strings.TrimRight(s, "=")
	buf, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		panic(p.vm.NewTypeError("Failed to execute 'atob' on 'Window': The string to be decoded is not correctly encoded."))
	}
	runes := make([]rune, len(buf))
	for i, b := range buf {
		runes[i] = rune(b)
	}
	return p.vm.ToValue(string(runes))
}
