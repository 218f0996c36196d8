package host

import (
	"strings"
	"sync"
)

// DOM is a lightweight element tree standing in for the page document
type DOM struct {
	root    *Element
	head    *Element
	body    *Element
	changes []DOMChange
	mu      sync.RWMutex
}

// Element represents a DOM element
type Element struct {
	TagName     string
	ID          string
	ClassName   string
	TextContent string
	InnerHTML   string
	Attributes  map[string]string
	Children    []*Element
	Parent      *Element
}

// NewDOM creates a document with html, head and body elements
func NewDOM() *DOM {
	d := &DOM{
		root: newElement("html"),
		head: newElement("head"),
		body: newElement("body"),
	}
	d.root.appendChild(d.head)
	d.root.appendChild(d.body)
	return d
}

func newElement(tag string) *Element {
	return &Element{
		TagName:    strings.ToUpper(tag),
		Attributes: make(map[string]string),
	}
}

// Root returns the documentElement
func (d *DOM) Root() *Element { return d.root }

// Head returns document.head
func (d *DOM) Head() *Element { return d.head }

// Body returns document.body
func (d *DOM) Body() *Element { return d.body }

// CreateElement returns a detached element
func (d *DOM) CreateElement(tag string) *Element {
	return newElement(tag)
}

// Append attaches child to parent, detaching it from any previous parent
func (d *DOM) Append(parent, child *Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if child.Parent != nil {
		child.Parent.removeChild(child)
	}
	parent.appendChild(child)
	d.changes = append(d.changes, DOMChange{Type: "append", Target: parent.label(), Value: child.label()})
}

// Remove detaches e from its parent
func (d *DOM) Remove(e *Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.Parent == nil {
		return
	}
	parent := e.Parent
	parent.removeChild(e)
	d.changes = append(d.changes, DOMChange{Type: "remove", Target: parent.label(), Value: e.label()})
}

// SetAttribute sets an attribute and records the change. id and class also update
// the matching fields.
func (d *DOM) SetAttribute(e *Element, name, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.Attributes[name] = value
	switch name {
	case "id":
		e.ID = value
	case "class":
		e.ClassName = value
	}
	d.changes = append(d.changes, DOMChange{Type: "set_attribute", Target: e.label(), Name: name, Value: value})
}

// SetText replaces the element's text content
func (d *DOM) SetText(e *Element, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.TextContent = text
	e.InnerHTML = ""
	d.changes = append(d.changes, DOMChange{Type: "set_text", Target: e.label(), Value: text})
}

// SetHTML replaces the element's markup. Callers sanitize first.
func (d *DOM) SetHTML(e *Element, html string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.InnerHTML = html
	e.TextContent = ""
	d.changes = append(d.changes, DOMChange{Type: "set_html", Target: e.label(), Value: html})
}

// Query finds elements by a single #id, .class or tag selector
func (d *DOM) Query(selector string) []*Element {
	d.mu.RLock()
	defer d.mu.RUnlock()

	selector = strings.TrimSpace(selector)
	switch {
	case strings.HasPrefix(selector, "#"):
		if elem := findByID(d.root, selector[1:]); elem != nil {
			return []*Element{elem}
		}
		return nil
	case strings.HasPrefix(selector, "."):
		return findByClass(d.root, selector[1:])
	default:
		return findByTag(d.root, selector)
	}
}

// GetChanges returns accumulated DOM changes
func (d *DOM) GetChanges() []DOMChange {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]DOMChange{}, d.changes...)
}

// GetAttribute retrieves attribute value
func (e *Element) GetAttribute(name string) string {
	return e.Attributes[name]
}

func (e *Element) label() string {
	if e.ID != "" {
		return strings.ToLower(e.TagName) + "#" + e.ID
	}
	return strings.ToLower(e.TagName)
}

func (e *Element) appendChild(child *Element) {
	child.Parent = e
	e.Children = append(e.Children, child)
}

func (e *Element) removeChild(child *Element) {
	children := e.Children[:0]
	for _, c := range e.Children {
		if c != child {
			children = append(children, c)
		}
	}
	e.Children = children
	child.Parent = nil
}

func findByID(elem *Element, id string) *Element {
	if id != "" && elem.ID == id {
		return elem
	}
	for _, child := range elem.Children {
		if found := findByID(child, id); found != nil {
			return found
		}
	}
	return nil
}

func findByClass(elem *Element, class string) []*Element {
	var result []*Element
	for _, c := range strings.Fields(elem.ClassName) {
		if c == class {
			result = append(result, elem)
			break
		}
	}
	for _, child := range elem.Children {
		result = append(result, findByClass(child, class)...)
	}
	return result
}

func findByTag(elem *Element, tag string) []*Element {
	var result []*Element
	if tag == "*" || strings.EqualFold(elem.TagName, tag) {
		result = append(result, elem)
	}
	for _, child := range elem.Children {
		result = append(result, findByTag(child, tag)...)
	}
	return result
}
