package snapshot

import "github.com/GriffinCanCode/gmsandbox/internal/host"

// Kind classifies a host global
type Kind int

const (
	// KindSelf names resolve to the sandbox itself
	KindSelf Kind = iota
	// KindMethod is a plain function pre-bound to the true global
	KindMethod
	// KindAccessor is a getter/setter pair pre-bound to the true global
	KindAccessor
	// KindEventHandler is an on<event> accessor virtualized per context
	KindEventHandler
	// KindConstructor passes through unchanged
	KindConstructor
	// KindValue passes through unchanged
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindSelf:
		return "self"
	case KindMethod:
		return "method"
	case KindAccessor:
		return "accessor"
	case KindEventHandler:
		return "event_handler"
	case KindConstructor:
		return "constructor"
	case KindValue:
		return "value"
	}
	return "unknown"
}

// Spec is one row of the host global table
type Spec struct {
	Name string
	Kind Kind
}

var baseTable = []Spec{
	{"addEventListener", KindMethod},
	{"removeEventListener", KindMethod},
	{"dispatchEvent", KindMethod},
	{"setTimeout", KindMethod},
	{"setInterval", KindMethod},
	{"clearTimeout", KindMethod},
	{"clearInterval", KindMethod},
	{"queueMicrotask", KindMethod},
	{"alert", KindMethod},
	{"atob", KindMethod},
	{"btoa", KindMethod},

	{"name", KindAccessor},
	{"status", KindAccessor},
	{"location", KindAccessor},

	{"Event", KindConstructor},
	{"CustomEvent", KindConstructor},
	{"Object", KindConstructor},
	{"Array", KindConstructor},
	{"Promise", KindConstructor},

	{"document", KindValue},
	{"navigator", KindValue},
	{"console", KindValue},
}

// DefaultTable returns the host global table for pages built by package host.
// globalThis is native to the runtime rather than installed by the page, but
// it names the global all the same.
func DefaultTable() []Spec {
	table := make([]Spec, 0, len(host.SelfNames)+1+len(baseTable)+len(host.DefaultEventHandlers))
	for _, name := range host.SelfNames {
		table = append(table, Spec{name, KindSelf})
	}
	table = append(table, Spec{"globalThis", KindSelf})
	table = append(table, baseTable...)
	for _, name := range host.DefaultEventHandlers {
		table = append(table, Spec{name, KindEventHandler})
	}
	return table
}
