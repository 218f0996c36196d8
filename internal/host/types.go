package host

import "time"

// Config defines page configuration
type Config struct {
	URL              string   // location.href
	Title            string   // document.title, defaults to the HTML <title>
	HTML             string   // initial document markup, empty for a blank page
	UserAgent        string   // navigator.userAgent
	Language         string   // navigator.language
	Platform         string   // navigator.platform
	MaxCallStackSize int      // 0 keeps goja's default
	VirtualTime      bool     // Drain advances the clock instead of sleeping
	EventHandlers    []string // on* handler names defined on the window prototype
}

// LogEntry represents console output
type LogEntry struct {
	Level   string    // log, info, warn, error, debug, alert
	Message string    // Joined arguments
	Time    time.Time // Timestamp
}

// DOMChange represents a document modification
type DOMChange struct {
	Type   string // append, remove, set_attribute, set_text, set_html
	Target string // tag#id of the element changed
	Name   string // attribute name, when relevant
	Value  string
}

// DefaultEventHandlers lists the window on* handlers a page exposes
var DefaultEventHandlers = []string{
	"onabort", "onafterprint", "onbeforeprint", "onbeforeunload", "onblur",
	"onchange", "onclick", "oncontextmenu", "ondblclick", "onerror", "onfocus",
	"onhashchange", "oninput", "onkeydown", "onkeypress", "onkeyup", "onload",
	"onmessage", "onmousedown", "onmousemove", "onmouseup", "onoffline", "ononline",
	"onpagehide", "onpageshow", "onpopstate", "onresize", "onscroll", "onstorage",
	"onsubmit", "onunhandledrejection", "onunload", "onvisibilitychange",
}

// DefaultConfig returns a blank page configuration
func DefaultConfig() Config {
	return Config{
		URL:           "about:blank",
		UserAgent:     "Mozilla/5.0 (X11; Linux x86_64) gmsandbox/1.0",
		Language:      "en-US",
		Platform:      "Linux x86_64",
		EventHandlers: DefaultEventHandlers,
	}
}
