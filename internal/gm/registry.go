package gm

import (
	"sync"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/gmsandbox/internal/capability"
)

var (
	registry     *capability.Registry[*Context]
	registryOnce sync.Once
)

// Registry returns the shared default registry, used by contexts whose
// Options leave Registry nil
func Registry() *capability.Registry[*Context] {
	registryOnce.Do(func() { registry = NewRegistry() })
	return registry
}

// NewRegistry returns a fresh registry holding every built-in capability.
// Callers may register more on it before handing it to Options.
func NewRegistry() *capability.Registry[*Context] {
	r := capability.NewRegistry[*Context]()
	registerAll(r)
	return r
}

type deps = capability.Options

func registerAll(r *capability.Registry[*Context]) {
	// values
	r.Register("GM_getValue", gmGetValue, deps{})
	r.Register("GM_setValue", gmSetValue, deps{})
	r.Register("GM_deleteValue", gmDeleteValue, deps{})
	r.Register("GM_listValues", gmListValues, deps{})
	r.Register("GM_getValues", gmGetValues, deps{Dependencies: []string{"GM_getValue"}})
	r.Register("GM_setValues", gmSetValues, deps{Dependencies: []string{"GM_setValue"}})
	r.Register("GM_deleteValues", gmDeleteValues, deps{Dependencies: []string{"GM_deleteValue"}})
	r.Register("GM_addValueChangeListener", gmAddValueChangeListener,
		deps{Dependencies: []string{"GM_removeValueChangeListener"}})
	r.Register("GM_removeValueChangeListener", gmRemoveValueChangeListener, deps{})

	// page and user interface
	r.Register("GM_log", gmLog, deps{})
	r.Register("GM_registerMenuCommand", gmRegisterMenuCommand,
		deps{Dependencies: []string{"GM_unregisterMenuCommand"}})
	r.Register("GM_unregisterMenuCommand", gmUnregisterMenuCommand, deps{})
	r.Register("GM_getResourceText", gmGetResourceText, deps{})
	r.Register("GM_getResourceURL", gmGetResourceURL, deps{})
	r.Register("GM_addStyle", gmAddStyle, deps{})
	r.Register("GM_addElement", gmAddElement, deps{})
	r.Register("GM_openInTab", gmOpenInTab, deps{})
	r.Register("GM_notification", gmNotification,
		deps{Dependencies: []string{"GM_closeNotification", "GM_updateNotification"}})
	r.Register("GM_closeNotification", gmCloseNotification, deps{})
	r.Register("GM_updateNotification", gmUpdateNotification, deps{})
	r.Register("GM_setClipboard", gmSetClipboard, deps{})

	// network
	r.Register("GM_xmlhttpRequest", gmXmlhttpRequest, deps{Aliases: []string{"GM_xmlHttpRequest"}})
	r.Register("GM_download", gmDownload, deps{Dependencies: []string{"GM_xmlhttpRequest"}})

	// values exposed as-is
	r.RegisterValue("GM_info", func(c *Context) goja.Value { return c.info.Object() },
		deps{Aliases: []string{"GM.info"}})
	r.RegisterValue("unsafeWindow", func(c *Context) goja.Value { return c.page.Global() }, deps{})

	// promise family
	r.Register("GM.getValue", promisify(gmGetValue), deps{})
	r.Register("GM.setValue", completion((*Context).setValue), deps{})
	r.Register("GM.deleteValue", completion((*Context).deleteValue), deps{})
	r.Register("GM.listValues", promisify(gmListValues), deps{})
	r.Register("GM.getValues", promisify(gmGetValues), deps{Dependencies: []string{"GM.getValue"}})
	r.Register("GM.setValues", completion((*Context).setValues), deps{Dependencies: []string{"GM.setValue"}})
	r.Register("GM.deleteValues", completion((*Context).deleteValues),
		deps{Dependencies: []string{"GM.deleteValue"}})
	r.Register("GM.addValueChangeListener", promisify(gmAddValueChangeListener),
		deps{Dependencies: []string{"GM.removeValueChangeListener"}})
	r.Register("GM.removeValueChangeListener", promisify(gmRemoveValueChangeListener), deps{})
	r.Register("GM.getResourceText", promisify(gmGetResourceText), deps{})
	r.Register("GM.getResourceUrl", promisify(gmGetResourceURL), deps{Aliases: []string{"GM.getResourceURL"}})
	r.Register("GM.xmlHttpRequest", gmPromiseXMLHTTPRequest, deps{})
	r.Register("GM.notification", gmPromiseNotification, deps{})
	r.Register("GM.openInTab", gmPromiseOpenInTab, deps{})
	r.Register("GM.setClipboard", completion((*Context).setClipboard), deps{})
	r.Register("GM.addStyle", promisify(gmAddStyle), deps{})
	r.Register("GM.addElement", promisify(gmAddElement), deps{})
	r.Register("GM.registerMenuCommand", promisify(gmRegisterMenuCommand),
		deps{Dependencies: []string{"GM.unregisterMenuCommand"}})
	r.Register("GM.unregisterMenuCommand", promisify(gmUnregisterMenuCommand), deps{})
	r.Register("GM.download", gmPromiseDownload, deps{})
	r.Register("GM.log", promisify(gmLog), deps{})
}
