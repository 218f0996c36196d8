package gm

import (
	"context"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// Host event names accepted by Context.EmitEvent
const (
	EventNotificationClick = "notificationClick"
	EventNotificationClose = "notificationClose"
	EventTabClose          = "tabClose"
)

var textPolicy = bluemonday.StrictPolicy()

func gmLog(c *Context, call goja.FunctionCall) goja.Value {
	msg := call.Argument(0).String()
	level := "info"
	if len(call.Arguments) > 1 && present(call.Arguments[1]) {
		level = call.Arguments[1].String()
	}
	fields := []zap.Field{zap.String("source", "GM_log")}
	if len(call.Arguments) > 2 {
		labels := make([]any, 0, len(call.Arguments)-2)
		for _, v := range call.Arguments[2:] {
			labels = append(labels, v.Export())
		}
		fields = append(fields, zap.Any("labels", labels))
	}

	switch level {
	case "debug", "trace":
		c.logger.Debug(msg, fields...)
	case "warn":
		c.logger.Warn(msg, fields...)
	case "error":
		c.logger.Error(msg, fields...)
	default:
		c.logger.Info(msg, fields...)
	}
	return goja.Undefined()
}

// ============================================================================
// Notifications
// ============================================================================

// notificationDetails accepts (details) or (text, title, image, onclick)
func (c *Context) notificationDetails(call goja.FunctionCall) *goja.Object {
	if obj, ok := call.Argument(0).(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			return obj
		}
	}
	details := c.vm.NewObject()
	names := []string{"text", "title", "image", "onclick"}
	for i, name := range names {
		if v := call.Argument(i); present(v) {
			_ = details.Set(name, v)
		}
	}
	return details
}

func (c *Context) buildNotification(n *Notification, details *goja.Object) {
	if v := stringField(details, "text"); v != "" {
		n.Text = textPolicy.Sanitize(v)
	}
	if v := stringField(details, "title"); v != "" {
		n.Title = textPolicy.Sanitize(v)
	}
	if v := stringField(details, "image"); v != "" {
		n.Image = v
	}
	if v := stringField(details, "tag"); v != "" {
		n.Tag = v
	}
	if v := details.Get("silent"); present(v) {
		n.Silent = v.ToBoolean()
	}
	if v := details.Get("timeout"); present(v) {
		n.Timeout = time.Duration(v.ToInteger()) * time.Millisecond
	}
}

func (c *Context) notify(details *goja.Object, done func(string, error)) string {
	n := Notification{ID: strconv.FormatInt(c.NextSeq(), 10), Title: textPolicy.Sanitize(c.script.Name)}
	c.buildNotification(&n, details)
	if c.notifications == nil {
		c.notifications = make(map[string]*Notification)
	}
	c.notifications[n.ID] = &n

	clicked := false
	c.on(EventNotificationClick, n.ID, func(data goja.Value) {
		clicked = true
		c.call(details.Get("onclick"), details, c.notificationEvent(n.ID, data))
	})
	c.on(EventNotificationClose, n.ID, func(data goja.Value) {
		c.off(EventNotificationClick, n.ID)
		c.off(EventNotificationClose, n.ID)
		delete(c.notifications, n.ID)
		c.call(details.Get("ondone"), details, c.vm.ToValue(clicked), c.vm.ToValue(n.ID))
		c.call(details.Get("onclose"), details, c.notificationEvent(n.ID, data))
	})

	if n.Timeout > 0 {
		c.page.Loop().SetTimeout(string(c.runFlag), n.Timeout, func() {
			c.closeNotification(n.ID, nil)
		})
	}

	scriptID, notifier, sent := c.script.ID, c.svc.Notifier, n
	c.async(func(ctx context.Context) error {
		return notifier.Notify(ctx, scriptID, sent)
	}, func(err error) {
		if err != nil {
			c.logger.Warn("notification failed", zap.String("id", sent.ID), zap.Error(err))
		} else {
			c.call(details.Get("oncreate"), details, c.vm.ToValue(sent.ID))
		}
		if done != nil {
			done(sent.ID, err)
		}
	})
	return n.ID
}

func (c *Context) notificationEvent(notificationID string, data goja.Value) goja.Value {
	evt := c.vm.NewObject()
	_ = evt.Set("id", notificationID)
	if present(data) {
		_ = evt.Set("detail", data)
	}
	return evt
}

// closeNotification asks the notifier to close and fires the close handlers
// locally
func (c *Context) closeNotification(notificationID string, done func(error)) {
	if _, ok := c.notifications[notificationID]; !ok {
		if done != nil {
			done(nil)
		}
		return
	}
	c.EmitEvent(EventNotificationClose, notificationID, false)
	scriptID, notifier := c.script.ID, c.svc.Notifier
	c.async(func(ctx context.Context) error {
		return notifier.CloseNotification(ctx, scriptID, notificationID)
	}, done)
}

func gmNotification(c *Context, call goja.FunctionCall) goja.Value {
	return c.vm.ToValue(c.notify(c.notificationDetails(call), nil))
}

func gmCloseNotification(c *Context, call goja.FunctionCall) goja.Value {
	c.closeNotification(call.Argument(0).String(), nil)
	return goja.Undefined()
}

func gmUpdateNotification(c *Context, call goja.FunctionCall) goja.Value {
	notificationID := call.Argument(0).String()
	n, ok := c.notifications[notificationID]
	details := c.optionalObject(call.Argument(1))
	if !ok || details == nil {
		return goja.Undefined()
	}
	c.buildNotification(n, details)
	scriptID, notifier, sent := c.script.ID, c.svc.Notifier, *n
	c.async(func(ctx context.Context) error {
		return notifier.UpdateNotification(ctx, scriptID, sent)
	}, func(err error) {
		if err != nil {
			c.logger.Warn("notification update failed", zap.String("id", sent.ID), zap.Error(err))
		}
	})
	return goja.Undefined()
}

// ============================================================================
// Tabs and clipboard
// ============================================================================

func tabOptions(v goja.Value) TabOptions {
	opts := TabOptions{Active: true}
	switch arg := v.(type) {
	case *goja.Object:
		opts.Active = boolField(arg, "active")
		opts.Insert = boolField(arg, "insert")
		opts.SetParent = boolField(arg, "setParent")
		opts.Incognito = boolField(arg, "incognito")
	default:
		if present(arg) {
			// the boolean form means "load in background"
			opts.Active = !arg.ToBoolean()
		}
	}
	return opts
}

func (c *Context) openInTab(rawURL string, opts TabOptions, done func(goja.Value, error)) *goja.Object {
	target, err := c.resolveURL(rawURL)
	if err != nil {
		c.typeError("GM_openInTab: %v", err)
	}
	tabID := strconv.FormatInt(c.NextSeq(), 10)
	tab := c.vm.NewObject()
	_ = tab.Set("closed", false)
	_ = tab.Set("onclose", goja.Null())

	c.on(EventTabClose, tabID, func(goja.Value) {
		c.off(EventTabClose, tabID)
		_ = tab.Set("closed", true)
		c.call(tab.Get("onclose"), tab)
	})
	scriptID, tabs := c.script.ID, c.svc.Tabs
	_ = tab.Set("close", func(goja.FunctionCall) goja.Value {
		if tab.Get("closed").ToBoolean() {
			return goja.Undefined()
		}
		c.async(func(ctx context.Context) error {
			return tabs.CloseTab(ctx, scriptID, tabID)
		}, func(err error) {
			if err != nil {
				c.logger.Warn("failed to close tab", zap.String("tab", tabID), zap.Error(err))
			}
		})
		c.EmitEvent(EventTabClose, tabID, nil)
		return goja.Undefined()
	})

	c.async(func(ctx context.Context) error {
		return tabs.OpenTab(ctx, scriptID, tabID, target, opts)
	}, func(err error) {
		if err != nil {
			c.logger.Warn("failed to open tab", zap.String("url", target), zap.Error(err))
			c.EmitEvent(EventTabClose, tabID, nil)
		}
		if done != nil {
			done(tab, err)
		}
	})
	return tab
}

func gmOpenInTab(c *Context, call goja.FunctionCall) goja.Value {
	return c.openInTab(call.Argument(0).String(), tabOptions(call.Argument(1)), nil)
}

func clipboardType(v goja.Value) string {
	mime := "text/plain"
	switch arg := v.(type) {
	case *goja.Object:
		if t := stringField(arg, "mimetype"); t != "" {
			return t
		}
		if t := stringField(arg, "type"); t != "" {
			mime = shortMime(t)
		}
	default:
		if present(arg) {
			mime = shortMime(arg.String())
		}
	}
	return mime
}

func shortMime(t string) string {
	switch t {
	case "text":
		return "text/plain"
	case "html":
		return "text/html"
	}
	return t
}

func (c *Context) setClipboard(call goja.FunctionCall, done func(error)) {
	data := call.Argument(0).String()
	mime := clipboardType(call.Argument(1))
	scriptID, clipboard := c.script.ID, c.svc.Clipboard
	c.async(func(ctx context.Context) error {
		return clipboard.SetClipboard(ctx, scriptID, data, mime)
	}, func(err error) {
		if err != nil {
			c.logger.Warn("clipboard write failed", zap.Error(err))
		}
		if done != nil {
			done(err)
		}
	})
}

func gmSetClipboard(c *Context, call goja.FunctionCall) goja.Value {
	c.setClipboard(call, nil)
	return goja.Undefined()
}
