package gm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/permission"
	"github.com/GriffinCanCode/gmsandbox/internal/transport"
)

// XHR ready states
const (
	stateOpened          = 1
	stateHeadersReceived = 2
	stateLoading         = 3
	stateDone            = 4
)

// Failure kinds delivered to request sinks, also used as metric results
const (
	failError   = "error"
	failTimeout = "timeout"
	failAbort   = "abort"
	failDenied  = "denied"
)

var xhrCapabilities = []string{"GM_xmlhttpRequest", "GM_xmlHttpRequest", "GM.xmlHttpRequest"}

var downloadCapabilities = []string{"GM_download", "GM.download"}

type requestSpec struct {
	req          transport.Request
	responseType string
	stream       bool
	// collect keeps streamed chunks for the final response
	collect      bool
	capabilities []string
	// checkConnect subjects the target host to the @connect list
	checkConnect bool
}

// requestSink receives request progress on the loop
type requestSink struct {
	onStart   func()
	onHeaders func(resp *transport.Response)
	onChunk   func(chunk transport.Chunk)
	onDone    func(resp *transport.Response)
	onFail    func(kind string, err error)
}

type inflight struct {
	id      int64
	cancel  context.CancelFunc
	settled bool
}

func (c *Context) resolveURL(raw string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(c.page.URL())
	if err != nil || base.Opaque != "" || base.Host == "" {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	return base.ResolveReference(ref).String(), nil
}

// parseRequest reads the GM_xmlhttpRequest details object
func (c *Context) parseRequest(details *goja.Object) (*requestSpec, error) {
	target, err := c.resolveURL(stringField(details, "url"))
	if err != nil {
		return nil, err
	}
	spec := &requestSpec{
		req: transport.Request{
			Method:    strings.ToUpper(stringField(details, "method")),
			URL:       target,
			User:      stringField(details, "user"),
			Password:  stringField(details, "password"),
			Anonymous: boolField(details, "anonymous"),
		},
		responseType: strings.ToLower(stringField(details, "responseType")),
		capabilities: xhrCapabilities,
		checkConnect: true,
	}
	if spec.req.Method == "" {
		spec.req.Method = http.MethodGet
	}
	if v := details.Get("timeout"); present(v) && v.ToInteger() > 0 {
		spec.req.Timeout = time.Duration(v.ToInteger()) * time.Millisecond
	}
	if headers := c.optionalObject(details.Get("headers")); headers != nil {
		spec.req.Headers = make(map[string]string)
		for _, k := range headers.Keys() {
			spec.req.Headers[k] = headers.Get(k).String()
		}
	}
	if mime := stringField(details, "overrideMimeType"); mime != "" {
		if spec.req.Headers == nil {
			spec.req.Headers = make(map[string]string)
		}
		spec.req.Headers["Accept"] = mime
	}
	spec.req.Body = requestBody(details.Get("data"))

	_, hasProgress := goja.AssertFunction(details.Get("onprogress"))
	spec.stream = spec.responseType == "stream" || hasProgress
	spec.collect = spec.responseType != "stream"
	return spec, nil
}

func requestBody(v goja.Value) []byte {
	if !present(v) {
		return nil
	}
	switch data := v.Export().(type) {
	case goja.ArrayBuffer:
		return append([]byte(nil), data.Bytes()...)
	case []byte:
		return append([]byte(nil), data...)
	}
	return []byte(v.String())
}

// startRequest verifies and runs spec off the loop, reporting to sink on the
// loop. The returned handle aborts it.
func (c *Context) startRequest(spec *requestSpec, sink requestSink) *inflight {
	var reqCtx context.Context
	var cancel context.CancelFunc
	if spec.req.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(c.ctx, spec.req.Timeout)
	} else {
		reqCtx, cancel = context.WithCancel(c.ctx)
	}
	fl := &inflight{id: c.NextSeq(), cancel: cancel}

	loop := c.page.Loop()
	live := func() bool { return !fl.settled && !c.closed }
	loop.Post(func() {
		if live() && sink.onStart != nil {
			sink.onStart()
		}
	})

	perm := permission.Request{Script: c.script, Capabilities: spec.capabilities, PageURL: c.page.URL()}
	if spec.checkConnect {
		perm.URL = spec.req.URL
	}
	tag := transport.Tag{ScriptID: c.script.ID, RunFlag: c.runFlag}
	verifier, tr := c.svc.Verifier, c.svc.Transport
	req := spec.req
	started := time.Now()

	release := loop.Hold()
	go func() {
		defer cancel()
		var resp *transport.Response
		err := verifier.Verify(reqCtx, perm)
		denied := err != nil
		if err == nil && spec.stream {
			var body []byte
			err = tr.Stream(reqCtx, tag, &req, transport.StreamHandler{
				OnResponse: func(r *transport.Response) {
					resp = r
					headers := *r
					loop.Post(func() {
						if live() && sink.onHeaders != nil {
							sink.onHeaders(&headers)
						}
					})
				},
				OnChunk: func(chunk transport.Chunk) error {
					if spec.collect {
						body = append(body, chunk.Data...)
					}
					loop.Post(func() {
						if live() && sink.onChunk != nil {
							sink.onChunk(chunk)
						}
					})
					return nil
				},
			})
			if resp != nil {
				final := *resp
				final.Body = body
				resp = &final
			}
		} else if err == nil {
			resp, err = tr.Do(reqCtx, tag, &req)
		}

		release(func() {
			if !live() {
				return
			}
			fl.settled = true
			kind := ""
			switch {
			case denied:
				kind = failDenied
			case errors.Is(err, context.DeadlineExceeded):
				kind = failTimeout
			case err != nil:
				kind = failError
			case resp == nil:
				kind, err = failError, errors.New("no response")
			}
			if kind != "" {
				c.metrics.RecordRequest(req.Method, kind, time.Since(started))
				c.logger.Debug("request failed", zap.String("url", req.URL), zap.String("kind", kind), zap.Error(err))
				sink.onFail(kind, err)
				return
			}
			c.metrics.RecordRequest(req.Method, "ok", time.Since(started))
			sink.onDone(resp)
		})
	}()
	return fl
}

// abort cancels a request that has not settled and reports it to sink
func (c *Context) abort(fl *inflight, sink requestSink, method string) {
	if fl.settled || c.closed {
		return
	}
	fl.settled = true
	fl.cancel()
	c.metrics.RecordRequest(method, failAbort, 0)
	sink.onFail(failAbort, context.Canceled)
}

// ============================================================================
// GM_xmlhttpRequest
// ============================================================================

type xhr struct {
	c          *Context
	details    *goja.Object
	spec       *requestSpec
	readyState int
	resp       *transport.Response
	loaded     int64
	total      int64
	reader     *streamReader
	// settle hooks for the promise form
	resolve func(goja.Value)
	reject  func(goja.Value)
}

func (c *Context) xmlHTTPRequest(details *goja.Object, resolve, reject func(goja.Value)) *goja.Object {
	spec, err := c.parseRequest(details)
	if err != nil {
		c.typeError("GM_xmlhttpRequest: %v", err)
	}
	x := &xhr{c: c, details: details, spec: spec, resolve: resolve, reject: reject, total: -1}
	if spec.responseType == "stream" {
		x.reader = newStreamReader(c)
	}

	sink := requestSink{
		onStart: func() {
			x.readyState = stateOpened
			x.fire("onloadstart", x.response(nil))
		},
		onHeaders: func(resp *transport.Response) {
			x.resp = resp
			x.readyState = stateHeadersReceived
			x.fire("onreadystatechange", x.response(nil))
		},
		onChunk: func(chunk transport.Chunk) {
			x.readyState = stateLoading
			x.loaded, x.total = chunk.Loaded, chunk.Total
			if x.reader != nil {
				x.reader.push(chunk.Data)
			}
			x.fire("onprogress", x.response(nil))
		},
		onDone: func(resp *transport.Response) {
			x.resp = resp
			x.readyState = stateDone
			if x.reader != nil {
				x.reader.finish()
			}
			res := x.response(nil)
			x.fire("onreadystatechange", res)
			x.fire("onload", res)
			x.fire("onloadend", res)
			if x.resolve != nil {
				x.resolve(res)
			}
		},
		onFail: func(kind string, err error) {
			x.readyState = stateDone
			if x.reader != nil {
				x.reader.fail(err)
			}
			res := x.response(err)
			switch kind {
			case failTimeout:
				x.fire("ontimeout", res)
			case failAbort:
				x.fire("onabort", res)
			default:
				x.fire("onerror", res)
			}
			x.fire("onloadend", res)
			if x.reject != nil {
				x.reject(res)
			}
		},
	}
	fl := c.startRequest(spec, sink)

	handle := c.vm.NewObject()
	_ = handle.Set("abort", func(goja.FunctionCall) goja.Value {
		c.abort(fl, sink, spec.req.Method)
		return goja.Undefined()
	})
	return handle
}

func (x *xhr) fire(name string, res goja.Value) {
	x.c.call(x.details.Get(name), x.details, res)
}

// response builds the object passed to callbacks
func (x *xhr) response(failure error) *goja.Object {
	c := x.c
	vm := c.vm
	res := vm.NewObject()
	_ = res.Set("readyState", x.readyState)
	_ = res.Set("context", x.details.Get("context"))
	_ = res.Set("finalUrl", x.spec.req.URL)
	_ = res.Set("status", 0)
	_ = res.Set("statusText", "")
	_ = res.Set("responseHeaders", "")

	if x.readyState >= stateLoading || x.spec.stream {
		_ = res.Set("loaded", x.loaded)
		_ = res.Set("total", x.total)
		_ = res.Set("lengthComputable", x.total >= 0)
	}
	if failure != nil {
		_ = res.Set("error", failure.Error())
	}
	if x.resp == nil {
		return res
	}

	_ = res.Set("finalUrl", x.resp.FinalURL)
	_ = res.Set("status", x.resp.Status)
	_ = res.Set("statusText", x.resp.StatusText)
	_ = res.Set("responseHeaders", formatHeaders(x.resp.Headers))

	if x.reader != nil {
		_ = res.Set("response", x.reader.object())
		return res
	}
	if x.readyState != stateDone || failure != nil {
		return res
	}
	body := x.resp.Body
	switch x.spec.responseType {
	case "json":
		v, err := c.page.ParseJSON(body)
		if err != nil {
			v = goja.Undefined()
		}
		_ = res.Set("response", v)
	case "arraybuffer", "blob":
		_ = res.Set("response", vm.NewArrayBuffer(append([]byte(nil), body...)))
	default:
		_ = res.Set("response", string(body))
	}
	if x.spec.responseType == "" || x.spec.responseType == "text" || x.spec.responseType == "json" {
		_ = res.Set("responseText", string(body))
	}
	return res
}

func formatHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(strings.ToLower(k))
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

func gmXmlhttpRequest(c *Context, call goja.FunctionCall) goja.Value {
	details := c.optionalObject(call.Argument(0))
	if details == nil {
		c.typeError("GM_xmlhttpRequest: details must be an object")
	}
	return c.xmlHTTPRequest(details, nil, nil)
}

// ============================================================================
// Stream reader
// ============================================================================

// streamReader exposes streamed chunks through a minimal getReader().read()
// interface
type streamReader struct {
	c       *Context
	obj     *goja.Object
	queue   [][]byte
	waiting []func(goja.Value)
	done    bool
	err     error
}

func newStreamReader(c *Context) *streamReader {
	return &streamReader{c: c}
}

func (s *streamReader) object() *goja.Object {
	if s.obj != nil {
		return s.obj
	}
	vm := s.c.vm
	reader := vm.NewObject()
	_ = reader.Set("read", func(goja.FunctionCall) goja.Value {
		promise, resolve, reject := s.c.page.Deferred()
		switch {
		case len(s.queue) > 0:
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			resolve(s.result(chunk))
		case s.err != nil:
			reject(vm.NewGoError(s.err))
		case s.done:
			resolve(s.result(nil))
		default:
			s.waiting = append(s.waiting, resolve)
		}
		return promise
	})
	_ = reader.Set("cancel", func(goja.FunctionCall) goja.Value {
		s.queue = nil
		s.finish()
		return goja.Undefined()
	})
	stream := vm.NewObject()
	_ = stream.Set("getReader", func(goja.FunctionCall) goja.Value { return reader })
	s.obj = stream
	return stream
}

func (s *streamReader) result(chunk []byte) goja.Value {
	vm := s.c.vm
	res := vm.NewObject()
	if chunk == nil {
		_ = res.Set("done", true)
		_ = res.Set("value", goja.Undefined())
		return res
	}
	_ = res.Set("done", false)
	arr, err := vm.New(vm.Get("Uint8Array"), vm.ToValue(vm.NewArrayBuffer(chunk)))
	if err != nil {
		_ = res.Set("value", vm.NewArrayBuffer(chunk))
	} else {
		_ = res.Set("value", arr)
	}
	return res
}

func (s *streamReader) push(data []byte) {
	if s.done {
		return
	}
	chunk := append([]byte(nil), data...)
	if len(s.waiting) > 0 {
		resolve := s.waiting[0]
		s.waiting = s.waiting[1:]
		resolve(s.result(chunk))
		return
	}
	s.queue = append(s.queue, chunk)
}

func (s *streamReader) finish() {
	if s.done {
		return
	}
	s.done = true
	for _, resolve := range s.waiting {
		resolve(s.result(nil))
	}
	s.waiting = nil
}

func (s *streamReader) fail(err error) {
	if s.done {
		return
	}
	s.err = err
	s.finish()
}

// ============================================================================
// GM_download
// ============================================================================

func (c *Context) download(details *goja.Object, resolve, reject func(goja.Value)) *goja.Object {
	target, err := c.resolveURL(stringField(details, "url"))
	if err != nil {
		c.typeError("GM_download: %v", err)
	}
	name := stringField(details, "name")
	if name == "" {
		name = pathBase(target)
	}
	spec := &requestSpec{
		req:          transport.Request{Method: http.MethodGet, URL: target},
		collect:      true,
		capabilities: downloadCapabilities,
	}
	if headers := c.optionalObject(details.Get("headers")); headers != nil {
		spec.req.Headers = make(map[string]string)
		for _, k := range headers.Keys() {
			spec.req.Headers[k] = headers.Get(k).String()
		}
	}
	if v := details.Get("timeout"); present(v) && v.ToInteger() > 0 {
		spec.req.Timeout = time.Duration(v.ToInteger()) * time.Millisecond
	}
	_, spec.stream = goja.AssertFunction(details.Get("onprogress"))

	fail := func(callback, message string) {
		res := c.vm.NewObject()
		_ = res.Set("error", message)
		c.call(details.Get(callback), details, res)
		if reject != nil {
			reject(res)
		}
	}

	sink := requestSink{
		onChunk: func(chunk transport.Chunk) {
			res := c.vm.NewObject()
			_ = res.Set("loaded", chunk.Loaded)
			_ = res.Set("total", chunk.Total)
			_ = res.Set("lengthComputable", chunk.Total >= 0)
			c.call(details.Get("onprogress"), details, res)
		},
		onDone: func(resp *transport.Response) {
			if resp.Status >= 400 {
				fail("onerror", fmt.Sprintf("server responded %d", resp.Status))
				return
			}
			scriptID, downloader, body := c.script.ID, c.svc.Downloader, resp.Body
			var saved string
			c.async(func(ctx context.Context) error {
				var err error
				saved, err = downloader.Save(ctx, scriptID, name, body)
				return err
			}, func(err error) {
				if err != nil {
					fail("onerror", err.Error())
					return
				}
				res := c.vm.NewObject()
				_ = res.Set("url", target)
				_ = res.Set("name", name)
				_ = res.Set("path", saved)
				c.call(details.Get("onload"), details, res)
				if resolve != nil {
					resolve(res)
				}
			})
		},
		onFail: func(kind string, err error) {
			switch kind {
			case failTimeout:
				fail("ontimeout", "timeout")
			case failAbort:
				fail("onabort", "aborted")
			case failDenied:
				fail("onerror", "not_permitted")
			default:
				fail("onerror", err.Error())
			}
		},
	}
	fl := c.startRequest(spec, sink)

	handle := c.vm.NewObject()
	_ = handle.Set("abort", func(goja.FunctionCall) goja.Value {
		c.abort(fl, sink, http.MethodGet)
		return goja.Undefined()
	})
	return handle
}

func pathBase(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "download"
	}
	parts := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	if last := parts[len(parts)-1]; last != "" {
		return last
	}
	return "download"
}

// gmDownload takes (details) or (url, name)
func gmDownload(c *Context, call goja.FunctionCall) goja.Value {
	details := c.downloadDetails(call)
	return c.download(details, nil, nil)
}

func (c *Context) downloadDetails(call goja.FunctionCall) *goja.Object {
	if obj := c.optionalObject(call.Argument(0)); obj != nil {
		return obj
	}
	details := c.vm.NewObject()
	_ = details.Set("url", call.Argument(0))
	if v := call.Argument(1); present(v) {
		_ = details.Set("name", v)
	}
	return details
}
