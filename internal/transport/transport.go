package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
)

// ErrClosed is returned by calls made after Close
var ErrClosed = errors.New("transport closed")

// Tag identifies the script instance a call is made for
type Tag struct {
	ScriptID id.ScriptID `json:"scriptId"`
	RunFlag  id.RunFlag  `json:"runFlag"`
}

// Request is one outbound request made on behalf of a script
type Request struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
	User      string            `json:"user,omitempty"`
	Password  string            `json:"password,omitempty"`
	Anonymous bool              `json:"anonymous,omitempty"`
}

// Response is a completed response. Body is nil for streamed responses.
type Response struct {
	FinalURL   string        `json:"finalUrl"`
	Status     int           `json:"status"`
	StatusText string        `json:"statusText"`
	Headers    http.Header   `json:"headers"`
	Body       []byte        `json:"body,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Chunk is one piece of a streamed body. Total is -1 when unknown.
type Chunk struct {
	Data   []byte `json:"data"`
	Loaded int64  `json:"loaded"`
	Total  int64  `json:"total"`
}

// StreamHandler receives a streamed response. OnResponse fires once with the
// status and headers before any chunk. Returning an error from OnChunk aborts.
type StreamHandler struct {
	OnResponse func(*Response)
	OnChunk    func(Chunk) error
}

// Transport carries requests for I/O capabilities. Implementations must be safe
// for concurrent use; calls block and are made off the loop goroutine.
type Transport interface {
	Do(ctx context.Context, tag Tag, req *Request) (*Response, error)
	Stream(ctx context.Context, tag Tag, req *Request, h StreamHandler) error
	Close() error
}

func normalizeMethod(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return m
}
