package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
)

// Frame types exchanged with the bridge peer
const (
	FrameRequest  = "request"
	FrameStream   = "stream"
	FrameAbort    = "abort"
	FrameResponse = "response"
	FrameChunk    = "chunk"
	FrameEnd      = "end"
	FrameError    = "error"
)

// Frame is one websocket message. Requests go out as request/stream/abort; the
// peer answers with response, then chunk and end for streams, or error.
type Frame struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Tag      *Tag      `json:"tag,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Chunk    *Chunk    `json:"chunk,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Bridge forwards requests to a privileged peer over one websocket connection,
// the way a content script relays through its extension.
type Bridge struct {
	conn   *websocket.Conn
	logger *logging.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]*bridgeCall
	closed  bool
	done    chan struct{}
}

type bridgeCall struct {
	frames chan Frame
	gone   chan struct{}
}

// DialBridge connects to a bridge peer
func DialBridge(ctx context.Context, rawURL string, logger *logging.Logger) (*Bridge, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge: %w", err)
	}
	b := &Bridge{
		conn:    conn,
		logger:  logger.Named("bridge"),
		pending: make(map[string]*bridgeCall),
		done:    make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

// Do implements Transport
func (b *Bridge) Do(ctx context.Context, tag Tag, req *Request) (*Response, error) {
	callID, call, err := b.start(ctx, FrameRequest, tag, req)
	if err != nil {
		return nil, err
	}
	defer b.finish(callID, call)

	for {
		f, err := b.next(ctx, callID, call)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case FrameResponse:
			if f.Response == nil {
				return nil, errors.New("bridge sent an empty response")
			}
			return f.Response, nil
		case FrameError:
			return nil, fmt.Errorf("bridge: %s", f.Error)
		}
	}
}

// Stream implements Transport
func (b *Bridge) Stream(ctx context.Context, tag Tag, req *Request, h StreamHandler) error {
	callID, call, err := b.start(ctx, FrameStream, tag, req)
	if err != nil {
		return err
	}
	defer b.finish(callID, call)

	for {
		f, err := b.next(ctx, callID, call)
		if err != nil {
			return err
		}
		switch f.Type {
		case FrameResponse:
			if h.OnResponse != nil && f.Response != nil {
				h.OnResponse(f.Response)
			}
		case FrameChunk:
			if h.OnChunk != nil && f.Chunk != nil {
				if err := h.OnChunk(*f.Chunk); err != nil {
					b.abort(callID)
					return err
				}
			}
		case FrameEnd:
			return nil
		case FrameError:
			return fmt.Errorf("bridge: %s", f.Error)
		}
	}
}

// Close implements Transport. Pending calls fail with ErrClosed.
func (b *Bridge) Close() error {
	b.shutdown()
	var err error
	b.closeOnce.Do(func() {
		b.writeMu.Lock()
		defer b.writeMu.Unlock()
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = b.conn.Close()
	})
	return err
}

// Pending returns the number of calls awaiting frames
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) start(ctx context.Context, typ string, tag Tag, req *Request) (string, *bridgeCall, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	callID := id.NewRequestID().String()
	call := &bridgeCall{frames: make(chan Frame, 64), gone: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, ErrClosed
	}
	b.pending[callID] = call
	b.mu.Unlock()

	if err := b.write(Frame{ID: callID, Type: typ, Tag: &tag, Request: req}); err != nil {
		b.finish(callID, call)
		return "", nil, err
	}
	return callID, call, nil
}

func (b *Bridge) next(ctx context.Context, callID string, call *bridgeCall) (Frame, error) {
	select {
	case f := <-call.frames:
		return f, nil
	case <-ctx.Done():
		b.abort(callID)
		return Frame{}, ctx.Err()
	case <-b.done:
		// drain frames that raced with shutdown
		select {
		case f := <-call.frames:
			return f, nil
		default:
			return Frame{}, ErrClosed
		}
	}
}

func (b *Bridge) finish(callID string, call *bridgeCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[callID]; ok {
		delete(b.pending, callID)
		close(call.gone)
	}
}

func (b *Bridge) abort(callID string) {
	if err := b.write(Frame{ID: callID, Type: FrameAbort}); err != nil {
		b.logger.Debug("failed to send abort", zap.String("id", callID), zap.Error(err))
	}
}

func (b *Bridge) write(f Frame) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (b *Bridge) readLoop() {
	defer b.shutdown()
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				b.logger.Debug("bridge read ended", zap.Error(err))
			}
			return
		}
		var f Frame
		if err := sonic.Unmarshal(data, &f); err != nil {
			b.logger.Warn("invalid bridge frame", zap.Error(err))
			continue
		}

		b.mu.Lock()
		call, ok := b.pending[f.ID]
		b.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case call.frames <- f:
		case <-call.gone:
		case <-b.done:
			return
		}
	}
}

// shutdown marks the bridge closed and reports whether this call did it
func (b *Bridge) shutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	close(b.done)
	return true
}
