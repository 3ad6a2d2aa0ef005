package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
)

// ErrHandlerExists is returned when a channel name is registered twice.
var ErrHandlerExists = errors.New("ipc: channel handler already registered")

// HandlerFunc serves one channel. The returned value is JSON-encoded into the response.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Transport delivers an envelope to a peer. In a worker the target is ignored
// because the only peer is the supervisor.
type Transport interface {
	Send(target int, msg Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(target int, msg Message) error

// Send calls f.
func (f TransportFunc) Send(target int, msg Message) error { return f(target, msg) }

// RemoteError is returned by Call when the remote handler failed.
type RemoteError struct {
	Channel string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ipc: channel %q: %s", e.Channel, e.Message)
}

type callResult struct {
	response json.RawMessage
	err      error
}

type pendingCall struct {
	channel string
	result  chan callResult
}

// Channel layers request/response calls over a fire-and-forget Transport.
type Channel struct {
	pid       int
	transport Transport
	logger    *slog.Logger

	seq atomic.Uint32

	mu       sync.Mutex
	pending  map[uint32]pendingCall
	handlers map[string]HandlerFunc

	// handlerCtx is passed to every handler invocation.
	handlerCtx context.Context
}

// NewChannel creates a channel for the process identified by pid.
func NewChannel(pid int, transport Transport, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		pid:        pid,
		transport:  transport,
		logger:     logger,
		pending:    make(map[uint32]pendingCall),
		handlers:   make(map[string]HandlerFunc),
		handlerCtx: context.Background(),
	}
}

// SetHandlerContext sets the context handed to handlers, typically the process lifetime.
func (c *Channel) SetHandlerContext(ctx context.Context) {
	c.mu.Lock()
	c.handlerCtx = ctx
	c.mu.Unlock()
}

// RegisterHandler binds fn to name.
func (c *Channel) RegisterHandler(name string, fn HandlerFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[name]; exists {
		return fmt.Errorf("%w: %q", ErrHandlerExists, name)
	}
	c.handlers[name] = fn
	return nil
}

// Call sends payload to the named channel on target and waits for the response.
// There is no built-in timeout: ctx is the only bound on the wait.
func (c *Channel) Call(ctx context.Context, channel string, payload any, target int) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode payload for %q: %w", channel, err)
	}

	id := CorrelationID{PID: c.pid, Seq: c.seq.Add(1)}
	resultCh := make(chan callResult, 1)

	c.mu.Lock()
	c.pending[id.Seq] = pendingCall{channel: channel, result: resultCh}
	c.mu.Unlock()

	req := ChannelRequest{CorrelationID: id, Channel: channel, Payload: body}
	if err := c.transport.Send(target, req); err != nil {
		c.forget(id.Seq)
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-ctx.Done():
		c.forget(id.Seq)
		return nil, ctx.Err()
	}
}

// Invoke is Call with the response decoded into T.
func Invoke[T any](ctx context.Context, c *Channel, channel string, payload any, target int) (T, error) {
	var out T
	raw, err := c.Call(ctx, channel, payload, target)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("ipc: decode response from %q: %w", channel, err)
	}
	return out, nil
}

// Dispatch routes channel envelopes received from peer "from". It reports
// whether msg was a channel envelope.
func (c *Channel) Dispatch(from int, msg Message) bool {
	switch m := msg.(type) {
	case ChannelRequest:
		c.serve(from, m)
		return true
	case ChannelResponse:
		c.resolve(m)
		return true
	}
	return false
}

// Pending returns the number of calls awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FailPending rejects every outstanding call, used when the peer is gone.
func (c *Channel) FailPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.result <- callResult{err: err}
	}
}

func (c *Channel) forget(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Channel) serve(from int, req ChannelRequest) {
	c.mu.Lock()
	handler := c.handlers[req.Channel]
	ctx := c.handlerCtx
	c.mu.Unlock()

	go func() {
		resp := ChannelResponse{CorrelationID: req.CorrelationID}

		// Unregistered channels answer with a null result.
		if handler != nil {
			result, err := handler(ctx, req.Payload)
			if err != nil {
				resp.Error = err.Error()
			} else if body, err := json.Marshal(result); err != nil {
				resp.Error = fmt.Sprintf("encode result: %v", err)
			} else {
				resp.Response = body
			}
		}

		if err := c.transport.Send(from, resp); err != nil {
			c.logger.Warn("channel_response_send_failed",
				"channel", req.Channel,
				"correlation_id", req.CorrelationID.String(),
				"target", from,
				"error", err,
			)
		}
	}()
}

func (c *Channel) resolve(resp ChannelResponse) {
	if resp.CorrelationID.PID != c.pid {
		c.logger.Warn("channel_response_foreign",
			"correlation_id", resp.CorrelationID.String(),
			"pid", c.pid,
		)
		return
	}

	c.mu.Lock()
	call, ok := c.pending[resp.CorrelationID.Seq]
	delete(c.pending, resp.CorrelationID.Seq)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("channel_response_unmatched", "correlation_id", resp.CorrelationID.String())
		return
	}

	if resp.Error != "" {
		call.result <- callResult{err: &RemoteError{Channel: call.channel, Message: resp.Error}}
		return
	}
	call.result <- callResult{response: resp.Response}
}
