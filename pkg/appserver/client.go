// Package appserver speaks the line-delimited JSON-RPC dialect the coding
// agents expose in app-server mode. Both codex and opencode use the same
// wire protocol; only the spawn command differs.
package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/logger"
)

// Client drives one agent child process over its stdin/stdout streams.
// Unlike standard JSON-RPC 2.0, the dialect omits the "jsonrpc" field.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	mu        sync.Mutex

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)

	logger   *logger.Logger
	done     chan struct{}
	doneOnce sync.Once
	exited   chan struct{} // closed when the read loop ends
}

// NewClient creates a client over the given streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[interface{}]chan *Response),
		logger:  log.WithFields(zap.String("component", "appserver-client")),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// SetNotificationHandler registers the handler for agent notifications.
// Must be called before Start.
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler registers the handler for agent-initiated requests
// (approval prompts). Must be called before Start.
func (c *Client) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// Start begins reading agent output.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop terminates the client. In-flight Calls fail. Idempotent.
func (c *Client) Stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once the read loop ends, which means the agent's stdout
// closed (child exit) or the client stopped.
func (c *Client) Done() <-chan struct{} { return c.exited }

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	req := &Request{ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	case <-c.exited:
		return nil, fmt.Errorf("agent exited")
	}
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse answers an agent-initiated request.
func (c *Client) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: rpcErr})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	c.mu.Lock()
	_, err = c.stdin.Write(data)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.exited)

	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse message", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		switch {
		case hasID && !hasMethod && (hasResult || hasError):
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod && !hasID:
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("read loop ended", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

// normalizeID maps wire ids back onto the int64 keys Call registered;
// encoding/json decodes numbers as float64.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("request with no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}
