// Package rpc implements the request/response protocol spoken between the
// build orchestrator and its document workers.
//
// Messages are newline-delimited JSON objects. Every request carries an ID
// that the matching response echoes, so a single connection can have many
// calls in flight. Failures travel as errors.Wire values and are rebuilt
// into the same typed error on the calling side.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/conneroisu/contentlayer/internal/buildconfig"
	"github.com/conneroisu/contentlayer/internal/errors"
	"github.com/conneroisu/contentlayer/internal/logging"
	"github.com/conneroisu/contentlayer/internal/source"
)

// MethodProcessDocument is the only method workers serve.
const MethodProcessDocument = "ProcessDocument"

const moduleName = "ContentWorker"

// Request is one call on the wire.
type Request struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers the request with the same ID. A nil Error means success.
type Response struct {
	ID    uint64       `json:"id"`
	Error *errors.Wire `json:"error,omitempty"`
}

// ProcessDocumentRequest asks a worker to build and persist one document.
// ConfigHash identifies the configuration generation the request belongs to,
// so a worker never serves it from a configuration cached for another one.
type ProcessDocumentRequest struct {
	ConfigPath buildconfig.ConfigPath `json:"configPath"`
	ConfigHash string                 `json:"configHash,omitempty"`
	Name       string                 `json:"name"`
	ID         string                 `json:"id"`
	Meta       source.Meta            `json:"meta"`
}

// Handler serves worker requests.
type Handler interface {
	ProcessDocument(ctx context.Context, req ProcessDocumentRequest) error
}

// transportError wraps a connection failure.
func transportError(cause error) error {
	return errors.NewContentlayerError(moduleName, "transport", "worker connection failed", cause)
}

func isClosed(err error) bool {
	return stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, io.ErrClosedPipe) ||
		stderrors.Is(err, net.ErrClosed) ||
		stderrors.Is(err, os.ErrClosed)
}

func newDecoder(r io.Reader) *json.Decoder {
	return json.NewDecoder(bufio.NewReaderSize(r, 64<<10))
}

// Client is a multiplexed caller over one connection.
type Client struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[uint64]chan Response
	nextID  uint64
	err     error
	done    chan struct{}
}

// NewClient starts reading responses from conn.
func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[uint64]chan Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	return c
}

func (c *Client) readLoop() {
	dec := newDecoder(c.conn)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			c.fail(transportError(err))

			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		// Responses to abandoned calls are dropped.
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()

		return
	}
	c.err = err
	c.pending = make(map[uint64]chan Response)
	close(c.done)
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Call sends method with payload and waits for the response. If ctx ends
// first the call is abandoned and its response ignored.
func (c *Client) Call(ctx context.Context, method string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", method, err)
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()

		return err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.enc.Encode(Request{ID: id, Method: method, Payload: data})
	c.writeMu.Unlock()
	if err != nil {
		c.fail(transportError(err))

		return c.Err()
	}

	select {
	case resp := <-ch:
		return resp.Error.Err()
	case <-ctx.Done():
		c.forget(id)

		return ctx.Err()
	case <-c.done:
		select {
		case resp := <-ch:
			return resp.Error.Err()
		default:
			return c.Err()
		}
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// ProcessDocument calls MethodProcessDocument.
func (c *Client) ProcessDocument(ctx context.Context, req ProcessDocumentRequest) error {
	return c.Call(ctx, MethodProcessDocument, req)
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Done is closed once the connection has failed or been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the client stopped, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Close closes the connection and fails pending calls.
func (c *Client) Close() error {
	c.fail(transportError(net.ErrClosed))

	return nil
}

// Server dispatches requests read from a connection to a Handler.
type Server struct {
	handler Handler
	logger  logging.Logger
}

// NewServer creates a server for handler.
func NewServer(handler Handler, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}

	return &Server{handler: handler, logger: logger.WithComponent("rpc")}
}

// Serve handles requests until conn is closed or ctx ends. Each request runs
// on its own goroutine; handlers still running when the connection goes away
// are cancelled and awaited.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
		enc     = json.NewEncoder(conn)
		dec     = newDecoder(conn)
	)
	defer wg.Wait()

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			closed := isClosed(err) || ctx.Err() != nil
			cancel()
			if closed {
				return nil
			}

			return fmt.Errorf("reading request: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := Response{ID: req.ID, Error: errors.ToWire(s.dispatch(ctx, req), moduleName, req.Method)}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := enc.Encode(resp); err != nil && !isClosed(err) {
				s.logger.Warn(ctx, err, "Failed to write response", "id", req.ID, "method", req.Method)
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) error {
	switch req.Method {
	case MethodProcessDocument:
		var p ProcessDocumentRequest
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errors.NewContentlayerError(moduleName, req.Method, "invalid payload", err)
		}

		return s.handler.ProcessDocument(ctx, p)
	default:
		return errors.NewContentlayerError(moduleName, "dispatch", fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}
