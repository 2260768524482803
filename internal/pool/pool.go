// Package pool dispatches document processing requests to a fixed set of
// long-lived worker units.
//
// A request borrows a unit, waits for its correlated response and gives the
// unit back whatever the outcome. Units are started lazily; a unit whose
// connection has died is replaced on its next use, with replacements
// throttled so a crashing worker cannot spin.
package pool

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/conneroisu/contentlayer/internal/errors"
	"github.com/conneroisu/contentlayer/internal/logging"
	"github.com/conneroisu/contentlayer/internal/rpc"
)

// Dispatcher processes one document somewhere. The build orchestrator only
// depends on this.
type Dispatcher interface {
	ProcessDocument(ctx context.Context, req rpc.ProcessDocumentRequest) error
}

// Unit is one worker connection.
type Unit interface {
	ProcessDocument(ctx context.Context, req rpc.ProcessDocumentRequest) error
	Done() <-chan struct{}
	Close() error
}

// Factory starts a new unit.
type Factory func(ctx context.Context) (Unit, error)

// Options configures a Pool.
type Options struct {
	// Size is the number of units. Defaults to GOMAXPROCS.
	Size    int
	Factory Factory
	// RestartInterval is the minimum spacing between unit replacements.
	// Defaults to one second.
	RestartInterval time.Duration
	Logger          logging.Logger
}

// Stats counts pool activity.
type Stats struct {
	Dispatches int64
	Spawns     int64
	Restarts   int64
}

type slot struct {
	index int
	unit  Unit
}

// Pool is a fixed-size set of worker units.
type Pool struct {
	size    int
	factory Factory
	limiter *rate.Limiter
	logger  logging.Logger
	idle    chan *slot

	mu     sync.Mutex
	slots  []*slot
	closed bool
	done   chan struct{}

	dispatches int64
	spawns     int64
	restarts   int64
}

var _ Dispatcher = (*Pool)(nil)

// New creates a pool. No unit is started until it is first needed.
func New(opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = runtime.GOMAXPROCS(0)
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	p := &Pool{
		size:    opts.Size,
		factory: opts.Factory,
		limiter: rate.NewLimiter(rate.Every(opts.RestartInterval), 1),
		logger:  opts.Logger.WithComponent("pool"),
		idle:    make(chan *slot, opts.Size),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.Size; i++ {
		s := &slot{index: i}
		p.slots = append(p.slots, s)
		p.idle <- s
	}

	return p
}

// Size returns the number of units.
func (p *Pool) Size() int { return p.size }

// ProcessDocument borrows a unit and sends req to it. The unit is returned
// to the pool on every path, including cancellation.
func (p *Pool) ProcessDocument(ctx context.Context, req rpc.ProcessDocumentRequest) error {
	var s *slot
	select {
	case s = <-p.idle:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return errors.NewContentlayerError("ContentWorker", "dispatch", "worker pool is closed", nil)
	}
	defer func() { p.idle <- s }()

	unit, err := p.ensure(ctx, s)
	if err != nil {
		return err
	}
	atomic.AddInt64(&p.dispatches, 1)

	return unit.ProcessDocument(ctx, req)
}

// ensure returns a live unit for s, starting or replacing it if needed. Only
// the borrower of s writes s.unit; writes hold mu so Close can read it.
func (p *Pool) ensure(ctx context.Context, s *slot) (Unit, error) {
	if s.unit != nil {
		select {
		case <-s.unit.Done():
			p.logger.Warn(ctx, nil, "Worker exited, restarting", "worker", s.index)
			_ = s.unit.Close()
			p.mu.Lock()
			s.unit = nil
			p.mu.Unlock()
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			atomic.AddInt64(&p.restarts, 1)
		default:
			return s.unit, nil
		}
	}

	unit, err := p.factory(ctx)
	if err != nil {
		return nil, errors.NewContentlayerError("ContentWorker", "spawn", "failed to start worker", err)
	}
	atomic.AddInt64(&p.spawns, 1)

	p.mu.Lock()
	closed := p.closed
	if !closed {
		s.unit = unit
	}
	p.mu.Unlock()
	if closed {
		_ = unit.Close()

		return nil, errors.NewContentlayerError("ContentWorker", "dispatch", "worker pool is closed", nil)
	}
	p.logger.Debug(ctx, "Worker started", "worker", s.index)

	return unit, nil
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Dispatches: atomic.LoadInt64(&p.dispatches),
		Spawns:     atomic.LoadInt64(&p.spawns),
		Restarts:   atomic.LoadInt64(&p.restarts),
	}
}

// Close stops every unit. Calls in flight fail with a transport error.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil
	}
	p.closed = true
	close(p.done)
	units := make([]Unit, 0, len(p.slots))
	for _, s := range p.slots {
		if s.unit != nil {
			units = append(units, s.unit)
		}
	}
	p.mu.Unlock()

	for _, u := range units {
		_ = u.Close()
	}

	return nil
}

// HandlerFactory builds the handler owned by one local unit together with
// the function that releases it.
type HandlerFactory func() (rpc.Handler, func())

// Local runs each unit in-process over a synchronous pipe, speaking the same
// wire protocol as process units. Every unit gets its own handler.
func Local(newHandler HandlerFactory, logger logging.Logger) Factory {
	return func(context.Context) (Unit, error) {
		handler, release := newHandler()
		client, server := net.Pipe()
		ctx, cancel := context.WithCancel(context.Background())
		u := &localUnit{Client: rpc.NewClient(client), stop: cancel, release: release, served: make(chan struct{})}
		go func() {
			defer close(u.served)
			_ = rpc.NewServer(handler, logger).Serve(ctx, server)
		}()

		return u, nil
	}
}

// Shared serves every unit with the same handler.
func Shared(handler rpc.Handler) HandlerFactory {
	return func() (rpc.Handler, func()) { return handler, func() {} }
}

type localUnit struct {
	*rpc.Client
	stop    context.CancelFunc
	release func()
	served  chan struct{}
	once    sync.Once
}

// Close ends the connection, waits for in-flight requests to unwind and
// then releases the unit's handler.
func (u *localUnit) Close() error {
	err := u.Client.Close()
	u.once.Do(func() {
		u.stop()
		<-u.served
		if u.release != nil {
			u.release()
		}
	})

	return err
}

// Process runs each unit as a child process speaking the protocol over its
// standard input and output. The child's standard error is inherited.
func Process(name string, args ...string) Factory {
	return func(context.Context) (Unit, error) {
		cmd := exec.Command(name, args...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("opening worker stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("opening worker stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", name, err)
		}

		return rpc.NewClient(&processConn{Reader: stdout, stdin: stdin, cmd: cmd}), nil
	}
}

type processConn struct {
	io.Reader
	stdin io.WriteCloser
	cmd   *exec.Cmd
	once  sync.Once
}

func (c *processConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

// Close ends the child's input and reaps it in the background.
func (c *processConn) Close() error {
	c.once.Do(func() {
		_ = c.stdin.Close()
		go func() { _ = c.cmd.Wait() }()
	})

	return nil
}
