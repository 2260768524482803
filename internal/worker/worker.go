// Package worker implements the worker side of document processing.
//
// A Handler keeps a reference-counted copy of every configuration it has been
// asked about and, per document type, a pipeline that runs
// hydrate → decode → resolve → persist one document at a time. Identical
// requests arriving while one is in flight share its result.
package worker

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/contentlayer/internal/buildconfig"
	"github.com/conneroisu/contentlayer/internal/document"
	"github.com/conneroisu/contentlayer/internal/errors"
	"github.com/conneroisu/contentlayer/internal/logging"
	"github.com/conneroisu/contentlayer/internal/rcmap"
	"github.com/conneroisu/contentlayer/internal/rpc"
	"github.com/conneroisu/contentlayer/internal/source"
	"github.com/conneroisu/contentlayer/internal/storage"
)

// DefaultIdleTTL is how long an unused configuration or pipeline is kept.
const DefaultIdleTTL = time.Minute

const moduleName = "ContentWorker"

// Options configures a Handler.
type Options struct {
	Load    buildconfig.LoadFunc
	Storage *storage.Storage
	IdleTTL time.Duration
	Logger  logging.Logger
}

// Stats counts handler activity.
type Stats struct {
	Requests   int64
	Processed  int64
	ConfigLoad int64
}

// Handler serves ProcessDocument requests.
type Handler struct {
	load      buildconfig.LoadFunc
	storage   *storage.Storage
	logger    logging.Logger
	configs   *rcmap.Map[configKey, *buildconfig.BuildConfig]
	pipelines *rcmap.Map[*document.DocumentType, *pipeline]

	requests  int64
	processed int64
}

var _ rpc.Handler = (*Handler)(nil)

// configKey identifies one loaded configuration. The hash keeps a
// recompiled configuration at the same path from being served stale.
type configKey struct {
	path buildconfig.ConfigPath
	hash string
}

// NewHandler creates a handler.
func NewHandler(opts Options) *Handler {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	h := &Handler{
		load:    opts.Load,
		storage: opts.Storage,
		logger:  opts.Logger.WithComponent("worker"),
	}
	h.configs = rcmap.New(h.loadConfig, rcmap.Options[*buildconfig.BuildConfig]{IdleTTL: opts.IdleTTL})
	h.pipelines = rcmap.New(h.newPipeline, rcmap.Options[*pipeline]{
		IdleTTL: opts.IdleTTL,
		Release: func(p *pipeline) { p.close() },
	})

	return h
}

func (h *Handler) loadConfig(ctx context.Context, key configKey) (*buildconfig.BuildConfig, error) {
	h.logger.Debug(ctx, "Loading configuration", "path", key.path.Path, "configHash", key.hash)
	cfg, err := h.load(ctx, key.path)
	if err != nil {
		if errors.IsContentlayerError(err) {
			return nil, err
		}

		return nil, errors.NewContentlayerError(moduleName, "config", "failed to load configuration", err)
	}

	return cfg, nil
}

func (h *Handler) newPipeline(_ context.Context, dt *document.DocumentType) (*pipeline, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		dt:      dt,
		handler: h,
		jobs:    make(chan job),
		ctx:     ctx,
		cancel:  cancel,
	}
	go p.run()

	return p, nil
}

// ProcessDocument builds and persists one document.
func (h *Handler) ProcessDocument(ctx context.Context, req rpc.ProcessDocumentRequest) error {
	atomic.AddInt64(&h.requests, 1)

	cfg, release, err := h.configs.Get(ctx, configKey{path: req.ConfigPath, hash: req.ConfigHash})
	if err != nil {
		return err
	}
	defer release()

	dt, ok := cfg.Lookup(req.Name)
	if !ok {
		return errors.NewContentlayerError(moduleName, "ProcessDocument",
			fmt.Sprintf("unknown document type %q", req.Name), nil)
	}

	p, releasePipeline, err := h.pipelines.Get(ctx, dt)
	if err != nil {
		return err
	}
	defer releasePipeline()

	return p.submit(ctx, req.ID, req.Meta)
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Requests:   atomic.LoadInt64(&h.requests),
		Processed:  atomic.LoadInt64(&h.processed),
		ConfigLoad: h.configs.Stats().Lookups,
	}
}

// Close drops every cached configuration and stops the pipelines.
func (h *Handler) Close() {
	h.pipelines.Close()
	h.configs.Close()
}

type job struct {
	id     string
	meta   source.Meta
	result chan error
}

// pipeline serialises document processing for one document type.
type pipeline struct {
	dt      *document.DocumentType
	handler *Handler
	jobs    chan job
	group   singleflight.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

func (p *pipeline) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.jobs:
			j.result <- p.process(p.ctx, j.id, j.meta)
		}
	}
}

func (p *pipeline) close() { p.cancel() }

// submit queues a document, joining an identical request already in flight.
func (p *pipeline) submit(ctx context.Context, id string, meta source.Meta) error {
	key := id + "\x00" + meta.String()
	ch := p.group.DoChan(key, func() (interface{}, error) {
		j := job{id: id, meta: meta, result: make(chan error, 1)}
		select {
		case p.jobs <- j:
		case <-p.ctx.Done():
			return nil, p.ctx.Err()
		}
		select {
		case err := <-j.result:
			return nil, err
		case <-p.ctx.Done():
			return nil, p.ctx.Err()
		}
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeline) process(ctx context.Context, id string, meta source.Meta) error {
	added, err := p.dt.Source.Hydrate(ctx, id, meta)
	if err != nil {
		if errors.IsContentlayerError(err) {
			return err
		}

		return errors.WrapBuild(p.dt.Name, id, err)
	}
	doc, err := document.Build(ctx, p.dt, added.Output)
	if err != nil {
		return err
	}
	if err := p.handler.storage.Write(ctx, doc); err != nil {
		return errors.NewContentlayerError("DocumentStorage", "write", "failed to write document", err)
	}
	atomic.AddInt64(&p.handler.processed, 1)
	p.handler.logger.Debug(ctx, "Document processed", "documentType", p.dt.Name, "documentId", id)

	return nil
}

type stdio struct {
	io.Reader
	io.Writer
}

func (s stdio) Close() error {
	if c, ok := s.Reader.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

// Serve answers requests read from r on w until r is exhausted or ctx ends.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h *Handler, logger logging.Logger) error {
	return rpc.NewServer(h, logger).Serve(ctx, stdio{Reader: r, Writer: w})
}
