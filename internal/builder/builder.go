// Package builder implements the document build orchestrator.
//
// Every configuration published by the loader starts a new generation.
// A generation subscribes to the source of each document type, skips
// documents the content cache already holds, dispatches the rest to the
// worker pool and keeps the live id set of every type. Manifest writes are
// coalesced by a single flusher. A newer configuration cancels the running
// generation and waits for it to stop before the next one starts.
package builder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/contentlayer/internal/buildconfig"
	"github.com/conneroisu/contentlayer/internal/cache"
	"github.com/conneroisu/contentlayer/internal/document"
	"github.com/conneroisu/contentlayer/internal/errors"
	"github.com/conneroisu/contentlayer/internal/logging"
	"github.com/conneroisu/contentlayer/internal/pool"
	"github.com/conneroisu/contentlayer/internal/rpc"
	"github.com/conneroisu/contentlayer/internal/source"
	"github.com/conneroisu/contentlayer/internal/storage"
)

// DefaultIndexDebounce is the manifest quiescence window.
const DefaultIndexDebounce = 500 * time.Millisecond

// Options configures a Builder.
type Options struct {
	Loader     buildconfig.Loader
	Cache      *cache.Cache
	Storage    *storage.Storage
	Dispatcher pool.Dispatcher
	Watch      bool
	// IndexDebounce is how long id changes must be quiet before manifests
	// are rewritten.
	IndexDebounce time.Duration
	Metrics       *Metrics
	Logger        logging.Logger
}

// Builder is the build orchestrator.
type Builder struct {
	loader     buildconfig.Loader
	cache      *cache.Cache
	storage    *storage.Storage
	dispatcher pool.Dispatcher
	watch      bool
	debounce   time.Duration
	metrics    *Metrics
	logger     logging.Logger
	errHandler *errors.ErrorHandler
	hashes     *storage.IDHashes
}

// New creates a builder.
func New(opts Options) *Builder {
	if opts.IndexDebounce <= 0 {
		opts.IndexDebounce = DefaultIndexDebounce
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	logger := opts.Logger.WithComponent("builder")

	return &Builder{
		loader:     opts.Loader,
		cache:      opts.Cache,
		storage:    opts.Storage,
		dispatcher: opts.Dispatcher,
		watch:      opts.Watch,
		debounce:   opts.IndexDebounce,
		metrics:    opts.Metrics,
		logger:     logger,
		errHandler: errors.NewErrorHandler(logger),
		hashes:     storage.NewIDHashes(),
	}
}

// Metrics returns the builder's metrics.
func (b *Builder) Metrics() *Metrics { return b.metrics }

// Run consumes configurations until the loader is exhausted or ctx ends.
//
// In one-shot mode Run returns once the generation of the last published
// configuration completes, with the first error it hit, or with ctx's error
// when interrupted. In watch mode
// generations only end when replaced; a generation that fails outright is
// logged and the builder waits for the next configuration.
func (b *Builder) Run(ctx context.Context) error {
	configs, err := b.loader.Configs(ctx)
	if err != nil {
		return err
	}

	var (
		cancel  context.CancelFunc
		genDone chan error
	)
	stop := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-genDone
		cancel, genDone = nil, nil
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			if !b.watch {
				return ctx.Err()
			}

			return nil

		case cfg, ok := <-configs:
			if !ok {
				if genDone == nil {
					return nil
				}
				configs = nil

				continue
			}
			stop()
			var gctx context.Context
			gctx, cancel = context.WithCancel(ctx)
			genDone = make(chan error, 1)
			go func(done chan<- error) { done <- b.generation(gctx, cfg) }(genDone)

		case err := <-genDone:
			cancel()
			cancel, genDone = nil, nil
			if !b.watch {
				return err
			}
			if err != nil && ctx.Err() == nil {
				b.errHandler.Handle(ctx, err)
			}
			if configs == nil {
				return nil
			}
		}
	}
}

// generation builds every document type of cfg. It returns when all
// sources are exhausted (one-shot mode), on the first failure in one-shot
// mode, or when ctx is cancelled.
func (b *Builder) generation(ctx context.Context, cfg *buildconfig.BuildConfig) error {
	logger := b.logger.With("generation", ulid.Make().String(), "configHash", cfg.Hash)
	perf := logging.StartOperation(logger, "build")
	handle := b.cache.Regenerate(cfg.Hash)
	st := newState(cfg.Names())
	if err := b.storage.SeedIDs(b.hashes, cfg.Names()...); err != nil {
		return errors.NewContentlayerError("DocumentStorage", "writeIds", "failed to list existing artifacts", err)
	}

	logger.Info(ctx, "Building documents", "documentTypes", len(cfg.DocumentTypes), "watch", b.watch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.storage.WriteIndex(gctx, cfg.DocumentTypes); err != nil {
			return errors.NewContentlayerError("DocumentStorage", "writeIndex", "failed to write type index", err)
		}

		return nil
	})

	finished := make(chan struct{})
	g.Go(func() error { return b.flushLoop(gctx, logger, st, finished) })

	subs, sctx := errgroup.WithContext(gctx)
	for _, dt := range cfg.DocumentTypes {
		r := &run{builder: b, cfg: cfg, dt: dt, cache: handle, state: st, logger: logger.With("documentType", dt.Name)}
		subs.Go(func() error { return r.consume(sctx) })
	}
	g.Go(func() error {
		err := subs.Wait()
		if err == nil && gctx.Err() == nil {
			close(finished)
		}

		return err
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			perf.EndWithError(ctx, err)
		}

		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	built := atomic.LoadInt64(&st.built)
	b.metrics.recordGeneration(perf.Elapsed())
	perf.End(ctx, fmt.Sprintf("%d documents built successfully in %s", built, perf.Elapsed().Round(time.Millisecond)),
		"documents", built)

	return nil
}

// flushLoop rewrites the manifests of types whose live ids changed once no
// change has arrived for a full debounce window. The timer is armed at start
// so every type gets a manifest even when it has no documents. When finished
// closes a final flush runs.
func (b *Builder) flushLoop(ctx context.Context, logger logging.Logger, st *state, finished <-chan struct{}) error {
	timer := time.NewTimer(b.debounce)
	defer timer.Stop()
	var reported int64

	flush := func() error {
		if err := b.flush(ctx, st); err != nil {
			if !b.watch {
				return err
			}
			b.errHandler.Handle(ctx, err)
		}
		if built := atomic.LoadInt64(&st.built); built != reported {
			logger.Info(ctx, fmt.Sprintf("%d documents built", built), "documents", built)
			reported = built
		}

		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-finished:
			return b.flush(ctx, st)
		case <-st.signal:
			// Reset discards a pending expiry.
			timer.Reset(b.debounce)
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (b *Builder) flush(ctx context.Context, st *state) error {
	for _, change := range st.changed() {
		if err := b.storage.WriteIDs(ctx, b.hashes, change.documentType, change.ids); err != nil {
			return errors.NewContentlayerError("DocumentStorage", "writeIds",
				fmt.Sprintf("failed to write %s manifest", change.documentType), err)
		}
		st.written(change.documentType, change.ids)
		b.metrics.add(&b.metrics.ManifestWrites, 1)
	}

	return nil
}

// run consumes the source of one document type within a generation.
type run struct {
	builder *Builder
	cfg     *buildconfig.BuildConfig
	dt      *document.DocumentType
	cache   *cache.Handle
	state   *state
	logger  logging.Logger

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// consume applies events concurrently across ids and in source order for
// any single id.
func (r *run) consume(ctx context.Context) error {
	events, err := r.dt.Source.Events(ctx, source.Options{Watch: r.builder.watch})
	if err != nil {
		return err
	}
	r.tails = make(map[string]chan struct{})

	tasks, tctx := errgroup.WithContext(ctx)
	for {
		select {
		case <-tctx.Done():
			return tasks.Wait()
		case ev, ok := <-events:
			if !ok {
				return tasks.Wait()
			}
			r.schedule(tctx, tasks, ev)
		}
	}
}

func (r *run) schedule(ctx context.Context, tasks *errgroup.Group, ev source.Event) {
	id := ev.EventID()
	done := make(chan struct{})

	r.mu.Lock()
	prev := r.tails[id]
	r.tails[id] = done
	r.mu.Unlock()

	tasks.Go(func() error {
		defer func() {
			r.mu.Lock()
			if r.tails[id] == done {
				delete(r.tails, id)
			}
			r.mu.Unlock()
			close(done)
		}()
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return r.apply(ctx, ev)
	})
}

func (r *run) apply(ctx context.Context, ev source.Event) error {
	b := r.builder
	switch ev := ev.(type) {
	case source.Added:
		key := cache.Key(r.dt.Name, ev.ID)
		if ev.Initial && r.cache.Exists(key, ev.Version) {
			b.metrics.add(&b.metrics.CacheHits, 1)
			r.state.add(r.dt.Name, ev.ID)

			return nil
		}

		b.metrics.add(&b.metrics.Dispatches, 1)
		err := b.dispatcher.ProcessDocument(ctx, rpc.ProcessDocumentRequest{
			ConfigPath: r.cfg.Path,
			ConfigHash: r.cfg.Hash,
			Name:       r.dt.Name,
			ID:         ev.ID,
			Meta:       ev.Meta(),
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return r.fail(ctx, ev.ID, err)
		}

		r.cache.Add(key, ev.Version)
		atomic.AddInt64(&r.state.built, 1)
		b.metrics.add(&b.metrics.DocumentsBuilt, 1)
		r.state.add(r.dt.Name, ev.ID)
		if !ev.Initial {
			r.logger.Info(ctx, "Document added", "documentId", ev.ID)
		}

	case source.Removed:
		r.cache.Remove(cache.Key(r.dt.Name, ev.ID))
		if r.state.remove(r.dt.Name, ev.ID) {
			b.metrics.add(&b.metrics.Removals, 1)
			r.logger.Info(ctx, "Document removed", "documentId", ev.ID)
		}

	case source.Failed:
		err := ev.Err
		if !errors.IsContentlayerError(err) {
			err = errors.WrapBuild(r.dt.Name, ev.ID, err)
		}

		return r.fail(ctx, ev.ID, err)
	}

	return nil
}

// fail reports a per-document failure. In watch mode it is logged and the
// run continues; otherwise it ends the run.
func (r *run) fail(ctx context.Context, id string, err error) error {
	b := r.builder
	b.metrics.add(&b.metrics.Failures, 1)
	if !b.watch {
		return err
	}
	if errors.IsBuildError(err) {
		b.errHandler.Handle(ctx, err)
	} else {
		b.errHandler.Handle(ctx, err, "documentType", r.dt.Name, "documentId", id)
	}

	return nil
}

// state is the live id bookkeeping of one generation.
type state struct {
	mu     sync.Mutex
	order  []string
	live   map[string]map[string]struct{}
	last   map[string][]string
	signal chan struct{}
	built  int64
}

type idChange struct {
	documentType string
	ids          []string
}

func newState(names []string) *state {
	st := &state{
		order:  names,
		live:   make(map[string]map[string]struct{}, len(names)),
		last:   make(map[string][]string, len(names)),
		signal: make(chan struct{}, 1),
	}
	for _, n := range names {
		st.live[n] = make(map[string]struct{})
	}

	return st
}

func (st *state) notify() {
	select {
	case st.signal <- struct{}{}:
	default:
	}
}

// add marks id live and reports whether it was new.
func (st *state) add(documentType, id string) bool {
	st.mu.Lock()
	_, ok := st.live[documentType][id]
	st.live[documentType][id] = struct{}{}
	st.mu.Unlock()
	if !ok {
		st.notify()
	}

	return !ok
}

// remove drops id and reports whether it was live.
func (st *state) remove(documentType, id string) bool {
	st.mu.Lock()
	_, ok := st.live[documentType][id]
	delete(st.live[documentType], id)
	st.mu.Unlock()
	if ok {
		st.notify()
	}

	return ok
}

// changed returns, in type order, the sorted live ids of every type that
// differs from what was last written. A type never written always differs.
func (st *state) changed() []idChange {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []idChange
	for _, name := range st.order {
		ids := make([]string, 0, len(st.live[name]))
		for id := range st.live[name] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		last, written := st.last[name]
		if written && equal(last, ids) {
			continue
		}
		out = append(out, idChange{documentType: name, ids: ids})
	}

	return out
}

func (st *state) written(documentType string, ids []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.last[documentType] = ids
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
