package buildconfig

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conneroisu/contentlayer/internal/errors"
	"github.com/conneroisu/contentlayer/internal/logging"
	"github.com/conneroisu/contentlayer/internal/watcher"
)

// Loader publishes configuration snapshots.
type Loader interface {
	Configs(ctx context.Context) (<-chan *BuildConfig, error)
}

// FileLoaderOptions configures a FileLoader.
type FileLoaderOptions struct {
	Compile  Options
	Watch    bool
	Debounce time.Duration
	Logger   logging.Logger
}

// FileLoader compiles a configuration file and, in watch mode, recompiles it
// whenever it changes. A failed recompile keeps the last good configuration.
type FileLoader struct {
	path   ConfigPath
	opts   FileLoaderOptions
	logger logging.Logger
}

// NewFileLoader creates a loader for path.
func NewFileLoader(path ConfigPath, opts FileLoaderOptions) *FileLoader {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &FileLoader{path: path, opts: opts, logger: logger.WithComponent("config_loader")}
}

// Configs implements Loader. The first compile failure is fatal.
func (l *FileLoader) Configs(ctx context.Context) (<-chan *BuildConfig, error) {
	var fw *watcher.FileWatcher
	if l.opts.Watch {
		var err error
		fw, err = watcher.NewFileWatcher(l.opts.Debounce)
		if err != nil {
			return nil, errors.NewContentlayerError("ConfigBuilder", "watch", "failed to watch configuration", err)
		}
		// Editors replace files on save, so the directory is watched.
		if err := fw.AddPath(filepath.Dir(l.path.Path)); err != nil {
			_ = fw.Stop()

			return nil, errors.NewContentlayerError("ConfigBuilder", "watch", "failed to watch configuration", err)
		}
		fw.AddFilter(watcher.ExactFilter(l.path.Path))
	}

	cfg, err := FromPath(l.path, l.opts.Compile)
	if err != nil {
		if fw != nil {
			_ = fw.Stop()
		}

		return nil, errors.NewContentlayerError("ConfigBuilder", "load", "failed to load configuration", err)
	}

	ch := make(chan *BuildConfig, 1)
	ch <- cfg
	if fw == nil {
		close(ch)

		return ch, nil
	}

	var mu sync.Mutex
	closed := false
	current := cfg.Hash
	fw.AddHandler(func(ctx context.Context, events []watcher.ChangeEvent) error {
		if len(events) == 0 {
			return nil
		}
		if _, err := os.Stat(l.path.Path); err != nil {
			l.logger.Warn(ctx, err, "Configuration file is missing, keeping previous configuration")

			return nil
		}
		next, err := FromPath(l.path, l.opts.Compile)
		if err != nil {
			l.logger.Warn(ctx, err, "Configuration failed to compile, keeping previous configuration",
				"path", l.path.Entrypoint)

			return nil
		}
		if next.Hash == current {
			return nil
		}
		current = next.Hash
		l.logger.Info(ctx, "Configuration changed", "path", l.path.Entrypoint, "hash", next.Hash[:12])
		mu.Lock()
		if !closed {
			publishLatest(ctx, ch, next)
		}
		mu.Unlock()

		return nil
	})
	fw.OnError(func(err error) {
		l.logger.Warn(ctx, err, "Configuration watcher error")
	})

	go func() {
		defer func() {
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		}()
		defer fw.Stop()
		if err := fw.Start(ctx); err != nil {
			l.logger.Error(ctx, err, "Failed to start configuration watcher")

			return
		}
		<-ctx.Done()
	}()

	return ch, nil
}

// publishLatest replaces an unread snapshot so a slow consumer only ever
// sees the newest configuration.
func publishLatest(ctx context.Context, ch chan *BuildConfig, cfg *BuildConfig) {
	for {
		select {
		case ch <- cfg:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// ChannelLoader publishes configurations pushed by the caller.
type ChannelLoader struct {
	ch chan *BuildConfig
}

// Static returns a loader that publishes cfgs and then closes.
func Static(cfgs ...*BuildConfig) *ChannelLoader {
	l := &ChannelLoader{ch: make(chan *BuildConfig, len(cfgs))}
	for _, cfg := range cfgs {
		l.ch <- cfg
	}
	close(l.ch)

	return l
}

// NewChannelLoader returns a loader whose snapshots are pushed with Publish.
func NewChannelLoader() *ChannelLoader {
	return &ChannelLoader{ch: make(chan *BuildConfig, 1)}
}

// Publish pushes a snapshot, replacing any unread one.
func (l *ChannelLoader) Publish(ctx context.Context, cfg *BuildConfig) {
	publishLatest(ctx, l.ch, cfg)
}

// Close ends the stream.
func (l *ChannelLoader) Close() {
	close(l.ch)
}

// Configs implements Loader. A ChannelLoader is meant for one subscriber.
func (l *ChannelLoader) Configs(context.Context) (<-chan *BuildConfig, error) {
	return l.ch, nil
}
