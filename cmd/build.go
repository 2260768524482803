package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/conneroisu/contentlayer/internal/buildconfig"
	"github.com/conneroisu/contentlayer/internal/builder"
	"github.com/conneroisu/contentlayer/internal/cache"
	"github.com/conneroisu/contentlayer/internal/config"
	"github.com/conneroisu/contentlayer/internal/logging"
	"github.com/conneroisu/contentlayer/internal/pool"
	"github.com/conneroisu/contentlayer/internal/rpc"
	"github.com/conneroisu/contentlayer/internal/storage"
	"github.com/conneroisu/contentlayer/internal/typegen"
	"github.com/conneroisu/contentlayer/internal/version"
	"github.com/conneroisu/contentlayer/internal/worker"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Build all documents",
	Long: `Build every document declared in the content configuration and write the
results to the output directory. Documents whose source version and
configuration are unchanged since the last build are served from the cache.

Examples:
  contentlayer build                        # Build once
  contentlayer build --watch                # Keep rebuilding on changes
  contentlayer build -c site/content.yaml   # Use a specific configuration

Environment:
  CONTENTLAYER_CONFIG_PATH   configuration path when --config is not given
  CONTENTLAYER_WATCH_MODE    "true" to watch when --watch is not given`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd.Flags())
	buildCmd.Flags().BoolP("watch", "w", false, "Watch content and configuration for changes")
}

func addBuildFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Content configuration file (default contentlayer.config.yaml)")
}

// buildOptions are the inputs of one build invocation.
type buildOptions struct {
	Dir        string
	ConfigPath string
	Watch      bool
}

// resolveBuildOptions merges flags with their environment fallbacks. A flag
// set on the command line always wins.
func resolveBuildOptions(flags *pflag.FlagSet, getenv func(string) string) (buildOptions, error) {
	var opts buildOptions

	opts.ConfigPath, _ = flags.GetString("config")
	if !flags.Changed("config") {
		if env := getenv("CONTENTLAYER_CONFIG_PATH"); env != "" {
			opts.ConfigPath = env
		}
	}

	if flags.Lookup("watch") != nil {
		opts.Watch, _ = flags.GetBool("watch")
		if !flags.Changed("watch") {
			if env := getenv("CONTENTLAYER_WATCH_MODE"); env != "" {
				watch, err := strconv.ParseBool(env)
				if err != nil {
					return opts, fmt.Errorf("CONTENTLAYER_WATCH_MODE: %w", err)
				}
				opts.Watch = watch
			}
		}
	}

	dir, err := os.Getwd()
	if err != nil {
		return opts, fmt.Errorf("resolving working directory: %w", err)
	}
	opts.Dir = dir

	return opts, nil
}

func runBuild(cmd *cobra.Command, _ []string) error {
	opts, err := resolveBuildOptions(cmd.Flags(), os.Getenv)
	if err != nil {
		return err
	}
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	return build(cmd.Context(), opts, settings, newLogger(settings))
}

// compileOptions returns the configuration compile options shared by the
// orchestrator and its workers. Both must agree for hashes to match.
func compileOptions(settings *config.Settings, logger logging.Logger) buildconfig.Options {
	return buildconfig.Options{
		Registry:       buildconfig.DefaultRegistry(version.GetVersion()),
		SourceDebounce: settings.Build.SourceDebounce,
		Logger:         logger,
	}
}

func newStorage(dir string, settings *config.Settings) *storage.Storage {
	return storage.New(filepath.Join(dir, settings.Output.Dir), typegen.TypeScript{})
}

// build runs one build session: a single generation in one-shot mode, or
// generations until ctx ends in watch mode.
func build(ctx context.Context, opts buildOptions, settings *config.Settings, logger logging.Logger) error {
	path, err := buildconfig.Resolve(opts.Dir, opts.ConfigPath)
	if err != nil {
		return err
	}
	compile := compileOptions(settings, logger)

	loader := buildconfig.NewFileLoader(path, buildconfig.FileLoaderOptions{
		Compile:  compile,
		Watch:    opts.Watch,
		Debounce: settings.Build.ConfigDebounce,
		Logger:   logger,
	})

	c := cache.Open(ctx, filepath.Join(opts.Dir, settings.Cache.File), settings.Cache.WriteDelay, logger)
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn(context.Background(), err, "Failed to write cache")
		}
	}()

	store := newStorage(opts.Dir, settings)

	factory, err := workerFactory(settings, compile, store, logger)
	if err != nil {
		return err
	}

	workers := pool.New(pool.Options{
		Size:            settings.Workers.Count,
		Factory:         factory,
		RestartInterval: settings.Workers.RestartInterval(),
		Logger:          logger,
	})
	defer func() { _ = workers.Close() }()

	metrics := builder.NewMetrics()
	b := builder.New(builder.Options{
		Loader:        loader,
		Cache:         c,
		Storage:       store,
		Dispatcher:    workers,
		Watch:         opts.Watch,
		IndexDebounce: settings.Build.IndexDebounce,
		Metrics:       metrics,
		Logger:        logger,
	})

	err = b.Run(ctx)

	snapshot := metrics.Snapshot()
	stats := workers.Stats()
	logger.Debug(ctx, "Build session finished",
		"generations", snapshot.Generations,
		"documentsBuilt", snapshot.DocumentsBuilt,
		"cacheHits", snapshot.CacheHits,
		"cacheHitRate", fmt.Sprintf("%.1f%%", metrics.CacheHitRate()),
		"failures", snapshot.Failures,
		"workerSpawns", stats.Spawns,
		"workerRestarts", stats.Restarts,
	)

	return err
}

// workerFactory creates the pool's unit factory for the configured mode.
// Local units each own an in-process handler; process units re-run this
// executable as "contentlayer worker".
func workerFactory(settings *config.Settings, compile buildconfig.Options, store *storage.Storage, logger logging.Logger) (pool.Factory, error) {
	switch settings.Workers.Mode {
	case config.WorkerModeProcess:
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker executable: %w", err)
		}
		args := []string{"worker", "--log-level", settings.Log.Level, "--log-format", settings.Log.Format}
		if settingsFile != "" {
			args = append(args, "--settings", settingsFile)
		}

		return pool.Process(exe, args...), nil
	default:
		newHandler := func() (rpc.Handler, func()) {
			h := worker.NewHandler(worker.Options{
				Load:    buildconfig.FileLoadFunc(compile),
				Storage: store,
				IdleTTL: settings.Workers.IdleTTL,
				Logger:  logger,
			})

			return h, h.Close
		}

		return pool.Local(newHandler, logger), nil
	}
}
