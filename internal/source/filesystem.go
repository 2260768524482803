package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conneroisu/contentlayer/internal/errors"
	"github.com/conneroisu/contentlayer/internal/logging"
	"github.com/conneroisu/contentlayer/internal/schema"
	"github.com/conneroisu/contentlayer/internal/watcher"
)

// FileSystemOptions configures a FileSystem source.
type FileSystemOptions struct {
	// Patterns are doublestar globs relative to Root.
	Patterns []string
	// Root is the directory ids are relative to. Empty means the working
	// directory.
	Root string
	// Debounce groups rapid notifications in watch mode.
	Debounce time.Duration
	Logger   logging.Logger
}

// FileSystemSource emits one item per file matching its patterns. Ids are
// slash-separated paths relative to Root.
type FileSystemSource struct {
	patterns []string
	root     string
	debounce time.Duration
	logger   logging.Logger
}

// FileSystem creates a filesystem source.
func FileSystem(opts FileSystemOptions) *FileSystemSource {
	patterns := make([]string, 0, len(opts.Patterns))
	for _, p := range opts.Patterns {
		patterns = append(patterns, cleanPattern(p))
	}
	root := opts.Root
	if root == "" {
		root = "."
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &FileSystemSource{
		patterns: patterns,
		root:     root,
		debounce: opts.Debounce,
		logger:   logger.WithComponent("filesystem_source"),
	}
}

func cleanPattern(p string) string {
	p = filepath.ToSlash(p)
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}

	return p
}

// Patterns returns the normalised glob patterns.
func (s *FileSystemSource) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

var fileMetaSchema = schema.Struct(
	schema.Field("path", schema.String()),
	schema.Field("name", schema.String()),
	schema.Field("dir", schema.String()),
	schema.Field("base", schema.String()),
	schema.Field("ext", schema.String()),
	schema.Field("version", schema.Number()),
)

// MetaSchema implements Source.
func (s *FileSystemSource) MetaSchema() schema.Schema { return fileMetaSchema }

// Matches reports whether the slash-separated relative path matches any pattern.
func (s *FileSystemSource) Matches(rel string) bool {
	for _, p := range s.patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}

	return false
}

// Glob resolves the patterns to a sorted, de-duplicated list of file ids.
func (s *FileSystemSource) Glob() ([]string, error) {
	fsys := os.DirFS(s.root)
	seen := make(map[string]struct{})
	var ids []string
	for _, p := range s.patterns {
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			ids = append(ids, m)
		}
	}
	sort.Strings(ids)

	return ids, nil
}

// Events implements Source.
func (s *FileSystemSource) Events(ctx context.Context, opts Options) (<-chan Event, error) {
	var fw *watcher.FileWatcher
	if opts.Watch {
		var err error
		fw, err = s.watch()
		if err != nil {
			return nil, errors.NewContentlayerError("Source", "FileSystem", "failed to watch content directories", err)
		}
	}

	ids, err := s.Glob()
	if err != nil {
		if fw != nil {
			_ = fw.Stop()
		}

		return nil, errors.NewContentlayerError("Source", "FileSystem", "failed to enumerate content files", err)
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		for _, id := range ids {
			if !send(ctx, ch, s.stat(id, true)) {
				if fw != nil {
					_ = fw.Stop()
				}

				return
			}
		}
		if fw == nil {
			return
		}
		defer fw.Stop()

		fw.AddHandler(func(ctx context.Context, changes []watcher.ChangeEvent) error {
			for _, change := range changes {
				ev, ok := s.translate(change)
				if !ok {
					continue
				}
				if !send(ctx, ch, ev) {
					return ctx.Err()
				}
			}

			return nil
		})
		fw.OnError(func(err error) {
			s.logger.Warn(ctx, err, "File watcher error")
		})
		if err := fw.Start(ctx); err != nil {
			s.logger.Error(ctx, err, "Failed to start file watcher")

			return
		}
		<-ctx.Done()
	}()

	return ch, nil
}

// watch registers every watch root before enumeration so no change between
// the scan and the subscription is lost.
func (s *FileSystemSource) watch() (*watcher.FileWatcher, error) {
	fw, err := watcher.NewFileWatcher(s.debounce)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(s.root)
	if err != nil {
		_ = fw.Stop()

		return nil, err
	}
	roots := WatchRoots(s.patterns)
	fw.SetDirFilter(func(dir string) bool {
		rel, err := filepath.Rel(absRoot, dir)
		if err != nil {
			return false
		}

		return relatedToRoots(filepath.ToSlash(rel), roots)
	})
	fw.AddFilter(watcher.NoGitFilter)
	fw.AddFilter(watcher.NoNodeModulesFilter)

	for _, root := range roots {
		dir := filepath.Join(absRoot, filepath.FromSlash(root))
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := fw.AddRecursive(dir); err != nil {
				_ = fw.Stop()

				return nil, fmt.Errorf("watching %s: %w", dir, err)
			}

			continue
		}
		// The root does not exist yet: watch its nearest existing ancestor
		// so its creation is noticed.
		for parent := filepath.Dir(dir); ; parent = filepath.Dir(parent) {
			if info, err := os.Stat(parent); err == nil && info.IsDir() {
				if err := fw.AddPath(parent); err != nil {
					_ = fw.Stop()

					return nil, fmt.Errorf("watching %s: %w", parent, err)
				}

				break
			}
			if parent == filepath.Dir(parent) {
				break
			}
		}
	}

	return fw, nil
}

func (s *FileSystemSource) translate(change watcher.ChangeEvent) (Event, bool) {
	absRoot, err := filepath.Abs(s.root)
	if err != nil {
		return nil, false
	}
	rel, err := filepath.Rel(absRoot, change.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, false
	}
	id := filepath.ToSlash(rel)
	if !s.Matches(id) {
		return nil, false
	}
	if change.Type.Gone() {
		return Removed{ID: id}, true
	}

	return s.stat(id, false), true
}

func (s *FileSystemSource) stat(id string, initial bool) Event {
	full := filepath.Join(s.root, filepath.FromSlash(id))
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) && !initial {
			return Removed{ID: id}
		}

		return Failed{ID: id, Err: fmt.Errorf("stat %s: %w", id, err)}
	}

	return s.added(id, info, initial)
}

func (s *FileSystemSource) added(id string, info fs.FileInfo, initial bool) Added {
	version := info.ModTime().UnixMilli()
	full := filepath.Join(s.root, filepath.FromSlash(id))
	out := NewOutput(id, fileMeta(id, version), func(context.Context) ([]byte, error) {
		return os.ReadFile(full)
	})

	return Added{ID: id, Version: version, Initial: initial, Output: out}
}

func fileMeta(id string, version int64) Meta {
	name := path.Base(id)
	ext := path.Ext(name)
	dir := path.Dir(id)
	if dir == "." {
		dir = ""
	}

	return Meta{
		"path":    id,
		"name":    name,
		"dir":     dir,
		"base":    strings.TrimSuffix(name, ext),
		"ext":     ext,
		"version": version,
	}
}

// Hydrate implements Source. Only meta.path is consulted; the file is
// re-stated so the version reflects what will be read.
func (s *FileSystemSource) Hydrate(_ context.Context, id string, meta Meta) (Added, error) {
	rel := id
	if p, ok := meta["path"].(string); ok && p != "" {
		rel = p
	}
	info, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil {
		return Added{}, errors.NewContentlayerError("Source", "Hydrate", fmt.Sprintf("failed to read %s", rel), err)
	}
	added := s.added(rel, info, false)
	added.ID = id
	added.Output.ID = id

	return added, nil
}

// WatchRoots returns the minimal set of static directory prefixes covering
// every pattern.
func WatchRoots(patterns []string) []string {
	var bases []string
	for _, p := range patterns {
		base, _ := doublestar.SplitPattern(cleanPattern(p))
		bases = append(bases, path.Clean(base))
	}
	sort.Slice(bases, func(i, j int) bool {
		if len(bases[i]) != len(bases[j]) {
			return len(bases[i]) < len(bases[j])
		}

		return bases[i] < bases[j]
	})

	var roots []string
	for _, b := range bases {
		covered := false
		for _, r := range roots {
			if isWithin(b, r) {
				covered = true

				break
			}
		}
		if !covered {
			roots = append(roots, b)
		}
	}
	sort.Strings(roots)

	return roots
}

func isWithin(dir, root string) bool {
	return root == "." || dir == root || strings.HasPrefix(dir, root+"/")
}

// relatedToRoots reports whether dir is inside a root or on the way to one.
func relatedToRoots(dir string, roots []string) bool {
	for _, r := range roots {
		if isWithin(dir, r) || isWithin(r, dir) {
			return true
		}
	}

	return false
}
