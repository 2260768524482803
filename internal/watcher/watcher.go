// Package watcher wraps fsnotify with recursive directory tracking and
// debouncing of rapid file changes.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher watches for file changes with intelligent debouncing
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	filters   []FileFilter
	dirFilter DirFilter
	handlers  []ChangeHandler
	errors    func(error)
	mutex     sync.RWMutex
	stopOnce  sync.Once
}

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Gone reports whether the event means the path no longer exists.
func (e EventType) Gone() bool {
	return e == EventTypeDeleted || e == EventTypeRenamed
}

// FileFilter determines if a file event should be delivered
type FileFilter func(path string) bool

// DirFilter determines if a newly created directory should be watched
type DirFilter func(path string) bool

// ChangeHandler handles a batch of file change events
type ChangeHandler func(ctx context.Context, events []ChangeEvent) error

// NewFileWatcher creates a new file watcher. A zero debounce delivers every
// event in its own batch.
func NewFileWatcher(debounceDelay time.Duration) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	fw := &FileWatcher{
		watcher:   watcher,
		debouncer: NewDebouncer(debounceDelay),
		filters:   make([]FileFilter, 0),
		handlers:  make([]ChangeHandler, 0),
	}

	return fw, nil
}

// AddFilter adds a file filter
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// SetDirFilter restricts which newly created directories are watched.
func (fw *FileWatcher) SetDirFilter(filter DirFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.dirFilter = filter
}

// AddHandler adds a change handler
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// OnError sets the callback for watcher errors. Errors are dropped otherwise.
func (fw *FileWatcher) OnError(fn func(error)) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.errors = fn
}

// AddPath adds a single path to watch
func (fw *FileWatcher) AddPath(path string) error {
	cleanPath, err := cleanPath(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	return fw.watcher.Add(cleanPath)
}

// AddRecursive adds a directory and all subdirectories to watch
func (fw *FileWatcher) AddRecursive(root string) error {
	cleanRoot, err := cleanPath(root)
	if err != nil {
		return fmt.Errorf("invalid root path: %w", err)
	}

	return filepath.WalkDir(cleanRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.watcher.Add(path)
		}

		return nil
	})
}

func cleanPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}

	return absPath, nil
}

// Start starts the file watcher. It returns immediately; processing stops
// when ctx is cancelled.
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.debouncer.Run(ctx)
	go fw.processEvents(ctx)
	go fw.watchLoop(ctx)

	return nil
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.debouncer.Stop()
		err = fw.watcher.Close()
	})

	return err
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.reportError(err)
		}
	}
}

func (fw *FileWatcher) reportError(err error) {
	fw.mutex.RLock()
	fn := fw.errors
	fw.mutex.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(ctx context.Context, event fsnotify.Event) {
	var eventType EventType
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventTypeCreated
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventTypeModified
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventTypeDeleted
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventTypeRenamed
	case event.Op&fsnotify.Chmod == fsnotify.Chmod:
		return
	default:
		eventType = EventTypeModified
	}

	var modTime time.Time
	var size int64
	if !eventType.Gone() {
		info, err := os.Stat(event.Name)
		if err != nil {
			eventType = EventTypeDeleted
		} else if info.IsDir() {
			if eventType == EventTypeCreated {
				fw.watchNewDirectory(ctx, event.Name)
			}

			return
		} else {
			modTime = info.ModTime()
			size = info.Size()
		}
	}

	fw.emit(ctx, ChangeEvent{Type: eventType, Path: event.Name, ModTime: modTime, Size: size})
}

// watchNewDirectory adds a directory created after Start and reports the files
// that were written into it before the watch was registered.
func (fw *FileWatcher) watchNewDirectory(ctx context.Context, dir string) {
	fw.mutex.RLock()
	dirFilter := fw.dirFilter
	fw.mutex.RUnlock()
	if dirFilter != nil && !dirFilter(dir) {
		return
	}

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && dirFilter != nil && !dirFilter(path) {
				return filepath.SkipDir
			}
			if addErr := fw.watcher.Add(path); addErr != nil {
				fw.reportError(addErr)
			}

			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fw.emit(ctx, ChangeEvent{Type: EventTypeCreated, Path: path, ModTime: info.ModTime(), Size: info.Size()})

		return nil
	})
}

func (fw *FileWatcher) emit(ctx context.Context, event ChangeEvent) {
	fw.mutex.RLock()
	filters := fw.filters
	fw.mutex.RUnlock()

	for _, filter := range filters {
		if !filter(event.Path) {
			return
		}
	}

	fw.debouncer.Add(ctx, event)
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-fw.debouncer.Output():
			fw.mutex.RLock()
			handlers := fw.handlers
			fw.mutex.RUnlock()

			for _, handler := range handlers {
				if err := handler(ctx, events); err != nil {
					fw.reportError(fmt.Errorf("change handler: %w", err))
				}
			}
		}
	}
}

// Common file filters

// NoGitFilter skips anything inside a .git directory.
func NoGitFilter(path string) bool {
	slashed := filepath.ToSlash(path)

	return !strings.HasPrefix(slashed, ".git/") && !strings.Contains(slashed, "/.git/")
}

// NoNodeModulesFilter skips anything inside node_modules.
func NoNodeModulesFilter(path string) bool {
	return !strings.Contains(filepath.ToSlash(path), "/node_modules/")
}

// ExactFilter accepts only the given file.
func ExactFilter(file string) FileFilter {
	want, err := filepath.Abs(file)
	if err != nil {
		want = filepath.Clean(file)
	}

	return func(path string) bool {
		abs, err := filepath.Abs(path)
		if err != nil {
			return false
		}

		return abs == want
	}
}
