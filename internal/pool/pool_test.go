package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/contentlayer/internal/buildconfig"
	"github.com/conneroisu/contentlayer/internal/document"
	"github.com/conneroisu/contentlayer/internal/errors"
	"github.com/conneroisu/contentlayer/internal/rpc"
	"github.com/conneroisu/contentlayer/internal/schema"
	"github.com/conneroisu/contentlayer/internal/source"
	"github.com/conneroisu/contentlayer/internal/storage"
	"github.com/conneroisu/contentlayer/internal/worker"
)

type fakeUnit struct {
	handle func(ctx context.Context, req rpc.ProcessDocumentRequest) error
	done   chan struct{}
	once   sync.Once
	closed int64
}

func newFakeUnit(handle func(context.Context, rpc.ProcessDocumentRequest) error) *fakeUnit {
	return &fakeUnit{handle: handle, done: make(chan struct{})}
}

func (u *fakeUnit) ProcessDocument(ctx context.Context, req rpc.ProcessDocumentRequest) error {
	return u.handle(ctx, req)
}

func (u *fakeUnit) Done() <-chan struct{} { return u.done }

func (u *fakeUnit) kill() { u.once.Do(func() { close(u.done) }) }

func (u *fakeUnit) Close() error {
	atomic.AddInt64(&u.closed, 1)
	u.kill()

	return nil
}

func TestConcurrencyIsBoundedBySize(t *testing.T) {
	var inFlight, peak int64
	release := make(chan struct{})
	p := New(Options{
		Size: 2,
		Factory: func(context.Context) (Unit, error) {
			return newFakeUnit(func(context.Context, rpc.ProcessDocumentRequest) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt64(&inFlight, -1)

				return nil
			}), nil
		},
	})
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{}))
		}()
	}
	assert.Eventually(t, func() bool { return atomic.LoadInt64(&inFlight) == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(2), atomic.LoadInt64(&peak))
	stats := p.Stats()
	assert.Equal(t, int64(6), stats.Dispatches)
	assert.Equal(t, int64(2), stats.Spawns)
}

func TestUnitReleasedOnErrorAndCancellation(t *testing.T) {
	p := New(Options{
		Size: 1,
		Factory: func(context.Context) (Unit, error) {
			return newFakeUnit(func(ctx context.Context, req rpc.ProcessDocumentRequest) error {
				switch req.ID {
				case "bad":
					return errors.NewBuildError("Post", req.ID, "invalid")
				case "slow":
					<-ctx.Done()

					return ctx.Err()
				}

				return nil
			}), nil
		},
	})
	defer p.Close()

	err := p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{ID: "bad"})
	assert.True(t, errors.IsBuildError(err))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.ProcessDocument(ctx, rpc.ProcessDocumentRequest{ID: "slow"}), context.DeadlineExceeded)

	assert.NoError(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{ID: "ok"}))
}

func TestBorrowIsCancellable(t *testing.T) {
	block := make(chan struct{})
	p := New(Options{
		Size: 1,
		Factory: func(context.Context) (Unit, error) {
			return newFakeUnit(func(context.Context, rpc.ProcessDocumentRequest) error {
				<-block

				return nil
			}), nil
		},
	})
	defer p.Close()

	go func() { _ = p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{}) }()
	assert.Eventually(t, func() bool { return p.Stats().Dispatches == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.ProcessDocument(ctx, rpc.ProcessDocumentRequest{}), context.DeadlineExceeded)
	close(block)
}

func TestDeadUnitIsReplaced(t *testing.T) {
	var units []*fakeUnit
	var mu sync.Mutex
	p := New(Options{
		Size:            1,
		RestartInterval: time.Millisecond,
		Factory: func(context.Context) (Unit, error) {
			u := newFakeUnit(func(context.Context, rpc.ProcessDocumentRequest) error { return nil })
			mu.Lock()
			units = append(units, u)
			mu.Unlock()

			return u, nil
		},
	})
	defer p.Close()

	require.NoError(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{}))
	mu.Lock()
	units[0].kill()
	mu.Unlock()
	require.NoError(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, units, 2)
	assert.Equal(t, int64(1), atomic.LoadInt64(&units[0].closed))
	assert.Equal(t, int64(1), p.Stats().Restarts)
}

func TestSpawnFailureIsContentlayerError(t *testing.T) {
	p := New(Options{
		Size: 1,
		Factory: func(context.Context) (Unit, error) {
			return nil, stderrors.New("no such binary")
		},
	})
	defer p.Close()

	err := p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{})
	var ce *errors.ContentlayerError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "spawn", ce.Method)
}

func TestClosedPoolRejects(t *testing.T) {
	p := New(Options{Size: 1, Factory: func(context.Context) (Unit, error) {
		return newFakeUnit(func(context.Context, rpc.ProcessDocumentRequest) error { return nil }), nil
	}})
	require.NoError(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{}))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	// The idle slot may still win the select, but its unit has been closed
	// so the call cannot succeed.
	assert.Error(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{}))
}

func TestLocalFactory(t *testing.T) {
	var got []string
	var mu sync.Mutex
	handler := handlerFunc(func(_ context.Context, req rpc.ProcessDocumentRequest) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, req.ID)

		return nil
	})
	p := New(Options{Size: 2, Factory: Local(Shared(handler), nil)})
	defer p.Close()

	require.NoError(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{ID: "a"}))
	require.NoError(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{ID: "b"}))
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestLocalUnitsProcessInParallel(t *testing.T) {
	const units = 4
	var inFlight, peak int64
	resolve := func(ctx context.Context, fields *schema.Fields, _ source.Output) (schema.Value, error) {
		n := atomic.AddInt64(&inFlight, 1)
		defer atomic.AddInt64(&inFlight, -1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		deadline := time.Now().Add(time.Second)
		for atomic.LoadInt64(&peak) < units && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		v, _ := fields.Get("title")

		return v, nil
	}

	var items []source.Item
	for i := 0; i < units; i++ {
		items = append(items, source.Item{ID: fmt.Sprintf("doc-%d.md", i), Version: 1, Fields: schema.FieldsOf("title", "Title")})
	}
	post, err := document.New("Post", schema.Struct(schema.Field("title", schema.String())), source.Static(items...))
	require.NoError(t, err)
	require.NoError(t, post.AddComputedFields(document.ComputedField{Name: "slug", Schema: schema.String(), Resolve: resolve}))
	path := buildconfig.ConfigPath{Path: "/site/contentlayer.config.yaml", Entrypoint: "contentlayer.config.yaml"}
	cfg, err := buildconfig.New("hash", path, post)
	require.NoError(t, err)

	store := storage.New(t.TempDir(), nil)
	var handlers int64
	newHandler := func() (rpc.Handler, func()) {
		atomic.AddInt64(&handlers, 1)
		h := worker.NewHandler(worker.Options{
			Load: func(context.Context, buildconfig.ConfigPath) (*buildconfig.BuildConfig, error) {
				return cfg, nil
			},
			Storage: store,
		})

		return h, h.Close
	}
	p := New(Options{Size: units, Factory: Local(newHandler, nil)})
	defer p.Close()

	start := time.Now()
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			req := rpc.ProcessDocumentRequest{ConfigPath: path, ConfigHash: "hash", Name: "Post", ID: id, Meta: source.Meta{"version": 1}}
			assert.NoError(t, p.ProcessDocument(context.Background(), req))
		}(item.ID)
	}
	wg.Wait()

	assert.Equal(t, int64(units), atomic.LoadInt64(&peak))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(units), atomic.LoadInt64(&handlers))
	for _, item := range items {
		assert.FileExists(t, store.ArtifactPath("Post", item.ID))
	}
}

func TestLocalUnitCloseReleasesHandler(t *testing.T) {
	var released int64
	newHandler := func() (rpc.Handler, func()) {
		return handlerFunc(func(context.Context, rpc.ProcessDocumentRequest) error { return nil }),
			func() { atomic.AddInt64(&released, 1) }
	}
	unit, err := Local(newHandler, nil)(context.Background())
	require.NoError(t, err)
	require.NoError(t, unit.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{ID: "a"}))

	require.NoError(t, unit.Close())
	require.NoError(t, unit.Close())
	assert.Equal(t, int64(1), atomic.LoadInt64(&released))
}

func TestProcessFactoryEcho(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	// cat echoes each request line; a request decodes as a successful
	// response with the same id.
	p := New(Options{Size: 1, Factory: Process("cat")})
	defer p.Close()

	require.NoError(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{ID: "a"}))
	require.NoError(t, p.ProcessDocument(context.Background(), rpc.ProcessDocumentRequest{ID: "b"}))
}

type handlerFunc func(ctx context.Context, req rpc.ProcessDocumentRequest) error

func (f handlerFunc) ProcessDocument(ctx context.Context, req rpc.ProcessDocumentRequest) error {
	return f(ctx, req)
}
