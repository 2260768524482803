package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"os"
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
)

var configPath = buildconfig.ConfigPath{Path: "/site/contentlayer.config.yaml", Entrypoint: "contentlayer.config.yaml"}

type fixture struct {
	handler *Handler
	storage *storage.Storage
	src     *source.Channel
	loads   int64
}

func newFixture(t *testing.T, resolve document.ResolverFunc) *fixture {
	t.Helper()
	f := &fixture{
		storage: storage.New(t.TempDir(), nil),
		src: source.Static(
			source.Item{ID: "hello.md", Version: 1, Fields: schema.FieldsOf("title", "Hello World")},
			source.Item{ID: "broken.md", Version: 1, Fields: schema.FieldsOf("title", 42)},
		),
	}
	post, err := document.New("Post", schema.Struct(schema.Field("title", schema.String())), f.src)
	require.NoError(t, err)
	if resolve == nil {
		resolve = func(_ context.Context, fields *schema.Fields, _ source.Output) (schema.Value, error) {
			title, _ := fields.Get("title")
			s, _ := title.Str()

			return schema.StringValue(s[:5]), nil
		}
	}
	require.NoError(t, post.AddComputedFields(document.ComputedField{Name: "slug", Schema: schema.String(), Resolve: resolve}))
	cfg, err := buildconfig.New("hash", configPath, post)
	require.NoError(t, err)

	f.handler = NewHandler(Options{
		Load: func(context.Context, buildconfig.ConfigPath) (*buildconfig.BuildConfig, error) {
			atomic.AddInt64(&f.loads, 1)

			return cfg, nil
		},
		Storage: f.storage,
	})
	t.Cleanup(f.handler.Close)

	return f
}

func request(id string) rpc.ProcessDocumentRequest {
	return rpc.ProcessDocumentRequest{ConfigPath: configPath, Name: "Post", ID: id, Meta: source.Meta{"version": 1}}
}

func readArtifact(t *testing.T, s *storage.Storage, id string) storage.Artifact {
	t.Helper()
	raw, err := os.ReadFile(s.ArtifactPath("Post", id))
	require.NoError(t, err)
	var a storage.Artifact
	require.NoError(t, json.Unmarshal(raw, &a))

	return a
}

func TestProcessDocumentWritesArtifact(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.handler.ProcessDocument(context.Background(), request("hello.md")))

	a := readArtifact(t, f.storage, "hello.md")
	assert.Equal(t, "hello.md", a.ID)
	assert.Equal(t, []string{"title", "slug"}, a.Fields.Keys())
	slug, _ := a.Fields.Get("slug")
	assert.Equal(t, schema.StringValue("Hello"), slug)
}

func TestConfigIsLoadedOnce(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.handler.ProcessDocument(context.Background(), request("hello.md")))
	}

	assert.Equal(t, int64(1), atomic.LoadInt64(&f.loads))
	stats := f.handler.Stats()
	assert.Equal(t, int64(5), stats.Requests)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(1), stats.ConfigLoad)
}

func TestBuildErrorIsTyped(t *testing.T) {
	f := newFixture(t, nil)

	err := f.handler.ProcessDocument(context.Background(), request("broken.md"))
	require.Error(t, err)
	var be *errors.BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "Post", be.DocumentType)
	assert.Equal(t, "broken.md", be.DocumentID)
	_, statErr := os.Stat(f.storage.ArtifactPath("Post", "broken.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnknownDocumentTypeAndMissingItem(t *testing.T) {
	f := newFixture(t, nil)

	req := request("hello.md")
	req.Name = "Author"
	err := f.handler.ProcessDocument(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsContentlayerError(err))
	assert.Contains(t, err.Error(), `unknown document type "Author"`)

	err = f.handler.ProcessDocument(context.Background(), request("missing.md"))
	require.Error(t, err)
	assert.True(t, errors.IsContentlayerError(err))
}

func TestConfigLoadFailure(t *testing.T) {
	h := NewHandler(Options{
		Load: func(context.Context, buildconfig.ConfigPath) (*buildconfig.BuildConfig, error) {
			return nil, stderrors.New("syntax error")
		},
		Storage: storage.New(t.TempDir(), nil),
	})
	defer h.Close()

	err := h.ProcessDocument(context.Background(), request("hello.md"))
	var ce *errors.ContentlayerError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ContentWorker", ce.Module)
	assert.Equal(t, "config", ce.Method)
}

func TestIdenticalRequestsAreCoalesced(t *testing.T) {
	gate := make(chan struct{})
	var resolves int64
	f := newFixture(t, func(context.Context, *schema.Fields, source.Output) (schema.Value, error) {
		atomic.AddInt64(&resolves, 1)
		<-gate

		return schema.StringValue("Hello"), nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.handler.ProcessDocument(context.Background(), request("hello.md"))
		}(i)
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&resolves) == 1 }, 2*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return f.handler.Stats().Requests == 3 }, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&resolves))
	assert.Equal(t, int64(1), f.handler.Stats().Processed)
}

func TestServeOverPipes(t *testing.T) {
	f := newFixture(t, nil)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, reqR, respW, f.handler, nil)
		_ = respW.Close()
	}()

	client := rpc.NewClient(pipeConn{Reader: respR, Writer: reqW})
	require.NoError(t, client.ProcessDocument(context.Background(), request("hello.md")))
	assert.True(t, errors.IsBuildError(client.ProcessDocument(context.Background(), request("broken.md"))))

	require.NoError(t, reqW.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after input closed")
	}
}

type pipeConn struct {
	io.Reader
	io.Writer
}

func (pipeConn) Close() error { return nil }
