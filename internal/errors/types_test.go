package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type treeError string

func (t treeError) Format() string { return string(t) }

func TestContentlayerError(t *testing.T) {
	tests := []struct {
		name string
		err  *ContentlayerError
		want string
	}{
		{
			name: "without cause",
			err:  NewContentlayerError("ContentWorker", "dispatch", "unknown method", nil),
			want: "ContentWorker.dispatch: unknown method",
		},
		{
			name: "with cause",
			err:  NewContentlayerError("Source", "FileSystem", "failed to enumerate", io.ErrUnexpectedEOF),
			want: "Source.FileSystem: failed to enumerate: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.True(t, IsContentlayerError(tt.err))
			assert.False(t, IsBuildError(tt.err))
		})
	}
}

func TestContentlayerErrorMatching(t *testing.T) {
	err := fmt.Errorf("loading: %w", NewContentlayerError("Config", "evaluate", "boom", io.EOF))

	assert.True(t, errors.Is(err, io.EOF))
	assert.True(t, errors.Is(err, NewContentlayerError("Config", "evaluate", "other", nil)))
	assert.False(t, errors.Is(err, NewContentlayerError("Config", "hash", "boom", nil)))
	assert.True(t, IsContentlayerError(err))
}

func TestBuildError(t *testing.T) {
	t.Run("from validation", func(t *testing.T) {
		err := FromValidation("Post", "a.md", treeError("title\n  expected string, got number"))
		assert.Equal(t, "title\n  expected string, got number", err.Error())
		assert.Equal(t, []interface{}{"documentType", "Post", "documentId", "a.md"}, err.Annotations())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("wrap keeps cause", func(t *testing.T) {
		cause := errors.New("resolver exploded")
		err := WrapBuild("Post", "a.md", cause)
		assert.Equal(t, "resolver exploded", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("wrap returns existing build error", func(t *testing.T) {
		inner := NewBuildError("Author", "b.md", "bad")
		err := WrapBuild("Post", "a.md", fmt.Errorf("context: %w", inner))
		assert.Same(t, inner, err)
	})
}

func TestAnnotations(t *testing.T) {
	assert.Equal(t, []interface{}{"documentType", "Post", "documentId", "a.md"},
		Annotations(fmt.Errorf("x: %w", NewBuildError("Post", "a.md", "bad"))))
	assert.Equal(t, []interface{}{"module", "Cache", "method", "write"},
		Annotations(NewContentlayerError("Cache", "write", "failed", nil)))
	assert.Nil(t, Annotations(errors.New("plain")))
}

type entry struct {
	level  string
	err    error
	msg    string
	fields []interface{}
}

type recordingLogger struct {
	entries []entry
}

func (r *recordingLogger) Error(_ context.Context, err error, msg string, fields ...interface{}) {
	r.entries = append(r.entries, entry{"error", err, msg, fields})
}

func (r *recordingLogger) Warn(_ context.Context, err error, msg string, fields ...interface{}) {
	r.entries = append(r.entries, entry{"warn", err, msg, fields})
}

func TestErrorHandler(t *testing.T) {
	logger := &recordingLogger{}
	h := NewErrorHandler(logger)
	ctx := context.Background()

	h.Handle(ctx, nil)
	h.Handle(ctx, NewBuildError("Post", "a.md", "bad"), "generation", "g1")
	h.Handle(ctx, NewContentlayerError("Cache", "write", "failed", nil))
	h.Handle(ctx, errors.New("plain"), "documentId", "b.md")

	require.Len(t, logger.entries, 3)

	assert.Equal(t, "warn", logger.entries[0].level)
	assert.Equal(t, "Error building document", logger.entries[0].msg)
	assert.Equal(t, []interface{}{"documentType", "Post", "documentId", "a.md", "generation", "g1"}, logger.entries[0].fields)

	assert.Equal(t, "error", logger.entries[1].level)
	assert.Equal(t, []interface{}{"module", "Cache", "method", "write"}, logger.entries[1].fields)

	assert.Equal(t, "Unhandled error occurred", logger.entries[2].msg)
	assert.Equal(t, []interface{}{"documentId", "b.md"}, logger.entries[2].fields)

	assert.NotPanics(t, func() { NewErrorHandler(nil).Handle(ctx, errors.New("x")) })
}

func TestWire(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, ToWire(nil, "ContentWorker", "ProcessDocument"))
		var w *Wire
		assert.NoError(t, w.Err())
	})

	t.Run("build error survives json", func(t *testing.T) {
		raw, err := json.Marshal(ToWire(NewBuildError("Post", "a.md", "title: required"), "ContentWorker", "ProcessDocument"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"_tag":"BuildError","documentType":"Post","documentId":"a.md","parseError":"title: required"}`, string(raw))

		var w Wire
		require.NoError(t, json.Unmarshal(raw, &w))
		var be *BuildError
		require.ErrorAs(t, w.Err(), &be)
		assert.Equal(t, "Post", be.DocumentType)
		assert.Equal(t, "a.md", be.DocumentID)
		assert.Equal(t, "title: required", be.Detail)
	})

	t.Run("contentlayer error folds cause into description", func(t *testing.T) {
		w := ToWire(NewContentlayerError("DocumentStorage", "write", "failed", io.ErrShortWrite), "ContentWorker", "ProcessDocument")
		var ce *ContentlayerError
		require.ErrorAs(t, w.Err(), &ce)
		assert.Equal(t, "DocumentStorage", ce.Module)
		assert.Equal(t, "write", ce.Method)
		assert.Equal(t, "failed: short write", ce.Description)
	})

	t.Run("untyped error takes the given origin", func(t *testing.T) {
		err := ToWire(errors.New("disk on fire"), "ContentWorker", "ProcessDocument").Err()
		assert.Equal(t, "ContentWorker.ProcessDocument: disk on fire", err.Error())
		assert.True(t, IsContentlayerError(err))
	})
}
