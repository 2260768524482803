// Package source defines the content-change event stream consumed by the
// build orchestrator and the sources that produce it.
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/conneroisu/contentlayer/internal/schema"
)

// Meta is JSON-safe per-item metadata delivered to workers alongside the id.
type Meta map[string]any

// String returns a stable fingerprint of the metadata.
func (m Meta) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, m[k])
	}

	return b.String()
}

// ContentFunc lazily reads an item's raw content.
type ContentFunc func(ctx context.Context) ([]byte, error)

// Output is the hydrated view of a source item: its identity, metadata, the
// raw fields produced by transforms and a lazy content accessor.
type Output struct {
	ID      string
	Meta    Meta
	Fields  *schema.Fields
	content ContentFunc
}

// NewOutput creates an Output with no fields.
func NewOutput(id string, meta Meta, content ContentFunc) Output {
	return Output{ID: id, Meta: meta, Fields: schema.NewFields(), content: content}
}

// Content reads the item's content.
func (o Output) Content(ctx context.Context) ([]byte, error) {
	if o.content == nil {
		return nil, nil
	}

	return o.content(ctx)
}

// WithFields returns a copy of o with fields set on top of the existing ones.
func (o Output) WithFields(fields *schema.Fields) Output {
	o.Fields = o.Fields.Merge(fields)

	return o
}

// WithContent returns a copy of o whose content accessor is fn.
func (o Output) WithContent(fn ContentFunc) Output {
	o.content = fn

	return o
}

// Event is one of Added, Removed or Failed.
type Event interface {
	EventID() string
}

// Added reports a new or changed item.
type Added struct {
	ID      string
	Version int64
	Initial bool
	Output  Output
}

// Removed reports an item that no longer exists.
type Removed struct {
	ID string
}

// Failed reports an item that could not be read. Consumers decide whether
// to skip it or abort.
type Failed struct {
	ID  string
	Err error
}

func (e Added) EventID() string   { return e.ID }
func (e Removed) EventID() string { return e.ID }
func (e Failed) EventID() string  { return e.ID }

// Meta is a shorthand for the event's output metadata.
func (e Added) Meta() Meta { return e.Output.Meta }

// Options controls a subscription.
type Options struct {
	// Watch keeps the stream open and reports changes after enumeration.
	Watch bool
}

// Source produces content-change events with stable per-item identity.
type Source interface {
	// Events enumerates the current items as initial Added events. The
	// channel closes after enumeration unless opts.Watch is set, in which
	// case it stays open until ctx is done.
	Events(ctx context.Context, opts Options) (<-chan Event, error)
	// Hydrate reconstructs an Added event from its id and meta without
	// re-scanning.
	Hydrate(ctx context.Context, id string, meta Meta) (Added, error)
	// MetaSchema describes the shape of Meta.
	MetaSchema() schema.Schema
}

// Transform derives fields from an item's output.
type Transform interface {
	Apply(ctx context.Context, out Output) (Output, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, out Output) (Output, error)

// Apply implements Transform.
func (f TransformFunc) Apply(ctx context.Context, out Output) (Output, error) {
	return f(ctx, out)
}

type transformed struct {
	Source
	transforms []Transform
}

// WithTransforms applies transforms, in order, to every hydrated item. Event
// streams pass through unchanged.
func WithTransforms(src Source, transforms ...Transform) Source {
	return &transformed{Source: src, transforms: transforms}
}

func (t *transformed) Hydrate(ctx context.Context, id string, meta Meta) (Added, error) {
	added, err := t.Source.Hydrate(ctx, id, meta)
	if err != nil {
		return Added{}, err
	}
	for _, tr := range t.transforms {
		out, err := tr.Apply(ctx, added.Output)
		if err != nil {
			return Added{}, fmt.Errorf("transforming %s: %w", id, err)
		}
		added.Output = out
	}

	return added, nil
}

func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
