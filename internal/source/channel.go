package source

import (
	"context"
	"sort"
	"sync"

	"github.com/conneroisu/contentlayer/internal/errors"
	"github.com/conneroisu/contentlayer/internal/schema"
)

// Item is one in-memory content item.
type Item struct {
	ID      string
	Version int64
	Fields  *schema.Fields
	Content []byte
	Meta    Meta
}

// Channel is an in-memory source. Items can be changed while subscribers in
// watch mode are attached; every change is broadcast to them in order.
type Channel struct {
	mu          sync.Mutex
	items       map[string]Item
	subscribers map[chan Event]struct{}
	hydrations  int
}

// Static creates an in-memory source holding items.
func Static(items ...Item) *Channel {
	c := &Channel{
		items:       make(map[string]Item),
		subscribers: make(map[chan Event]struct{}),
	}
	for _, it := range items {
		c.items[it.ID] = it
	}

	return c
}

// NewChannel creates an empty in-memory source.
func NewChannel() *Channel {
	return Static()
}

// Put adds or replaces an item and notifies watchers.
func (c *Channel) Put(ctx context.Context, it Item) {
	c.mu.Lock()
	c.items[it.ID] = it
	subs := c.snapshotSubscribers()
	c.mu.Unlock()

	for _, ch := range subs {
		send(ctx, ch, c.added(it, false))
	}
}

// Delete removes an item and notifies watchers.
func (c *Channel) Delete(ctx context.Context, id string) {
	c.mu.Lock()
	delete(c.items, id)
	subs := c.snapshotSubscribers()
	c.mu.Unlock()

	for _, ch := range subs {
		send(ctx, ch, Removed{ID: id})
	}
}

// Fail broadcasts a read failure for id.
func (c *Channel) Fail(ctx context.Context, id string, err error) {
	c.mu.Lock()
	subs := c.snapshotSubscribers()
	c.mu.Unlock()

	for _, ch := range subs {
		send(ctx, ch, Failed{ID: id, Err: err})
	}
}

// Hydrations returns how many times Hydrate was called.
func (c *Channel) Hydrations() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hydrations
}

func (c *Channel) snapshotSubscribers() []chan Event {
	subs := make([]chan Event, 0, len(c.subscribers))
	for ch := range c.subscribers {
		subs = append(subs, ch)
	}

	return subs
}

func (c *Channel) added(it Item, initial bool) Added {
	meta := Meta{"version": it.Version}
	for k, v := range it.Meta {
		meta[k] = v
	}
	content := it.Content
	out := NewOutput(it.ID, meta, func(context.Context) ([]byte, error) {
		return content, nil
	})
	if it.Fields != nil {
		out = out.WithFields(it.Fields)
	}

	return Added{ID: it.ID, Version: it.Version, Initial: initial, Output: out}
}

// Events implements Source.
func (c *Channel) Events(ctx context.Context, opts Options) (<-chan Event, error) {
	c.mu.Lock()
	initial := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		initial = append(initial, it)
	}
	sort.Slice(initial, func(i, j int) bool { return initial[i].ID < initial[j].ID })

	// The live channel is registered under the same lock as the snapshot so
	// no change falls between the two.
	var live chan Event
	if opts.Watch {
		live = make(chan Event, 256)
		c.subscribers[live] = struct{}{}
	}
	c.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		if live != nil {
			defer func() {
				c.mu.Lock()
				delete(c.subscribers, live)
				c.mu.Unlock()
			}()
		}
		for _, it := range initial {
			if !send(ctx, out, c.added(it, true)) {
				return
			}
		}
		if live == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-live:
				if !send(ctx, out, ev) {
					return
				}
			}
		}
	}()

	return out, nil
}

// Hydrate implements Source.
func (c *Channel) Hydrate(_ context.Context, id string, _ Meta) (Added, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hydrations++
	it, ok := c.items[id]
	if !ok {
		return Added{}, errors.NewContentlayerError("Source", "Hydrate", "no such item "+id, nil)
	}

	return c.added(it, false), nil
}

var channelMetaSchema = schema.Struct(schema.Field("version", schema.Number()))

// MetaSchema implements Source.
func (c *Channel) MetaSchema() schema.Schema { return channelMetaSchema }
