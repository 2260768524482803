package watcher

import (
	"context"
	"sync"
	"time"
)

// Debouncer groups rapid file changes together. Within a batch each path
// appears once, carrying its latest event, ordered by last occurrence.
type Debouncer struct {
	delay    time.Duration
	events   chan ChangeEvent
	output   chan []ChangeEvent
	done     chan struct{}
	stopOnce sync.Once
	pending  []ChangeEvent
}

// NewDebouncer creates a debouncer that flushes after delay of quiet.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:  delay,
		events: make(chan ChangeEvent, 100),
		output: make(chan []ChangeEvent, 16),
		done:   make(chan struct{}),
	}
}

// Output returns the channel of debounced batches.
func (d *Debouncer) Output() <-chan []ChangeEvent {
	return d.output
}

// Add queues an event. It blocks while the debouncer is saturated.
func (d *Debouncer) Add(ctx context.Context, event ChangeEvent) {
	select {
	case d.events <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Stop terminates Run. Pending events are discarded.
func (d *Debouncer) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Run processes events until ctx is cancelled or Stop is called.
func (d *Debouncer) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case event := <-d.events:
			d.addEvent(event)
			if d.delay <= 0 {
				if !d.flush(ctx) {
					return
				}

				continue
			}
			if timer == nil {
				timer = time.NewTimer(d.delay)
			} else {
				timer.Reset(d.delay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if !d.flush(ctx) {
				return
			}
		}
	}
}

func (d *Debouncer) addEvent(event ChangeEvent) {
	for i, existing := range d.pending {
		if existing.Path == event.Path {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)

			break
		}
	}
	d.pending = append(d.pending, event)
}

func (d *Debouncer) flush(ctx context.Context) bool {
	if len(d.pending) == 0 {
		return true
	}
	events := d.pending
	d.pending = nil

	select {
	case d.output <- events:
		return true
	case <-ctx.Done():
		return false
	case <-d.done:
		return false
	}
}
