package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrChannelClosed is returned by Channel.Send after the channel has closed.
var ErrChannelClosed = errors.New("notify: channel closed")

// Channel is one live notification connection to exactly one client.
// Send queues an event for ordered delivery; it blocks only while the
// client's outbound queue is full and fails once the channel is closed.
// Close is idempotent.
type Channel interface {
	Send(ev Event) error
	Close() error
}

// DeliveryStatus reports what Deliver did with an event.
type DeliveryStatus int

const (
	// Delivered means a live channel accepted the event.
	Delivered DeliveryStatus = iota
	// Buffered means no channel was registered and the terminal event was
	// retained for the next Register on the same token.
	Buffered
	// Dropped means the event was discarded: progress has no retained value
	// once its consumer is gone.
	Dropped
)

// String implements fmt.Stringer for log output.
func (s DeliveryStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// entry pairs a job token with its live channel (if any) and at most one
// pending terminal event buffered for a channel that has not opened yet.
type entry struct {
	ch         Channel
	pending    *Event
	bufferedAt time.Time
}

// Registry is the single serialization point for a job token. It maps tokens
// to live channels, buffers terminal events that arrive before their channel,
// and sweeps abandoned buffers after a retention window.
//
// All operations are safe under arbitrary concurrent invocation. The internal
// lock guards only map and pointer updates — channel I/O happens outside it,
// so a stalled client never blocks operations on other tokens for long.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetention sets how long a buffered terminal event is kept waiting for
// a channel before the sweep discards it. Default: 5 minutes.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) { r.retention = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// withClock overrides the time source; used by sweep tests.
func withClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		retention: 5 * time.Minute,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs ch as the live channel for id, replacing (and closing)
// any previous channel for the same token. If a terminal event was buffered
// before the channel opened, it is sent to ch immediately and the buffer is
// cleared — the single-delivery guarantee.
func (r *Registry) Register(id string, ch Channel) {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil {
		e = &entry{}
		r.entries[id] = e
	}
	old := e.ch
	e.ch = ch
	pending := e.pending
	e.pending = nil
	r.mu.Unlock()

	if old != nil && old != ch {
		// At most one subscriber per token: the superseded channel is closed.
		if err := old.Close(); err != nil {
			r.logger.Warn("close superseded channel failed", "socket_id", id, "error", err)
		}
		r.logger.Info("notification channel replaced", "socket_id", id)
	} else {
		r.logger.Info("notification channel registered", "socket_id", id)
	}

	if pending != nil {
		if err := ch.Send(*pending); err != nil {
			// Channel died between Register and flush; re-buffer so a
			// reconnect within the retention window still gets the event.
			r.mu.Lock()
			if cur := r.entries[id]; cur != nil && cur.pending == nil {
				cur.pending = pending
				cur.bufferedAt = r.now()
			}
			r.mu.Unlock()
			return
		}
		r.logger.Info("buffered terminal event flushed", "socket_id", id, "kind", pending.Kind)
	}
}

// Deliver routes ev to the live channel for id. With no live channel,
// terminal events are buffered for the next Register and everything else
// is dropped.
func (r *Registry) Deliver(id string, ev Event) DeliveryStatus {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil || e.ch == nil {
		if !ev.Terminal() {
			r.mu.Unlock()
			return Dropped
		}
		if e == nil {
			e = &entry{}
			r.entries[id] = e
		}
		// At most one pending terminal event; the first one wins.
		if e.pending == nil {
			e.pending = &ev
			e.bufferedAt = r.now()
		}
		r.mu.Unlock()
		return Buffered
	}
	ch := e.ch
	r.mu.Unlock()

	if err := ch.Send(ev); err != nil {
		if ev.Terminal() {
			// The client vanished mid-delivery. Keep the terminal event for
			// a reconnect, same as if no channel had been open.
			r.mu.Lock()
			if cur := r.entries[id]; cur != nil {
				if cur.ch == ch {
					cur.ch = nil
				}
				if cur.pending == nil {
					cur.pending = &ev
					cur.bufferedAt = r.now()
				}
			}
			r.mu.Unlock()
			return Buffered
		}
		return Dropped
	}
	return Delivered
}

// Unregister removes ch as the live channel for id. A different (replacement)
// channel under the same token is left untouched, which matters when a
// superseded channel disconnects after being replaced. Pending terminal
// events survive Unregister; only delivery or the sweep clears them.
func (r *Registry) Unregister(id string, ch Channel) {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil || (ch != nil && e.ch != ch) {
		r.mu.Unlock()
		return
	}
	e.ch = nil
	if e.pending == nil {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	r.logger.Info("notification channel unregistered", "socket_id", id)
}

// Sweep discards buffered terminal events older than the retention window
// for tokens with no live channel. Returns the number of buffers purged.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.retention)

	r.mu.Lock()
	purged := 0
	for id, e := range r.entries {
		if e.ch == nil && e.pending != nil && e.bufferedAt.Before(cutoff) {
			delete(r.entries, id)
			purged++
		}
	}
	r.mu.Unlock()

	if purged > 0 {
		r.logger.Info("swept abandoned terminal events", "purged", purged)
	}
	return purged
}

// Run runs the retention sweep every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

// Close closes every live channel and drops all state. Called on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	chans := make([]Channel, 0, len(r.entries))
	for _, e := range r.entries {
		if e.ch != nil {
			chans = append(chans, e.ch)
		}
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}
}
