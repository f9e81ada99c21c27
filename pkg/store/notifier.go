package store

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aretw0/lifecycle"
	"github.com/rs/xid"

	"github.com/aretw0/loamdb/pkg/core"
)

// Token identifies a listener registration.
type Token string

func newToken() Token {
	return Token(xid.New().String())
}

// Change is what listeners receive for one commit.
type Change struct {
	Events   []core.Event
	External bool
}

// IDs lists the changed document identifiers in commit order.
func (c Change) IDs() []string {
	ids := make([]string, len(c.Events))
	for i, e := range c.Events {
		ids[i] = e.ID
	}
	return ids
}

type subscription struct {
	token   Token
	docID   string         // per-document listener when set
	sched   core.Scheduler // nil: synchronous on the committing goroutine
	fn      func(Change)
	onClose func()
	removed atomic.Bool
}

// ChangeNotifier is the listener registry. Publish dispatches against a
// snapshot of the registry taken when it starts.
type ChangeNotifier struct {
	logger *slog.Logger
	counts *storeMetrics

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

func newChangeNotifier(logger *slog.Logger, counts *storeMetrics) *ChangeNotifier {
	return &ChangeNotifier{logger: logger, counts: counts}
}

func (n *ChangeNotifier) subscribe(sub *subscription) Token {
	sub.token = newToken()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		sub.removed.Store(true)
		return sub.token
	}
	// Copy on write: in-flight publishes keep their snapshot.
	next := make([]*subscription, len(n.subs), len(n.subs)+1)
	copy(next, n.subs)
	n.subs = append(next, sub)
	return sub.token
}

// Subscribe registers a listener for every commit. With a nil scheduler it runs
// synchronously on the committing goroutine, in subscription order.
func (n *ChangeNotifier) Subscribe(sched core.Scheduler, fn func(Change)) Token {
	return n.subscribe(&subscription{sched: sched, fn: fn})
}

// SubscribeDocument registers a listener that only sees commits touching id.
func (n *ChangeNotifier) SubscribeDocument(id string, sched core.Scheduler, fn func(core.Event)) Token {
	return n.subscribe(&subscription{
		docID: id,
		sched: sched,
		fn: func(c Change) {
			for _, e := range c.Events {
				fn(e)
			}
		},
	})
}

// Unsubscribe removes a listener. No delivery to it starts after Unsubscribe
// returns, including deliveries from a publish pass already in flight.
func (n *ChangeNotifier) Unsubscribe(tok Token) bool {
	n.mu.Lock()
	idx := slices.IndexFunc(n.subs, func(s *subscription) bool { return s.token == tok })
	if idx < 0 {
		n.mu.Unlock()
		return false
	}
	sub := n.subs[idx]
	next := make([]*subscription, 0, len(n.subs)-1)
	next = append(next, n.subs[:idx]...)
	n.subs = append(next, n.subs[idx+1:]...)
	n.mu.Unlock()

	sub.removed.Store(true)
	if sub.onClose != nil {
		sub.onClose()
	}
	return true
}

// Len returns the number of registered listeners.
func (n *ChangeNotifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Publish delivers one commit to every listener registered when it starts.
func (n *ChangeNotifier) Publish(c Change) {
	if len(c.Events) == 0 {
		return
	}
	n.mu.Lock()
	subs := n.subs
	n.mu.Unlock()

	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		delivery := c
		if sub.docID != "" {
			delivery = filterChange(c, sub.docID)
			if len(delivery.Events) == 0 {
				continue
			}
		}
		n.deliver(sub, delivery)
	}
}

func (n *ChangeNotifier) deliver(sub *subscription, c Change) {
	run := func() {
		if sub.removed.Load() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("change listener panicked", "token", sub.token, "error", r)
			}
		}()
		sub.fn(c)
		if n.counts != nil {
			n.counts.notifications.Inc()
		}
	}

	if sub.sched == nil {
		run()
		return
	}
	if err := sub.sched.Schedule(run); err != nil {
		n.logger.Warn("change listener dispatch failed", "token", sub.token, "error", err)
	}
}

func filterChange(c Change, id string) Change {
	out := Change{External: c.External}
	for _, e := range c.Events {
		if e.ID == id {
			out.Events = append(out.Events, e)
		}
	}
	return out
}

// Feed returns a channel carrying every committed event until ctx is done or
// the notifier closes. A full channel blocks the publisher until ctx is done.
func (n *ChangeNotifier) Feed(ctx context.Context, buffer int) <-chan core.Event {
	out := make(chan core.Event, buffer)

	var (
		mu       sync.Mutex
		closed   bool
		stop     = make(chan struct{})
		stopOnce sync.Once
	)
	shut := func() {
		stopOnce.Do(func() { close(stop) })
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(out)
		}
	}

	sub := &subscription{
		fn: func(c Change) {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			for _, e := range c.Events {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		},
	}
	sub.onClose = shut
	tok := n.subscribe(sub)
	if sub.removed.Load() {
		shut()
		return out
	}

	lifecycle.Go(ctx, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			n.Unsubscribe(tok)
		case <-stop:
		}
		return nil
	})
	return out
}

// Close drops every listener and ends all feeds.
func (n *ChangeNotifier) Close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.closed = true
	n.mu.Unlock()

	for _, sub := range subs {
		sub.removed.Store(true)
		if sub.onClose != nil {
			sub.onClose()
		}
	}
}
