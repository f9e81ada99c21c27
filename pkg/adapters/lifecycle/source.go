// Package lifecycle bridges store change events to github.com/aretw0/lifecycle.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/aretw0/lifecycle"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/loamdb/pkg/core"
	"github.com/aretw0/loamdb/pkg/store"
)

type storeSource struct {
	feed    func(ctx context.Context) <-chan core.Event
	pattern string
	out     chan lifecycle.Event
}

// Option configures a source.
type Option func(*storeSource) error

// WithPattern only forwards events whose document ID matches a doublestar
// pattern, such as "tasks/**".
func WithPattern(pattern string) Option {
	return func(s *storeSource) error {
		if !doublestar.ValidatePattern(pattern) {
			return core.Invalid("bad pattern %q", pattern)
		}
		s.pattern = pattern
		return nil
	}
}

// NewSource creates a lifecycle.Source that emits the events of a channel.
// core.Event implements lifecycle.Event.
func NewSource(events <-chan core.Event, opts ...Option) (lifecycle.Source, error) {
	return newSource(func(context.Context) <-chan core.Event { return events }, opts)
}

// NewStoreSource creates a lifecycle.Source fed by the change feed of s.
// The subscription is taken when the source starts and released when its
// context ends.
func NewStoreSource(s *store.Store, buffer int, opts ...Option) (lifecycle.Source, error) {
	if s == nil {
		return nil, core.Invalid("nil store")
	}
	return newSource(func(ctx context.Context) <-chan core.Event { return s.Changes(ctx, buffer) }, opts)
}

func newSource(feed func(context.Context) <-chan core.Event, opts []Option) (*storeSource, error) {
	s := &storeSource{
		feed: feed,
		out:  make(chan lifecycle.Event),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("lifecycle source: %w", err)
		}
	}
	return s, nil
}

func (s *storeSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *storeSource) Start(ctx context.Context) error {
	events := s.feed(ctx)
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if !s.matches(e) {
					continue
				}
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}

func (s *storeSource) matches(e core.Event) bool {
	if s.pattern == "" {
		return true
	}
	ok, _ := doublestar.Match(s.pattern, e.ID)
	return ok
}
