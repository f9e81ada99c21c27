package store

import (
	"github.com/aretw0/introspection"
)

// StoreState exposes internal state for observability.
type StoreState struct {
	Name          string   `json:"name"`
	Codec         string   `json:"codec"`
	ReadOnly      bool     `json:"read_only"`
	Closed        bool     `json:"closed"`
	CacheSize     int      `json:"cache_size"`
	CacheCapacity int      `json:"cache_capacity"`
	Resident      []string `json:"resident,omitempty"`
	Listeners     int      `json:"listeners"`
	LiveQueries   int64    `json:"live_queries"`
	Watching      bool     `json:"watching"`
	Engine        any      `json:"engine,omitempty"`
	Stats         Stats    `json:"stats"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.watchMu.Lock()
	watching := s.watchCancel != nil
	s.watchMu.Unlock()

	state := StoreState{
		Name:          s.name,
		Codec:         s.codec.Name(),
		ReadOnly:      s.readOnly,
		Closed:        s.closed.Load(),
		CacheSize:     s.cache.Len(),
		CacheCapacity: s.cache.Capacity(),
		Resident:      s.cache.Keys(),
		Listeners:     s.notifier.Len(),
		LiveQueries:   s.queries.Load(),
		Watching:      watching,
		Stats:         s.metrics.stats(),
	}
	if in, ok := s.engine.(introspection.Introspectable); ok {
		state.Engine = in.State()
	}
	return state
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "store"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)
