package store

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type storeMetrics struct {
	set           *metrics.Set
	saves         *metrics.Counter
	deletes       *metrics.Counter
	conflicts     *metrics.Counter
	resolved      *metrics.Counter
	commits       *metrics.Counter
	rollbacks     *metrics.Counter
	evictions     *metrics.Counter
	notifications *metrics.Counter
	external      *metrics.Counter
}

func newStoreMetrics(name string, cacheLen func() int) *storeMetrics {
	set := metrics.NewSet()
	label := func(metric string) string {
		return fmt.Sprintf(`%s{store=%q}`, metric, name)
	}
	m := &storeMetrics{
		set:           set,
		saves:         set.NewCounter(label("loamdb_saves_total")),
		deletes:       set.NewCounter(label("loamdb_deletes_total")),
		conflicts:     set.NewCounter(label("loamdb_conflicts_total")),
		resolved:      set.NewCounter(label("loamdb_conflicts_resolved_total")),
		commits:       set.NewCounter(label("loamdb_commits_total")),
		rollbacks:     set.NewCounter(label("loamdb_rollbacks_total")),
		evictions:     set.NewCounter(label("loamdb_cache_evictions_total")),
		notifications: set.NewCounter(label("loamdb_notifications_total")),
		external:      set.NewCounter(label("loamdb_external_changes_total")),
	}
	set.NewGauge(label("loamdb_cache_resident"), func() float64 {
		return float64(cacheLen())
	})
	return m
}

// Stats is a point-in-time copy of the store counters.
type Stats struct {
	Saves         uint64 `json:"saves"`
	Deletes       uint64 `json:"deletes"`
	Conflicts     uint64 `json:"conflicts"`
	Resolved      uint64 `json:"conflicts_resolved"`
	Commits       uint64 `json:"commits"`
	Rollbacks     uint64 `json:"rollbacks"`
	Evictions     uint64 `json:"evictions"`
	Notifications uint64 `json:"notifications"`
	External      uint64 `json:"external_changes"`
}

func (m *storeMetrics) stats() Stats {
	return Stats{
		Saves:         m.saves.Get(),
		Deletes:       m.deletes.Get(),
		Conflicts:     m.conflicts.Get(),
		Resolved:      m.resolved.Get(),
		Commits:       m.commits.Get(),
		Rollbacks:     m.rollbacks.Get(),
		Evictions:     m.evictions.Get(),
		Notifications: m.notifications.Get(),
		External:      m.external.Get(),
	}
}

// WritePrometheus writes the store metrics in Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) {
	s.metrics.set.WritePrometheus(w)
}

// Stats returns the current counter values.
func (s *Store) Stats() Stats {
	return s.metrics.stats()
}
