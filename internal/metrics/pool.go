package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a point-in-time view of a connection pool.
type PoolStats struct {
	InUse     int64
	Idle      int64
	Max       int64
	Waits     int64
	WaitTotal time.Duration
}

// PoolStatsFunc is sampled on every scrape.
type PoolStatsFunc func() PoolStats

// PgxPoolStats adapts a pgx pool. Acquires that found the pool empty count
// as waits.
func PgxPoolStats(pool *pgxpool.Pool) PoolStatsFunc {
	return func() PoolStats {
		s := pool.Stat()
		return PoolStats{
			InUse:     int64(s.AcquiredConns()),
			Idle:      int64(s.IdleConns()),
			Max:       int64(s.MaxConns()),
			Waits:     s.EmptyAcquireCount(),
			WaitTotal: s.EmptyAcquireWaitTime(),
		}
	}
}

// SQLDBStats adapts database/sql stats, as reported by the SQLite profile
// store.
func SQLDBStats(stats func() sql.DBStats) PoolStatsFunc {
	return func() PoolStats {
		s := stats()
		return PoolStats{
			InUse:     int64(s.InUse),
			Idle:      int64(s.Idle),
			Max:       int64(s.MaxOpenConnections),
			Waits:     s.WaitCount,
			WaitTotal: s.WaitDuration,
		}
	}
}

type poolCollector struct {
	mu      sync.RWMutex
	sources map[string]PoolStatsFunc

	conns     *prometheus.Desc
	max       *prometheus.Desc
	waits     *prometheus.Desc
	waitTotal *prometheus.Desc
}

// PoolCollector exports connection pool gauges labelled by store name.
type PoolCollector struct {
	c *poolCollector
}

// NewPoolCollector registers an empty collector. Pools are added with Add
// as the server opens them.
func NewPoolCollector(reg prometheus.Registerer) *PoolCollector {
	c := &poolCollector{
		sources: make(map[string]PoolStatsFunc),
		conns: prometheus.NewDesc(
			"bucketz_db_pool_connections",
			"Database connections by store and state.",
			[]string{"store", "state"}, nil,
		),
		max: prometheus.NewDesc(
			"bucketz_db_pool_max_connections",
			"Configured connection limit per store. Zero means unlimited.",
			[]string{"store"}, nil,
		),
		waits: prometheus.NewDesc(
			"bucketz_db_pool_waits_total",
			"Connection acquires that had to wait for a free connection.",
			[]string{"store"}, nil,
		),
		waitTotal: prometheus.NewDesc(
			"bucketz_db_pool_wait_seconds_total",
			"Time spent waiting for a free connection.",
			[]string{"store"}, nil,
		),
	}
	reg.MustRegister(c)
	return &PoolCollector{c: c}
}

// Add starts reporting stats under the given store name, replacing any
// earlier source with that name.
func (p *PoolCollector) Add(store string, stats PoolStatsFunc) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.c.sources[store] = stats
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.max
	ch <- c.waits
	ch <- c.waitTotal
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for store, sample := range c.sources {
		s := sample()
		ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.InUse), store, "in_use")
		ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.Idle), store, "idle")
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.Max), store)
		ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(s.Waits), store)
		ch <- prometheus.MustNewConstMetric(c.waitTotal, prometheus.CounterValue, s.WaitTotal.Seconds(), store)
	}
}
