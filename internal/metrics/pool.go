package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a point-in-time view of a connection pool.
type PoolStats struct {
	Acquired      int32
	Idle          int32
	Total         int32
	Max           int32
	EmptyAcquires int64
}

type poolCollector struct {
	stat func() PoolStats

	acquiredConns *prometheus.Desc
	idleConns     *prometheus.Desc
	totalConns    *prometheus.Desc
	maxConns      *prometheus.Desc
	emptyAcquires *prometheus.Desc
}

// RegisterPoolMetrics registers Prometheus gauges that report live pgxpool
// connection statistics on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	RegisterPoolStats(reg, func() PoolStats {
		stat := pool.Stat()
		return PoolStats{
			Acquired:      stat.AcquiredConns(),
			Idle:          stat.IdleConns(),
			Total:         stat.TotalConns(),
			Max:           stat.MaxConns(),
			EmptyAcquires: stat.EmptyAcquireCount(),
		}
	})
}

// RegisterPoolStats registers the pool collector over an arbitrary stats
// source.
func RegisterPoolStats(reg prometheus.Registerer, stat func() PoolStats) {
	reg.MustRegister(&poolCollector{
		stat: stat,
		acquiredConns: prometheus.NewDesc(
			"formz_db_pool_acquired",
			"Number of currently acquired database connections.",
			nil, nil,
		),
		idleConns: prometheus.NewDesc(
			"formz_db_pool_idle",
			"Number of idle database connections in the pool.",
			nil, nil,
		),
		totalConns: prometheus.NewDesc(
			"formz_db_pool_total",
			"Total number of database connections in the pool.",
			nil, nil,
		),
		maxConns: prometheus.NewDesc(
			"formz_db_pool_max",
			"Maximum number of database connections allowed in the pool.",
			nil, nil,
		),
		emptyAcquires: prometheus.NewDesc(
			"formz_db_pool_empty_acquires_total",
			"Acquires that had to wait because the pool was empty.",
			nil, nil,
		),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquiredConns
	ch <- c.idleConns
	ch <- c.totalConns
	ch <- c.maxConns
	ch <- c.emptyAcquires
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.stat()

	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(stat.Acquired))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stat.Idle))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stat.Total))
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(stat.Max))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(stat.EmptyAcquires))
}
