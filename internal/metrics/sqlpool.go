package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterSQLPoolMetrics exposes database/sql connection pool statistics of
// the cache file as Prometheus gauges.
func RegisterSQLPoolMetrics(reg prometheus.Registerer, db *sql.DB) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vmcache_sql_open_conns",
			Help: "Number of established connections to the cache file",
		}, func() float64 {
			return float64(db.Stats().OpenConnections)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vmcache_sql_in_use_conns",
			Help: "Number of connections currently in use",
		}, func() float64 {
			return float64(db.Stats().InUse)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vmcache_sql_idle_conns",
			Help: "Number of idle connections",
		}, func() float64 {
			return float64(db.Stats().Idle)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vmcache_sql_wait_total",
			Help: "Total number of connections waited for",
		}, func() float64 {
			return float64(db.Stats().WaitCount)
		}),
	)
}
