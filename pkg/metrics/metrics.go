// Package metrics documents the Prometheus metrics exported by sweep.
// All metrics are defined in their owning packages (client, sweep,
// ratelimit) via promauto to keep registration next to the code that
// drives them; this package is the reference for what exists.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registerer used by all sweep metrics.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request metrics (pkg/client):
//   - sweep_requests_total{path, status} (Counter): requests by path and outcome
//   - sweep_request_duration_seconds{path} (Histogram): round-trip duration
//   - sweep_errors_total{class} (Counter): failures by class
//     (client, server, rate_limit, network, malformed)
//
// Retry metrics (pkg/client):
//   - sweep_retries_total{error_class} (Counter): retry attempts
//   - sweep_retry_wait_seconds{error_class} (Histogram): pre-retry waits
//   - sweep_retry_exhausted_total{error_class} (Counter): retry ceilings hit
//
// Engine metrics (pkg/sweep):
//   - sweep_records_fetched_total (Counter): records pushed by workers
//   - sweep_duplicates_removed_total (Counter): duplicates dropped in merge
//   - sweep_active_workers (Gauge): range workers currently running
//
// Budget metrics (pkg/ratelimit):
//   - sweep_rate_limit_budget_remaining (Gauge): requests left in the window
//   - sweep_rate_limit_blocks_total (Counter): requests blocked (critical)
//   - sweep_rate_limit_throttles_total (Counter): requests throttled (warning)
//
// Example Prometheus queries:
//
//   # Transient failure rate
//   rate(sweep_errors_total{class=~"server|network|rate_limit"}[5m])
//
//   # Duplicate ratio
//   rate(sweep_duplicates_removed_total[5m]) / rate(sweep_records_fetched_total[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(sweep_request_duration_seconds_bucket[5m]))
