/*
Package metrics exports connection pool activity to Prometheus.

A Collector implements pool.Observer, so it is attached with pool.WithObserver and receives every
acquisition, creation, eviction, close and keep-alive as it happens.

	collector, err := metrics.NewCollector(cfg, logger)
	if err != nil {
		return err
	}
	p := pool.New(pool.WithObserver(collector))
	collector.AttachPool(p)
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

# Exported series

All series carry the configured namespace and constant labels.

	acquisitions_total{scheme,result}        hit, miss or error
	handlers_created_total{scheme}
	handlers_evicted_total{scheme}
	handlers_closed_total{scheme,status}
	keepalives_total{scheme,status}
	errors_total{operation,code}             code is the pool error code, or OTHER
	handler_idle_at_eviction_seconds{scheme}
	registry_handlers
	registry_locked_handlers
	monitor_running

# HTTP endpoints

Start binds the listener before returning, so Addr is valid immediately afterwards.

	/metrics       Prometheus exposition (OpenMetrics when negotiated)
	/health        static liveness document
	/debug/realms  per-realm counters as a text table
	/debug/pool    pool statistics and registry dump as JSON, once a pool is attached

Observer methods only touch Prometheus metrics and the collector's own mutex. They never call back into
the pool, which holds its registry lock while notifying.
*/
package metrics
