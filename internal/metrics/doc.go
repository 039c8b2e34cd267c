/*
Package metrics provides Prometheus-based metrics collection for the
MarFS core: datastream reads/writes, DAL object-store calls, chunk-read
hit rates, and resource-manager operation counts, exported over an HTTP
endpoint together with a health check and two debug views.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9477,
		Path:      "/metrics",
		Namespace: "marfs",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

Operations are recorded with timing, size, and success/failure status:

	startTime := time.Now()
	n, err := handle.Put(ctx, data)
	collector.RecordOperation("dal_put", time.Since(startTime), int64(n), err == nil)

# Exported metrics

Counters:
  - marfs_operations_total{operation,status}: operations by type and status
  - marfs_chunk_reads_total{type,source}: chunk reads served from the open
    stream (hit) vs a fresh object fetch (miss)
  - marfs_errors_total{operation,type}: errors by operation and
    classification (structured MarFS errors report their taxonomy
    category; everything else falls back to string heuristics)

Histograms:
  - marfs_operation_duration_seconds{operation}: latency distribution
  - marfs_operation_size_bytes{operation}: size distribution

Gauges:
  - marfs_open_streams: currently open datastream handles

# HTTP endpoints

  - <Path> (default /metrics): Prometheus exposition
  - /health: {"status":"healthy","service":"marfs-metrics"}
  - /debug/metrics: JSON snapshot of per-operation aggregates
  - /debug/operations: plain-text per-operation summary table
*/
package metrics
