/*
Package metrics exports the sync engine and cache layer's operational
counters as Prometheus series.

# Overview

A Collector is attached to a syncengine.Engine and a fuse.FileSystem after
construction (AttachMetrics on each). It has no opinion about what an
"operation" is beyond a name and a duration: the engine names each
dispatched Action "<direction>_<kind>" (push_upload, pull_download_chunk,
pull_list_children, ...), so the action label space mirrors store.Action's
own Kind/Direction enums rather than an arbitrary string.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      8080,
		Namespace: "cloudmount",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

	engine.AttachMetrics(collector)
	fsys.AttachMetrics(collector)

# Series

Counters:
  - cloudmount_actions_total{action,status}: dispatched Actions by shape and outcome
  - cloudmount_action_retries_total{kind}: Actions requeued after a failed dispatch
  - cloudmount_coalesce_folds_total: EnqueueAction calls folded into an already-queued Action
  - cloudmount_cache_requests_total{type}: cache reads, hit vs miss
  - cloudmount_errors_total{operation,type}: errors, classified for alerting

Histograms:
  - cloudmount_action_duration_seconds{action}: dispatch latency per action shape

# HTTP endpoints

	curl http://localhost:8080/metrics   # Prometheus scrape target
	curl http://localhost:8080/health    # {"status":"healthy",...}
	curl http://localhost:8080/status    # device status snapshot, if AttachStatusProvider was called

# See Also

  - pkg/health: session and component health tracking
  - pkg/status: operation-level progress surface
  - internal/circuit: the breaker wrapping the remote health probe
*/
package metrics
