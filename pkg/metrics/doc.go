/*
Package metrics provides Prometheus metrics collection and exposition for ward.

Metrics are defined as package-level collectors registered with the default
registry at init, covering the cluster view (peer count, leadership, quorum),
the elector (runner counts by state, master designation, tick latency), the
local runner and its services (state ordinals, script latency and failures),
the wire layer (datagrams sent/received/dropped) and the RPC surface.

A Collector polls a Source (implemented by the nexus) every 15 seconds and
publishes its Snapshot as gauge values, so instrumented reads never reach
into component internals from the scrape path.

The package also carries the node's HTTP health surface: /health aggregates
per-component health set via RegisterComponent/UpdateComponent, /ready gates
on the critical components (transport, cluster), and /live answers whenever
the process runs. Handlers are plain http.HandlerFunc values mounted by the
daemon next to the Prometheus handler.
*/
package metrics
