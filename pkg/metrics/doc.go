/*
Package metrics exposes the agent's Prometheus instrumentation.

Subsystems update the package-level instruments directly; the Collector
periodically derives queue and cache gauges from the store. The scrape
endpoint is optional and only served when agent.metrics_addr is set.
*/
package metrics
