// Package metrics defines the sinks recording task and run measurements of
// the forecast engine. Sinks like the Prometheus and InfluxDB ones live in
// infra/metrics and register themselves by type name; NewMetricsSink
// returns a MultiSink automatically when several sinks are configured.
package metrics
