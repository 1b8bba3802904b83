// Package metrics holds the Prometheus instruments of the delivery engine.
//
// Each Metrics value owns a private registry so several clients can live in
// one process. Handler exposes the registry over HTTP; Fetch and Sum read an
// exposition back, which the CLI uses to print delivery stats of a running
// process.
package metrics
