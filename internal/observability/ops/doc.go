// Package ops serves the operational HTTP surface of the daemon: status,
// manual triggers, redelivery, version history, Prometheus metrics and an
// optional pprof mount.
package ops
