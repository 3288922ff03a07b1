// Package supervisor hosts the daemon's long-lived goroutines.
package supervisor
