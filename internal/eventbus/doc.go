// Package eventbus is the in-process signal bus shared by the scheduler, the
// generation pipeline and the delivery queue. Tests subscribe to it to wait
// for cycle outcomes without sleeping.
package eventbus
