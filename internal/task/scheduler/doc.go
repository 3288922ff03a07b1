// Package scheduler is the report daemon's control loop.
//
// A cron-driven poll sweeps expired claims, lists due schedules, claims each
// one and hands the cycle to the task engine. The scheduler owns the
// per-entry state machine (idle, claimed, succeeded or failed, idle again):
// it computes the next run from the cadence on success and the backoff on
// failure, flags entries for review and escalates storage trouble.
package scheduler
