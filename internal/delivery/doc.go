// Package delivery sends rendered report artifacts to their recipients.
//
// Deliver splits a version delivery into one job per recipient and returns
// once the jobs are queued. Workers send through the first Sender that
// accepts the recipient, rate limited and retried with backoff. A version is
// sent to a recipient at most once per dedup window; with PersistDedup the
// window survives restarts.
package delivery
