// Package logx is reportd's logging layer: a thin Logger value over zerolog
// with typed field helpers.
//
// Console output is human readable, the optional file sink writes JSON, and
// events at or above the alert level are rate limited and posted to Slack.
// Config can be re-applied at runtime without replacing derived loggers.
package logx
