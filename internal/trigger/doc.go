// Package trigger submits tag syncs on a schedule.
//
// A trigger pairs a tag with a cron expression or a fixed interval. The set
// of triggers can be replaced at runtime with Apply (config hot reload).
package trigger
