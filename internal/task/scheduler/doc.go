// Package scheduler runs named periodic jobs on cron or interval schedules.
//
// Triggers come from robfig/cron; every run executes in a supervised
// goroutine so a panic reaches the application supervisor. A run that is
// still going when its next trigger fires is skipped, never queued.
package scheduler
