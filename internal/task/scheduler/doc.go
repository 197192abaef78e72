// Package scheduler triggers maintenance jobs (daily quota sweep, status
// log line, activity pruning) on cron or interval schedules.
//
// Jobs run on the scheduler's own goroutines, not through the capacity
// limited task queue: they are short bookkeeping calls and must not take a
// slot away from downloads. A job that is still running when its next
// trigger fires is skipped.
package scheduler
