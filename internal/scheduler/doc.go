// Package scheduler owns the schedule registry and the tick loop that turns
// due schedules into queued tasks.
//
// One tick scan runs at a time; an overrunning scan causes the next tick to
// be skipped rather than run concurrently. A schedule's next_run advances
// only after its task was durably enqueued, so an unavailable queue leaves
// the schedule due and it is retried on the following tick.
package scheduler
