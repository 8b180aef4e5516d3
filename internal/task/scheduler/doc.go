// Package scheduler admits tasks by wall-clock deadline.
//
// The scheduler only decides when a task is due:
//   - pending tasks live in a heap ordered by NextRun
//   - one timer is armed for the earliest deadline
//   - due tasks are handed to the worker queue, and re-admitted on completion
//     according to their recurrence unless they carry their own handler
package scheduler
