// Package service implements the task lifecycle engine of the agent.
//
// The Scheduler owns the five task pools and runs a single event loop. All
// pool mutations happen on that loop: reconciliation passes fired by gocron
// ticks, exits of supervised scripts and completions of controller calls are
// delivered to it as events. Scripts run as detached processes and network
// calls run on their own goroutines, so the loop never blocks on them.
//
// Data flow:
//
//	controller            intake goroutine         Scheduler.Do              Runner
//	    |                        |                       |                      |
//	    |<------ Poll -----------|--- ids snapshot ----->|                      |
//	    |------ Message -------->|--- handleMessage ---->| pending              |
//	    |                        |                       |-- promote ---------->| startJob
//	    |                        |                       |<-- exit event -------|
//	    |                        |                       | completed / error    |
//	    |<----- upload / report / status push ----------|                      |
//	    |                        |                       |-- cleanUpJob ------->|
//
// Passes:
//   - promote: pending and downloaded -> in-processing, bounded by MaxSimultaneous
//   - status poll: getJobStatus for async tasks, once per MinStatusAge
//   - status push: one batch in flight at most
//   - error report: one task per tick, bounded by MaxReports
//   - upload: results pipeline, bounded by MaxUploads
//   - download: retries failed payload downloads until the deadline
//   - cleanup: cleanUpJob, bounded by MaxCleanups
//   - timeout sweep: expired pending tasks and idle expired in-processing tasks
//
// Invariants:
//   - A job id is held by exactly one pool.
//   - promote never grows in-processing past MaxSimultaneous. Async tasks
//     resumed by reconcile are admitted regardless, so the pool can exceed
//     the cap until they finish.
//   - A canceled running task stays in processing until its own scripts exit.
//   - A task is destroyed after its cleanup, after a retry budget is spent or
//     once the controller acknowledged its error report.
//
// On start the working tree is reconciled (see reconcile) before the intake
// begins.
package service
