// Package engine is the delay/priority task engine.
//
// Submitted work is ordered by due time, then priority rank, then submission
// sequence, and executed by a fixed pool of worker loops. Every submission is
// tracked in a Registry (QUEUED -> RUNNING -> SUCCEEDED|FAILED) that observers
// such as the HTTP monitor read through copies only.
//
// Workers never execute an item before its due time. A worker that dequeues an
// item that is not yet due puts it back and waits for the shorter of the time
// remaining and Config.PollInterval, or until a new submission arrives.
//
// Shutdown is non-blocking. Bodies already running finish and are recorded;
// Wait offers an optional completion barrier for callers that need one.
package engine
