// Package trigger turns cron and interval schedules into engine submissions.
//
// The trigger never executes work itself: every tick calls Submitter.Submit
// with the schedule's priority and delay, and the task engine takes it from
// there.
package trigger
