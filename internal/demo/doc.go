// Package demo produces sample load for the task engine: a batch of tasks
// with mixed priorities and random delays, plus optional recurring tasks
// driven by the cron trigger.
package demo
