// Package scheduler selects and executes runnable pipeline stages. Selection
// turns resolver snapshots into batches that respect dependency order and
// concurrency limits; dispatch runs each selected stage on its own goroutine
// behind a weighted semaphore and reports outcomes over a channel.
package scheduler
