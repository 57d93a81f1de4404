// Package progress turns worker and scheduler events into job state. A Reporter
// per job is the only writer of that job's record and persists it through the
// JobStore on a debounce; a process-wide Hub fans the same events out to
// observability sinks without ever blocking the pipeline.
package progress
