// Package task implements the durable agent-task engine: submission with
// idempotency, a bounded worker pool fed by a change-feed or polling
// dispatcher, lifecycle monitoring with timeout/stale/zombie detection,
// retry scheduling with exponential backoff, and dead-lettering of tasks
// that exhaust their retry budget.
package task
