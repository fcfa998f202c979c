// Package pipeline composes named steps into a resilient chain. Each step is
// wrapped with bypass checking, a bounded retry loop and recovery dispatch;
// the chain owns the per-request transaction lifecycle so compensations run
// on every exit path.
package pipeline
