// Package orchestrator tracks per-step health and circuit breaker state for
// a request pipeline. It records every completed step invocation, derives an
// operational state per step, runs a periodic health loop that moves expired
// open circuits into half-open probing, and answers the one question the
// pipeline asks before running a step: should it be bypassed.
package orchestrator
