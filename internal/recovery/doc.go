// Package recovery implements per-step failure recovery for request
// pipelines: strategy dispatch (retry, fallback, bypass, abort, compensate),
// custom per-step handlers, and transactional compensation with LIFO
// rollback.
//
// The Manager is the single entry point. It owns the strategy, compensation
// and handler registries and the per-request transaction registry. Callers
// start a transaction per request, record each successfully executed step,
// route failures through HandleError and finish the transaction on every
// exit path.
package recovery
