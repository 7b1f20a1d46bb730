// Package federation delivers outbound ActivityPub activities to remote inboxes.
// It computes which inboxes a status reaches, signs each request with the
// sending actor's key, sends it through an SSRF-guarded and pooled HTTP
// transport that follows at most one redirect, and records the outcome in a
// per-inbox circuit breaker and per-host hourly delivery statistics.
package federation
