// Package dedupe provides a time-based cache of request results so a client
// retrying a request with the same idempotency key gets the original result
// instead of a second execution.
package dedupe
