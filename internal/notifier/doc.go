// Package notifier delivers ops alerts to a chat transport.
//
// Notify enqueues and returns; a small worker pool sends through the
// transport adapter under a token-bucket rate limit, retrying with jittered
// backoff. Notifications sharing a throttle key are suppressed for the dedup
// window, optionally persisted so a restart does not re-alert.
package notifier
