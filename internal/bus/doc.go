// Package bus is the service runtime every alicia service is built on. It
// wraps an MQTT session with the shared wire contract: JSON envelopes with
// TTL expiry and hop limits, at-most-once dispatch via a dedupe cache,
// per-subscription ordered delivery through bounded queues, discovery
// registration, and a periodic health heartbeat.
//
// The runtime uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it publishes
// a discovery registration envelope and re-issues all subscriptions. A will
// message ensures the unregister topic fires on unexpected disconnects.
// Publishing while disconnected fails fast with a transport error rather
// than queueing.
//
// Services program against the [Conn] interface; [Client] implements it
// against a live broker and [Fake] implements it in memory for tests.
package bus
