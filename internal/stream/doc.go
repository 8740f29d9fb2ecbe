// Package stream keeps live event streams connected.
//
// A Source opens raw bytes for a Topic (an account's conversation list or
// one conversation). A Subscription drives the lifecycle:
//
//	DISCONNECTED -> CONNECTING -> STREAMING -> RETRY_BACKOFF -> CONNECTING ...
//	                                   any -> CANCELLED (terminal)
//
// Reconnects use capped exponential backoff with jitter. Rejected
// credentials stop the subscription with a PreconditionError instead of
// retrying. Each Subscription carries a generation number that is attached
// to every frame it delivers, so the consumer can drop frames from a
// subscription it already replaced.
package stream
