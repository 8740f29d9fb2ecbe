// Package notify delivers notifications that passed the gate to consumers
// outside the process. The NATS Publisher sends each one as JSON on a
// per-account subject; the engine also accepts any Notifier.
package notify
