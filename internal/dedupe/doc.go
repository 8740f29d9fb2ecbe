// Package dedupe remembers which message ids were already applied so that
// retransmissions are rejected even after the message scrolled out of a
// conversation's visible window.
package dedupe
