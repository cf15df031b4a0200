// Package sched provides the single scheduled-retry abstraction shared
// by the key-exchange coordinator and the delivery state machine: a
// backoff policy plus a per-key timer scheduler, and a stoppable
// ticker for periodic sweeps.
package sched

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff describes an exponential backoff policy with bounded
// attempts and randomized jitter.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// Max caps the delay regardless of attempt count.
	Max time.Duration
	// MaxAttempts is the retry ceiling; 0 means unlimited.
	MaxAttempts int
	// JitterPercent adds up to ±N% randomness to each delay so
	// synchronized peers do not retry in lockstep.
	JitterPercent int
}

// DefaultSendBackoff is the policy for message send retries.
func DefaultSendBackoff() Backoff {
	return Backoff{
		Initial:       2 * time.Second,
		Multiplier:    2,
		Max:           60 * time.Second,
		MaxAttempts:   5,
		JitterPercent: 25,
	}
}

// DefaultHandshakeBackoff is the policy for key-exchange phase-2
// retries while waiting for the peer's public key to become resident.
func DefaultHandshakeBackoff() Backoff {
	return Backoff{
		Initial:       5 * time.Second,
		Multiplier:    2,
		Max:           80 * time.Second,
		MaxAttempts:   6,
		JitterPercent: 20,
	}
}

// Exhausted reports whether the given attempt count has hit the
// ceiling.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}

// Delay computes the delay before retry number attempt (1-based),
// with jitter applied.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= b.Multiplier
		if b.Max > 0 && delay >= float64(b.Max) {
			delay = float64(b.Max)
			break
		}
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	return time.Duration(delay) + b.jitter(time.Duration(delay))
}

// jitter draws a random offset in ±JitterPercent% of the delay.
func (b Backoff) jitter(delay time.Duration) time.Duration {
	if b.JitterPercent <= 0 || delay <= 0 {
		return 0
	}
	maxJitter := int64(float64(delay) * float64(b.JitterPercent) / 100.0)
	if maxJitter <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2*maxJitter))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64() - maxJitter)
}
