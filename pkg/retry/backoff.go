// Package retry computes capped exponential backoff with deterministic jitter.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a backoff schedule.
type Policy struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// DefaultPollPolicy is used for provider poll intervals.
var DefaultPollPolicy = Policy{Base: time.Second, Max: 30 * time.Second}

// Delay returns base * 2^attempt, capped at Max, plus jitter derived from key
// and attempt. The same key and attempt always give the same delay.
func (p Policy) Delay(key string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	d := time.Duration(int64(p.Base) * factor)
	if d <= 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}
	return d + p.jitter(key, attempt)
}

func (p Policy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Schedule lists the delays for attempts 0..n-1.
func (p Policy) Schedule(key string, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = p.Delay(key, i)
	}
	return out
}
