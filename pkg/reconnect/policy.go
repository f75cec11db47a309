// Package reconnect drives the connect/serve/backoff loop of a session.
package reconnect

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"time"
)

// Policy computes the wait before the next connection cycle:
// min(Max, Base*failures) plus a uniform jitter in [0, Jitter).
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// DefaultPolicy is 500ms linear backoff capped at 8s with up to 300ms jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:   500 * time.Millisecond,
		Max:    8 * time.Second,
		Jitter: 300 * time.Millisecond,
	}
}

// Backoff is the deterministic part of the delay for the given consecutive
// failure count. Zero failures means no wait.
func (p Policy) Backoff(failures int) time.Duration {
	if failures <= 0 || p.Base <= 0 {
		return 0
	}
	limit := p.Max
	if limit < p.Base {
		limit = p.Base
	}
	// Compare before multiplying so large counts cannot overflow.
	if int64(failures) >= int64(limit/p.Base) {
		return limit
	}
	return p.Base * time.Duration(failures)
}

// Delay is Backoff plus jitter.
func (p Policy) Delay(failures int) time.Duration {
	return p.Backoff(failures) + p.jitter(cryptoRandFloat64())
}

func (p Policy) jitter(f float64) time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	j := time.Duration(f * float64(p.Jitter))
	if j >= p.Jitter {
		j = p.Jitter - 1
	}
	return j
}

// cryptoRandFloat64 returns a uniform float in [0, 1).
func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}
