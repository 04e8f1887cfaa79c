package overflow

import (
	"math"
	"time"
)

// Bucket is the persisted state of one token bucket.
type Bucket struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill_ms"`
}

func fullBucket(capacity float64, now time.Time) Bucket {
	return Bucket{Tokens: capacity, LastRefill: now.UnixMilli()}
}

// refill adds the tokens earned since the last refill, capped at capacity.
func (b Bucket) refill(capacity, rate float64, now time.Time) Bucket {
	elapsed := float64(now.UnixMilli()-b.LastRefill) / 1000
	if elapsed > 0 {
		b.Tokens = math.Min(capacity, b.Tokens+elapsed*rate)
		b.LastRefill = now.UnixMilli()
	}
	return b
}

// take removes cost tokens and reports whether enough were available. An
// exhausted bucket keeps its remaining tokens.
func (b Bucket) take(cost float64) (Bucket, bool) {
	if b.Tokens < cost {
		return b, false
	}
	b.Tokens -= cost
	return b, true
}
