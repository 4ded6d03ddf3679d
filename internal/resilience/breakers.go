package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Breakers hands out one breaker per downstream target, created lazily with
// shared thresholds. Each gateway gets its own so one outage cannot trip the
// other.
type Breakers struct {
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
	Logger       zerolog.Logger

	mu  sync.Mutex
	set map[string]*Breaker
}

// For returns the breaker for target, creating it on first use.
func (bs *Breakers) For(target string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.set == nil {
		bs.set = make(map[string]*Breaker)
	}
	if b, ok := bs.set[target]; ok {
		return b
	}
	b := NewBreaker(bs.MinRequests, bs.FailureRatio, bs.OpenFor).
		WithTarget(target).
		WithLogger(bs.Logger)
	bs.set[target] = b
	return b
}
