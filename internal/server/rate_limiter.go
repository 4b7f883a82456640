package server

import (
	"time"
)

// frameBucket throttles the frames one client may send. It holds up to Burst
// tokens and regains Burst tokens per RefillInterval. Only the read pump
// touches it, so it is not locked.
type frameBucket struct {
	cfg      RateLimitConfig
	tokens   float64
	perToken time.Duration
	last     time.Time
	now      func() time.Time
}

func newFrameBucket(cfg RateLimitConfig) *frameBucket {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	perToken := cfg.RefillInterval / time.Duration(cfg.Burst)
	if perToken <= 0 {
		perToken = time.Nanosecond
	}

	b := &frameBucket{cfg: cfg, tokens: float64(cfg.Burst), perToken: perToken, now: time.Now}
	b.last = b.now()
	return b
}

// take spends one token. When the bucket is empty it reports how long until
// the next token is available.
func (b *frameBucket) take() (bool, time.Duration) {
	now := b.now()
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens += float64(elapsed) / float64(b.perToken)
		if limit := float64(b.cfg.Burst); b.tokens > limit {
			b.tokens = limit
		}
	}
	b.last = now

	if b.tokens < 1 {
		return false, time.Duration((1 - b.tokens) * float64(b.perToken))
	}
	b.tokens--
	return true, 0
}
