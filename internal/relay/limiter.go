package relay

import (
	"sync"

	"github.com/dkeye/Televisit/internal/domain"
	"golang.org/x/time/rate"
)

type senderKey struct {
	sid domain.SessionID
	pid domain.ParticipantID
}

// SignalRateLimiter applies a token bucket per session participant.
type SignalRateLimiter struct {
	mu       sync.Mutex
	limiters map[senderKey]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewSignalRateLimiter(perSecond float64, burst int) *SignalRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &SignalRateLimiter{
		limiters: make(map[senderKey]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *SignalRateLimiter) Allow(sid domain.SessionID, pid domain.ParticipantID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := senderKey{sid, pid}
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	return l.Allow()
}

// Forget drops the bucket of a participant that left.
func (rl *SignalRateLimiter) Forget(sid domain.SessionID, pid domain.ParticipantID) {
	rl.mu.Lock()
	delete(rl.limiters, senderKey{sid, pid})
	rl.mu.Unlock()
}
