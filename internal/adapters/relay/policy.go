package relay

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dkeye/Call/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(chat domain.ChatID, user domain.User) BackpressureAction
}

// SimplePolicy kicks slow members; their client reconnects and rejoins.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ChatID, domain.User) BackpressureAction {
	return KickMember
}

// RateLimiter is a token bucket per user, shared by all of the user's
// connections.
type RateLimiter struct {
	mu    sync.Mutex
	users map[domain.UserID]*rate.Limiter
	limit rate.Limit
	burst int
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		users: make(map[domain.UserID]*rate.Limiter),
		limit: rate.Limit(perSecond),
		burst: burst,
	}
}

func (rl *RateLimiter) Allow(uid domain.UserID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	l, ok := rl.users[uid]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.users[uid] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

// Forget drops the bucket of a user with no connections left.
func (rl *RateLimiter) Forget(uid domain.UserID) {
	rl.mu.Lock()
	delete(rl.users, uid)
	rl.mu.Unlock()
}
