package auth

import (
	"sync"
	"time"
)

// Rate limit defaults: 5 attempts per 2 minute window, then a 5 minute
// block for that IP.
const (
	loginMaxAttempts = 5
	loginWindow      = 2 * time.Minute
	loginBlockTime   = 5 * time.Minute
)

// LoginRateLimiter throttles login attempts per client IP so password
// guessing against PAM stays slow.
type LoginRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*ipAttempts
}

type ipAttempts struct {
	count     int
	firstTime time.Time
	blocked   bool
	blockEnd  time.Time
}

// NewLoginRateLimiter creates a rate limiter with the default limits.
func NewLoginRateLimiter() *LoginRateLimiter {
	rl := &LoginRateLimiter{
		attempts: make(map[string]*ipAttempts),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether ip may attempt a login, counting the attempt.
// When blocked, the second value is the seconds until the block lifts.
func (rl *LoginRateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	att, exists := rl.attempts[ip]
	if !exists {
		rl.attempts[ip] = &ipAttempts{count: 1, firstTime: now}
		return true, 0
	}

	if att.blocked {
		if now.After(att.blockEnd) {
			att.blocked = false
			att.count = 1
			att.firstTime = now
			return true, 0
		}
		return false, int(att.blockEnd.Sub(now).Seconds())
	}

	// A fresh window restarts the count.
	if now.Sub(att.firstTime) > loginWindow {
		att.count = 1
		att.firstTime = now
		return true, 0
	}

	att.count++
	if att.count > loginMaxAttempts {
		att.blocked = true
		att.blockEnd = now.Add(loginBlockTime)
		return false, int(loginBlockTime.Seconds())
	}
	return true, 0
}

// Reset clears the counter for an IP after a successful login.
func (rl *LoginRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// cleanupLoop drops entries whose window or block has expired.
func (rl *LoginRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for ip, att := range rl.attempts {
			expired := !att.blocked && now.Sub(att.firstTime) > loginWindow
			unblocked := att.blocked && now.After(att.blockEnd)
			if expired || unblocked {
				delete(rl.attempts, ip)
			}
		}
		rl.mu.Unlock()
	}
}
