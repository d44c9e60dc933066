package internal

import (
	"sync"
	"time"
)

// RateLimiter caps the messages one user may send within a sliding window.
// A user's history lives until Forget, which the server calls when the
// user's last connection closes.
type RateLimiter struct {
	mu     sync.Mutex
	users  map[string]*sendWindow
	burst  int
	window time.Duration
	now    func() time.Time
}

// sendWindow is a ring of the user's last burst send times; once full,
// next points at the oldest one.
type sendWindow struct {
	sends []time.Time
	next  int
}

func NewRateLimiter(burst int, window time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		users:  make(map[string]*sendWindow),
		burst:  burst,
		window: window,
		now:    time.Now,
	}
}

// Allow records a send by userID. When the user is over the limit the send
// is not recorded and retryAfter says when the oldest send leaves the window.
func (r *RateLimiter) Allow(userID string) (retryAfter time.Duration, ok bool) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	w, found := r.users[userID]
	if !found {
		w = &sendWindow{sends: make([]time.Time, 0, r.burst)}
		r.users[userID] = w
	}
	if len(w.sends) < r.burst {
		w.sends = append(w.sends, now)
		return 0, true
	}
	if age := now.Sub(w.sends[w.next]); age < r.window {
		return r.window - age, false
	}
	w.sends[w.next] = now
	w.next = (w.next + 1) % r.burst
	return 0, true
}

// Forget drops userID's history.
func (r *RateLimiter) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
}

// Tracked is the number of users with a send history.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}
