package engine

import (
	"sync"
	"time"

	"github.com/user/chatpilot/internal/types"
)

// RateWindow records send timestamps over a trailing window and refuses a
// send that would put more than limit sends inside it.
type RateWindow struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	sends []time.Time
}

func NewRateWindow(limit int, window time.Duration) *RateWindow {
	return &RateWindow{limit: limit, window: window}
}

func (w *RateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.sends) && !w.sends[i].After(cutoff) {
		i++
	}
	w.sends = w.sends[i:]
}

// Wait returns how long to wait before one more send fits in the window;
// zero means send now.
func (w *RateWindow) Wait(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit <= 0 {
		return 0
	}
	w.prune(now)
	if len(w.sends) < w.limit {
		return 0
	}
	return w.sends[len(w.sends)-w.limit].Add(w.window).Sub(now)
}

// Record adds a completed send.
func (w *RateWindow) Record(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sends = append(w.sends, at)
}

// Count returns the sends inside the window ending at now.
func (w *RateWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.sends)
}

// Cooldown tracks the last reply per sender.
type Cooldown struct {
	period time.Duration

	mu   sync.Mutex
	last map[types.UserID]time.Time
}

func NewCooldown(period time.Duration) *Cooldown {
	return &Cooldown{period: period, last: make(map[types.UserID]time.Time)}
}

// Remaining is how long sender must still wait; zero when a reply is allowed.
func (c *Cooldown) Remaining(sender types.UserID, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[sender]
	if !ok || c.period <= 0 {
		return 0
	}
	return max(last.Add(c.period).Sub(now), 0)
}

// Touch records a reply to sender.
func (c *Cooldown) Touch(sender types.UserID, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[sender] = at
	for id, t := range c.last {
		if at.Sub(t) >= c.period {
			delete(c.last, id)
		}
	}
}
