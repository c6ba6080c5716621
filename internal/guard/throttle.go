package guard

import (
	"time"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/core/port"
)

type connCount struct {
	live     int
	lastSeen time.Time
}

// Throttle caps concurrent connections per normalized address. Idle entries
// are kept for window after the last connection closed.
type Throttle struct {
	max    int
	window time.Duration
	clock  port.Clock
	counts *shardedMap[*connCount]
}

func NewThrottle(max int, window time.Duration, clock port.Clock) *Throttle {
	if clock == nil {
		clock = port.SystemClock{}
	}
	return &Throttle{
		max:    max,
		window: window,
		clock:  clock,
		counts: newShardedMap[*connCount](),
	}
}

func (t *Throttle) Acquire(ip string) error {
	if t.max <= 0 {
		return nil
	}
	key := NormalizeIP(ip)
	now := t.clock.Now()

	var err error
	t.counts.with(key, func(m map[string]*connCount) {
		c, ok := m[key]
		if !ok {
			c = &connCount{}
			m[key] = c
		}
		c.lastSeen = now
		if c.live >= t.max {
			err = domain.NewError(domain.CodeTooManyConnections, "%d connections from %s already open", c.live, key)
			return
		}
		c.live++
	})
	return err
}

func (t *Throttle) Release(ip string) {
	if t.max <= 0 {
		return
	}
	key := NormalizeIP(ip)
	now := t.clock.Now()
	t.counts.with(key, func(m map[string]*connCount) {
		if c, ok := m[key]; ok && c.live > 0 {
			c.live--
			c.lastSeen = now
		}
	})
}

func (t *Throttle) Live(ip string) int {
	key := NormalizeIP(ip)
	n := 0
	t.counts.with(key, func(m map[string]*connCount) {
		if c, ok := m[key]; ok {
			n = c.live
		}
	})
	return n
}

func (t *Throttle) Sweep(now time.Time) int {
	return t.counts.sweep(func(_ string, c *connCount) bool {
		return c.live == 0 && now.Sub(c.lastSeen) >= t.window
	})
}
