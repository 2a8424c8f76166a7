package worker

import (
	"time"

	"skywatch/internal/config"
)

// capacityController grows and shrinks the queue capacity based on sustained
// fill pressure. A threshold must hold for a whole evaluation window before
// capacity moves one step, and a cooldown after any adjustment suppresses
// the next one so the controller cannot oscillate.
type capacityController struct {
	cfg config.AdaptiveConfig

	aboveSince time.Time
	belowSince time.Time
	lastAdjust time.Time
}

func newCapacityController(cfg config.AdaptiveConfig) *capacityController {
	return &capacityController{cfg: cfg}
}

func (c *capacityController) window() time.Duration {
	return time.Duration(c.cfg.EvaluationSeconds) * time.Second
}

func (c *capacityController) cooldown() time.Duration {
	return time.Duration(c.cfg.CooldownSeconds) * time.Second
}

// observe records one fill sample and returns the new capacity when an
// adjustment is due.
func (c *capacityController) observe(now time.Time, fillPct float64, current int) (int, bool) {
	if !c.cfg.Enabled {
		return current, false
	}

	switch {
	case fillPct >= c.cfg.ScaleUpThreshold:
		if c.aboveSince.IsZero() {
			c.aboveSince = now
		}
		c.belowSince = time.Time{}
	case fillPct <= c.cfg.ScaleDownThreshold:
		if c.belowSince.IsZero() {
			c.belowSince = now
		}
		c.aboveSince = time.Time{}
	default:
		c.aboveSince = time.Time{}
		c.belowSince = time.Time{}
	}

	if !c.lastAdjust.IsZero() && now.Sub(c.lastAdjust) < c.cooldown() {
		return current, false
	}

	if !c.aboveSince.IsZero() && now.Sub(c.aboveSince) >= c.window() && current < c.cfg.MaxCapacity {
		next := current + c.cfg.ScaleUpStep
		if next > c.cfg.MaxCapacity {
			next = c.cfg.MaxCapacity
		}
		c.adjusted(now)
		return next, true
	}

	if !c.belowSince.IsZero() && now.Sub(c.belowSince) >= c.window() && current > c.cfg.MinCapacity {
		next := current - c.cfg.ScaleDownStep
		if next < c.cfg.MinCapacity {
			next = c.cfg.MinCapacity
		}
		c.adjusted(now)
		return next, true
	}

	return current, false
}

func (c *capacityController) adjusted(now time.Time) {
	c.lastAdjust = now
	c.aboveSince = time.Time{}
	c.belowSince = time.Time{}
}
