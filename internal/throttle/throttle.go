// Package throttle rate-limits automatic messages per contact.
package throttle

import (
	"context"
	"time"

	"github.com/Nycolazs/whatsapp-system-sub000/internal/store"
)

// DefaultCooldown is the minimum gap between automatic notices to the same
// contact.
const DefaultCooldown = 120 * time.Minute

// Throttle grants at most one automatic-message slot per contact per
// cooldown window. Grants are persisted, so the window survives restarts.
type Throttle struct {
	repo     store.ThrottleRepository
	cooldown time.Duration
	now      func() time.Time
}

// New creates a Throttle. A non-positive cooldown falls back to
// DefaultCooldown.
func New(repo store.ThrottleRepository, cooldown time.Duration) *Throttle {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Throttle{repo: repo, cooldown: cooldown, now: time.Now}
}

// Allow reports whether an automatic message may be sent to phone now, and
// atomically claims the slot when it may. Errors deny the send.
func (t *Throttle) Allow(ctx context.Context, phone string) (bool, error) {
	ok, err := t.repo.TryMarkSent(ctx, phone, t.now(), t.cooldown)
	if err != nil {
		return false, err
	}
	return ok, nil
}
