package matching

import (
	"context"
	"time"
)

// PairHistory is the read side of persisted pairings.
type PairHistory interface {
	PairMatchedSince(ctx context.Context, a, b string, since time.Time) (bool, error)
}

// DuplicateGuard rejects a pair that was already matched inside the cool-down
// window. Batch assignment and manual execution share one instance.
type DuplicateGuard struct {
	history  PairHistory
	cooldown time.Duration
	now      func() time.Time
}

func NewDuplicateGuard(history PairHistory, cooldown time.Duration) *DuplicateGuard {
	return &DuplicateGuard{history: history, cooldown: cooldown, now: time.Now}
}

func (g *DuplicateGuard) Cooldown() time.Duration { return g.cooldown }

// Allowed reports whether a and b may be paired now.
func (g *DuplicateGuard) Allowed(ctx context.Context, a, b string) (bool, error) {
	if a == b {
		return false, nil
	}
	matched, err := g.history.PairMatchedSince(ctx, a, b, g.now().Add(-g.cooldown))
	if err != nil {
		return false, err
	}
	return !matched, nil
}
