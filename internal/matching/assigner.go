package matching

import (
	"context"

	"github.com/pkg/errors"

	"matchflow/internal/domain"
)

// Outcome is the result of one assignment attempt. Expected rejections
// (empty pool, everything filtered) are outcomes, not errors.
type Outcome struct {
	Status   domain.DetailStatus
	Pool     []domain.Candidate
	Selected *domain.Candidate
}

type Assigner struct {
	guard *DuplicateGuard
}

func NewAssigner(guard *DuplicateGuard) *Assigner { return &Assigner{guard: guard} }

// Assign drains stream and picks the highest scoring candidate that passes
// the duplicate guard; equal scores go to the lower candidate id.
func (a *Assigner) Assign(ctx context.Context, userID string, stream CandidateStream) (Outcome, error) {
	out := Outcome{Pool: []domain.Candidate{}}
	var best *domain.Candidate
	for {
		c, ok, err := stream.Next(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			break
		}
		out.Pool = append(out.Pool, c)

		allowed, err := a.guard.Allowed(ctx, userID, c.UserID)
		if err != nil {
			return Outcome{}, errors.Wrapf(err, "duplicate guard %s/%s", userID, c.UserID)
		}
		if !allowed {
			continue
		}
		if best == nil || c.Score > best.Score || (c.Score == best.Score && c.UserID < best.UserID) {
			pick := c
			best = &pick
		}
	}

	switch {
	case len(out.Pool) == 0:
		out.Status = domain.DetailNoCandidates
	case best == nil:
		out.Status = domain.DetailFilterExhausted
	default:
		out.Status = domain.DetailSuccess
		out.Selected = best
	}
	return out, nil
}
