package matching

import (
	"context"

	"github.com/pkg/errors"

	"matchflow/internal/domain"
	"matchflow/internal/users"
)

// Scorer rates how compatible candidate is for user. The compatibility model
// lives outside this service; see NeutralScorer and scoring.HTTPScorer.
type Scorer interface {
	Score(ctx context.Context, user, candidate users.User) (float64, error)
}

// NeutralScorer gives every candidate the same score, leaving the choice to
// the id tie-break. It is the fallback when no scoring service is configured.
type NeutralScorer struct{}

func (NeutralScorer) Score(context.Context, users.User, users.User) (float64, error) { return 1, nil }

// CandidateStream yields scored candidates lazily. ok is false once the
// stream is exhausted.
type CandidateStream interface {
	Next(ctx context.Context) (c domain.Candidate, ok bool, err error)
}

type CandidateSelector interface {
	Select(ctx context.Context, user users.User, e users.Eligibility) (CandidateStream, error)
}

type DirectorySelector struct {
	dir    users.Directory
	scorer Scorer
}

func NewDirectorySelector(dir users.Directory, scorer Scorer) *DirectorySelector {
	if scorer == nil {
		scorer = NeutralScorer{}
	}
	return &DirectorySelector{dir: dir, scorer: scorer}
}

func (s *DirectorySelector) Select(ctx context.Context, user users.User, e users.Eligibility) (CandidateStream, error) {
	pool, err := s.dir.ListCandidates(ctx, user, e)
	if err != nil {
		return nil, errors.Wrapf(err, "list candidates for %s", user.ID)
	}
	return &scoringStream{user: user, pool: pool, scorer: s.scorer}, nil
}

// scoringStream scores each candidate only when it is pulled.
type scoringStream struct {
	user   users.User
	pool   []users.User
	scorer Scorer
	pos    int
}

func (s *scoringStream) Next(ctx context.Context) (domain.Candidate, bool, error) {
	if s.pos >= len(s.pool) {
		return domain.Candidate{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return domain.Candidate{}, false, err
	}
	c := s.pool[s.pos]
	s.pos++
	score, err := s.scorer.Score(ctx, s.user, c)
	if err != nil {
		return domain.Candidate{}, false, errors.Wrapf(err, "score %s for %s", c.ID, s.user.ID)
	}
	return domain.Candidate{UserID: c.ID, Score: score}, true, nil
}

// SliceStream serves a precomputed pool.
type SliceStream struct {
	items []domain.Candidate
	pos   int
}

func NewSliceStream(items ...domain.Candidate) *SliceStream { return &SliceStream{items: items} }

func (s *SliceStream) Next(context.Context) (domain.Candidate, bool, error) {
	if s.pos >= len(s.items) {
		return domain.Candidate{}, false, nil
	}
	c := s.items[s.pos]
	s.pos++
	return c, true, nil
}
