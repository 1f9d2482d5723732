// Package manual is the operator path for pairing two users outside the
// scheduled batch: validate, schedule, execute or cancel, with an
// append-only audit log on every transition.
package manual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"matchflow/internal/domain"
	"matchflow/internal/matching"
	"matchflow/internal/metrics"
	"matchflow/internal/store"
	"matchflow/internal/users"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100

	// recentMatchWindow is how far back "already matched today" looks.
	recentMatchWindow = 24 * time.Hour
)

type Store interface {
	CreateManual(ctx context.Context, m domain.ManualMatching) (domain.ManualMatching, error)
	GetManual(ctx context.Context, id string) (domain.ManualMatching, error)
	ListManual(ctx context.Context, f domain.ManualFilter) (domain.ManualPage, error)
	TransitionManual(ctx context.Context, id string, t store.ManualTransition) (domain.ManualMatching, error)
	PendingManualForPair(ctx context.Context, a, b string) (bool, error)
	UserMatchCountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

type CreateRequest struct {
	UserIDs        []string         `json:"userIds"`
	ScheduledAt    time.Time        `json:"scheduledAt"`
	MatchType      domain.MatchType `json:"matchType"`
	Reason         string           `json:"reason"`
	Priority       domain.Priority  `json:"priority"`
	NotifyUsers    bool             `json:"notifyUsers"`
	SkipValidation bool             `json:"skipValidation"`
}

type Service struct {
	store    Store
	dir      users.Directory
	guard    *matching.DuplicateGuard
	notifier Notifier
	metrics  *metrics.Recorder
	now      func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithMetrics(m *metrics.Recorder) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the manual path. guard must be the same instance the batch
// assigner uses.
func NewService(st Store, dir users.Directory, guard *matching.DuplicateGuard, opts ...Option) *Service {
	s := &Service{store: st, dir: dir, guard: guard, notifier: LogNotifier{}, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func pairOf(ids []string) ([2]string, error) {
	if len(ids) != 2 {
		return [2]string{}, domain.Invalid("userIds", "exactly two user ids are required, got %d", len(ids))
	}
	a, b := strings.TrimSpace(ids[0]), strings.TrimSpace(ids[1])
	if a == "" || b == "" {
		return [2]string{}, domain.Invalid("userIds", "user ids must not be empty")
	}
	if a == b {
		return [2]string{}, domain.Invalid("userIds", "user ids must be distinct")
	}
	return [2]string{a, b}, nil
}

// Validate reports whether the two users may be paired right now. It only
// reads.
func (s *Service) Validate(ctx context.Context, userIDs []string) (domain.ValidationResult, error) {
	ids, err := pairOf(userIDs)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	now := s.now()
	res := domain.ValidationResult{Users: make([]domain.UserCheck, 0, 2), BlockedReasons: []string{}}
	block := func(format string, args ...any) {
		res.BlockedReasons = append(res.BlockedReasons, fmt.Sprintf(format, args...))
	}

	found := make([]users.User, 0, 2)
	for _, id := range ids {
		check := domain.UserCheck{ID: id, Warnings: []string{}}
		u, err := s.dir.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			block("%s not found", id)
			res.Users = append(res.Users, check)
			continue
		}
		if err != nil {
			return domain.ValidationResult{}, errors.Wrapf(err, "look up user %s", id)
		}
		check.Name = u.Name
		check.MatchingStatus = u.MatchingStatus
		found = append(found, u)

		if u.MatchingStatus != users.StatusActive {
			block("%s matching status is %s", id, u.MatchingStatus)
		}
		n, err := s.store.UserMatchCountSince(ctx, id, now.Add(-recentMatchWindow))
		if err != nil {
			return domain.ValidationResult{}, errors.Wrapf(err, "match history for %s", id)
		}
		if n > 0 {
			block("%s already matched today", id)
		}
		if u.Rank == users.RankUnknown {
			check.Warnings = append(check.Warnings, "rank is unknown")
		}
		res.Users = append(res.Users, check)
	}

	if len(found) == 2 {
		if ok, reason := users.MutuallyEligible(found[0], found[1]); !ok {
			if found[0].Country != found[1].Country {
				block("%s", reason)
			} else {
				for i := range res.Users {
					res.Users[i].Warnings = append(res.Users[i].Warnings, reason)
				}
			}
		}
	}

	allowed, err := s.guard.Allowed(ctx, ids[0], ids[1])
	if err != nil {
		return domain.ValidationResult{}, errors.Wrap(err, "duplicate guard")
	}
	if !allowed {
		block("%s and %s were already matched in the last %d days", ids[0], ids[1], int(s.guard.Cooldown().Hours()/24))
	}
	pending, err := s.store.PendingManualForPair(ctx, ids[0], ids[1])
	if err != nil {
		return domain.ValidationResult{}, errors.Wrap(err, "pending manual matchings")
	}
	if pending {
		block("a manual matching for %s and %s is already pending", ids[0], ids[1])
	}

	res.IsValid = len(res.BlockedReasons) == 0
	return res, nil
}

// Create schedules a manual matching. Unless SkipValidation is set, any
// blocked reason rejects it with a *domain.ValidationBlockedError.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor string) (domain.ManualMatching, error) {
	ids, err := pairOf(req.UserIDs)
	if err != nil {
		return domain.ManualMatching{}, err
	}
	now := s.now()
	if !req.ScheduledAt.After(now) {
		return domain.ManualMatching{}, domain.Invalid("scheduledAt", "must be in the future")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.ManualMatching{}, domain.Invalid("reason", "reason is required")
	}
	if req.MatchType == "" {
		req.MatchType = domain.MatchTypeOther
	}
	if !req.MatchType.IsValid() {
		return domain.ManualMatching{}, domain.Invalid("matchType", "unsupported match type %q", req.MatchType)
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !req.Priority.IsValid() {
		return domain.ManualMatching{}, domain.Invalid("priority", "unsupported priority %q", req.Priority)
	}

	m := domain.ManualMatching{
		Users:          ids,
		ScheduledAt:    req.ScheduledAt,
		MatchType:      req.MatchType,
		Priority:       req.Priority,
		Reason:         reason,
		NotifyUsers:    req.NotifyUsers,
		SkipValidation: req.SkipValidation,
		Status:         domain.ManualScheduled,
		CreatedBy:      actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if req.SkipValidation {
		m.Logs = append(m.Logs, domain.ManualLog{Timestamp: now, Actor: actor, Action: "validation_skipped", Details: "created without validation"})
		log.Warn().Str("user_1", ids[0]).Str("user_2", ids[1]).Str("by", actor).Msg("manual matching created with validation skipped")
	} else {
		res, err := s.Validate(ctx, ids[:])
		if err != nil {
			return domain.ManualMatching{}, err
		}
		if !res.IsValid {
			return domain.ManualMatching{}, &domain.ValidationBlockedError{Reasons: res.BlockedReasons}
		}
	}
	m.Logs = append(m.Logs, domain.ManualLog{
		Timestamp: now,
		Actor:     actor,
		Action:    "created",
		Details:   fmt.Sprintf("scheduled for %s (%s, %s): %s", req.ScheduledAt.UTC().Format(time.RFC3339), req.MatchType, req.Priority, reason),
	})

	created, err := s.store.CreateManual(ctx, m)
	if err != nil {
		return domain.ManualMatching{}, err
	}
	s.metrics.ManualTransition(created.Status, created.MatchType)
	log.Info().Str("manual_id", created.ID).Str("user_1", ids[0]).Str("user_2", ids[1]).Str("by", actor).Msg("manual matching scheduled")
	return created, nil
}

// Execute claims a scheduled matching and writes the pair. The duplicate
// guard is checked again here since a batch may have paired the users after
// creation. A guard rejection ends in failed, which is not an error.
func (s *Service) Execute(ctx context.Context, id, actor string) (domain.ManualMatching, error) {
	now := s.now()
	m, err := s.store.TransitionManual(ctx, id, store.ManualTransition{
		From: domain.ManualScheduled,
		To:   domain.ManualProcessing,
		At:   now,
		Log:  domain.ManualLog{Timestamp: now, Actor: actor, Action: "execution_started"},
	})
	if err != nil {
		return domain.ManualMatching{}, err
	}
	s.metrics.ManualTransition(m.Status, m.MatchType)
	// once claimed the row must leave processing even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	allowed, err := s.guard.Allowed(ctx, m.Users[0], m.Users[1])
	if err != nil {
		return s.fail(ctx, m, actor, fmt.Sprintf("duplicate guard check failed: %v", err))
	}
	if !allowed {
		return s.fail(ctx, m, actor, fmt.Sprintf("users were already matched within the last %d days", int(s.guard.Cooldown().Hours()/24)))
	}

	done := s.now()
	pair := domain.NewPair(m.Users[0], m.Users[1])
	pair.Source = domain.PairFromManual
	pair.SourceID = m.ID
	pair.CreatedAt = done
	completed, err := s.store.TransitionManual(ctx, id, store.ManualTransition{
		From:       domain.ManualProcessing,
		To:         domain.ManualCompleted,
		At:         done,
		ExecutedAt: &done,
		Log:        domain.ManualLog{Timestamp: done, Actor: actor, Action: "executed", Details: fmt.Sprintf("paired %s and %s", m.Users[0], m.Users[1])},
		Pair:       &pair,
	})
	if err != nil {
		return s.fail(ctx, m, actor, fmt.Sprintf("pairing write failed: %v", err))
	}
	s.metrics.ManualTransition(completed.Status, completed.MatchType)
	log.Info().Str("manual_id", id).Str("by", actor).Msg("manual matching executed")

	if completed.NotifyUsers {
		if err := s.notifier.NotifyMatched(ctx, completed); err != nil {
			log.Error().Err(err).Str("manual_id", id).Msg("failed to notify matched users")
		}
	}
	return completed, nil
}

func (s *Service) fail(ctx context.Context, m domain.ManualMatching, actor, reason string) (domain.ManualMatching, error) {
	at := s.now()
	failed, err := s.store.TransitionManual(ctx, m.ID, store.ManualTransition{
		From:       domain.ManualProcessing,
		To:         domain.ManualFailed,
		At:         at,
		ExecutedAt: &at,
		Log:        domain.ManualLog{Timestamp: at, Actor: actor, Action: "failed", Details: reason},
	})
	if err != nil {
		return domain.ManualMatching{}, errors.Wrapf(err, "mark manual matching %s failed", m.ID)
	}
	s.metrics.ManualTransition(failed.Status, failed.MatchType)
	log.Warn().Str("manual_id", m.ID).Str("reason", reason).Msg("manual matching failed")
	return failed, nil
}

// Cancel is legal only while the matching is still scheduled.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (domain.ManualMatching, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.ManualMatching{}, domain.Invalid("reason", "a cancel reason is required")
	}
	now := s.now()
	m, err := s.store.TransitionManual(ctx, id, store.ManualTransition{
		From:         domain.ManualScheduled,
		To:           domain.ManualCancelled,
		At:           now,
		CancelledAt:  &now,
		CancelReason: &reason,
		Log:          domain.ManualLog{Timestamp: now, Actor: actor, Action: "cancelled", Details: reason},
	})
	if err != nil {
		return domain.ManualMatching{}, err
	}
	s.metrics.ManualTransition(m.Status, m.MatchType)
	log.Info().Str("manual_id", id).Str("by", actor).Msg("manual matching cancelled")
	return m, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.ManualMatching, error) {
	return s.store.GetManual(ctx, id)
}

func (s *Service) List(ctx context.Context, f domain.ManualFilter) (domain.ManualPage, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return domain.ManualPage{}, domain.Invalid("status", "unsupported status %q", f.Status)
	}
	if f.MatchType != "" && !f.MatchType.IsValid() {
		return domain.ManualPage{}, domain.Invalid("matchType", "unsupported match type %q", f.MatchType)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultPageLimit
	case f.Limit > MaxPageLimit:
		f.Limit = MaxPageLimit
	}
	return s.store.ListManual(ctx, f)
}
