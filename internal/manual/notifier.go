package manual

import (
	"context"

	"github.com/rs/zerolog/log"

	"matchflow/internal/domain"
)

// Notifier tells both users about a completed manual matching.
type Notifier interface {
	NotifyMatched(ctx context.Context, m domain.ManualMatching) error
}

// LogNotifier only records the notification; message delivery is owned by
// another service.
type LogNotifier struct{}

func (LogNotifier) NotifyMatched(_ context.Context, m domain.ManualMatching) error {
	log.Info().
		Str("manual_id", m.ID).
		Strs("users", m.Users[:]).
		Str("match_type", string(m.MatchType)).
		Msg("match notification queued")
	return nil
}
