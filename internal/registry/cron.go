package registry

import (
	"strings"
	"time"
	// zone names must resolve even on hosts without a zoneinfo database
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// Spec returns the robfig/cron spec for a 5-field expression evaluated in tz.
func Spec(expr, tz string) string {
	return "CRON_TZ=" + tz + " " + strings.TrimSpace(expr)
}

// ParseSchedule parses a 5-field cron expression evaluated in the IANA zone tz.
func ParseSchedule(expr, tz string) (cron.Schedule, error) {
	return cron.ParseStandard(Spec(expr, tz))
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time of expr in tz after from.
func NextRunTime(expr, tz string, from time.Time) (time.Time, error) {
	s, err := ParseSchedule(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}
