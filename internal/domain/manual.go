package domain

import "time"

type MatchType string

const (
	MatchTypeCSSupport MatchType = "cs_support"
	MatchTypeTest      MatchType = "test"
	MatchTypePromotion MatchType = "promotion"
	MatchTypeRecovery  MatchType = "recovery"
	MatchTypeVIP       MatchType = "vip"
	MatchTypeOther     MatchType = "other"
)

func (t MatchType) IsValid() bool {
	switch t {
	case MatchTypeCSSupport, MatchTypeTest, MatchTypePromotion, MatchTypeRecovery, MatchTypeVIP, MatchTypeOther:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type ManualStatus string

const (
	ManualScheduled  ManualStatus = "scheduled"
	ManualProcessing ManualStatus = "processing"
	ManualCompleted  ManualStatus = "completed"
	ManualFailed     ManualStatus = "failed"
	ManualCancelled  ManualStatus = "cancelled"
)

func (s ManualStatus) IsValid() bool {
	switch s {
	case ManualScheduled, ManualProcessing, ManualCompleted, ManualFailed, ManualCancelled:
		return true
	}
	return false
}

type ManualLog struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
}

type ManualMatching struct {
	ID             string       `json:"id"`
	Users          [2]string    `json:"users"`
	ScheduledAt    time.Time    `json:"scheduledAt"`
	ExecutedAt     *time.Time   `json:"executedAt,omitempty"`
	CancelledAt    *time.Time   `json:"cancelledAt,omitempty"`
	MatchType      MatchType    `json:"matchType"`
	Priority       Priority     `json:"priority"`
	Reason         string       `json:"reason"`
	NotifyUsers    bool         `json:"notifyUsers"`
	SkipValidation bool         `json:"skipValidation"`
	Status         ManualStatus `json:"status"`
	CreatedBy      string       `json:"createdBy"`
	CancelReason   *string      `json:"cancelReason,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	Logs           []ManualLog  `json:"logs"`
}

type ManualFilter struct {
	Status    ManualStatus
	MatchType MatchType
	Page      int
	Limit     int
}

type ManualPage struct {
	Items []ManualMatching `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

type UserCheck struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	MatchingStatus string   `json:"matchingStatus"`
	Warnings       []string `json:"warnings"`
}

type ValidationResult struct {
	IsValid        bool        `json:"isValid"`
	Users          []UserCheck `json:"users"`
	BlockedReasons []string    `json:"blockedReasons"`
}
