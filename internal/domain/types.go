package domain

import "time"

// TimestampLayout is how every table stores time: fixed-width UTC text, so
// lexical order equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

type Country string

const (
	CountryKR Country = "KR"
	CountryJP Country = "JP"
)

// Countries lists every country the scheduler knows about, in display order.
var Countries = []Country{CountryKR, CountryJP}

func (c Country) IsValid() bool {
	switch c {
	case CountryKR, CountryJP:
		return true
	}
	return false
}

// DefaultTimezone is used when a config is created without one.
func (c Country) DefaultTimezone() string {
	switch c {
	case CountryJP:
		return "Asia/Tokyo"
	default:
		return "Asia/Seoul"
	}
}

type Config struct {
	ID                  string    `json:"id"`
	Country             Country   `json:"country"`
	CronExpression      string    `json:"cronExpression"`
	Timezone            string    `json:"timezone"`
	IsEnabled           bool      `json:"isEnabled"`
	BatchSize           int       `json:"batchSize"`
	DelayBetweenUsersMs int       `json:"delayBetweenUsersMs"`
	MaxRetryCount       int       `json:"maxRetryCount"`
	LoginWindowDays     int       `json:"loginWindowDays"`
	IncludeUnknownRank  bool      `json:"includeUnknownRank"`
	Description         string    `json:"description"`
	LastModifiedBy      string    `json:"lastModifiedBy"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// ConfigPatch carries the mutable subset of Config; nil fields are left untouched.
type ConfigPatch struct {
	CronExpression      *string `json:"cronExpression,omitempty"`
	Timezone            *string `json:"timezone,omitempty"`
	IsEnabled           *bool   `json:"isEnabled,omitempty"`
	BatchSize           *int    `json:"batchSize,omitempty"`
	DelayBetweenUsersMs *int    `json:"delayBetweenUsersMs,omitempty"`
	MaxRetryCount       *int    `json:"maxRetryCount,omitempty"`
	LoginWindowDays     *int    `json:"loginWindowDays,omitempty"`
	IncludeUnknownRank  *bool   `json:"includeUnknownRank,omitempty"`
	Description         *string `json:"description,omitempty"`
}

type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

func (s BatchStatus) Terminal() bool { return s != BatchRunning }

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

type BatchMetadata struct {
	Trigger             Trigger `json:"trigger"`
	TriggeredBy         string  `json:"triggeredBy,omitempty"`
	CronExpression      string  `json:"cronExpression"`
	Timezone            string  `json:"timezone"`
	BatchSize           int     `json:"batchSize"`
	DelayBetweenUsersMs int     `json:"delayBetweenUsersMs"`
	MaxRetryCount       int     `json:"maxRetryCount"`
	LoginWindowDays     int     `json:"loginWindowDays"`
	IncludeUnknownRank  bool    `json:"includeUnknownRank"`
}

type BatchHistory struct {
	ID             string        `json:"id"`
	ConfigID       string        `json:"configId"`
	Country        Country       `json:"country"`
	Status         BatchStatus   `json:"status"`
	StartedAt      time.Time     `json:"startedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	TotalUsers     int           `json:"totalUsers"`
	ProcessedUsers int           `json:"processedUsers"`
	SuccessCount   int           `json:"successCount"`
	FailureCount   int           `json:"failureCount"`
	ErrorMessage   *string       `json:"errorMessage,omitempty"`
	Metadata       BatchMetadata `json:"metadata"`
}

type DetailStatus string

const (
	DetailSuccess         DetailStatus = "success"
	DetailNoCandidates    DetailStatus = "no_candidates"
	DetailFilterExhausted DetailStatus = "filter_exhausted"
	DetailError           DetailStatus = "error"
)

type Candidate struct {
	UserID string  `json:"userId"`
	Score  float64 `json:"score"`
}

type BatchDetail struct {
	ID               string       `json:"id"`
	BatchID          string       `json:"batchId"`
	UserID           string       `json:"userId"`
	PartnerID        *string      `json:"partnerId"`
	Status           DetailStatus `json:"status"`
	CandidatePool    []Candidate  `json:"candidatePool"`
	SelectedScore    *float64     `json:"selectedScore,omitempty"`
	MatchStory       *string      `json:"matchStory,omitempty"`
	ProcessingTimeMs *int64       `json:"processingTimeMs,omitempty"`
	ErrorMessage     *string      `json:"errorMessage,omitempty"`
	Attempts         int          `json:"attempts"`
	CreatedAt        time.Time    `json:"createdAt"`
}

type DetailStats struct {
	TotalDetails            int     `json:"totalDetails"`
	SuccessCount            int     `json:"successCount"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
}

type BatchDetailPage struct {
	Batch   BatchHistory  `json:"batch"`
	Details []BatchDetail `json:"details"`
	Stats   DetailStats   `json:"stats"`
}

type PairSource string

const (
	PairFromBatch  PairSource = "batch"
	PairFromManual PairSource = "manual"
)

// Pair is a persisted match between two users. UserA < UserB always.
type Pair struct {
	ID        string     `json:"id"`
	UserA     string     `json:"userA"`
	UserB     string     `json:"userB"`
	Source    PairSource `json:"source"`
	SourceID  string     `json:"sourceId"`
	Score     *float64   `json:"score,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// NewPair orders the two ids so that a pair has a single canonical form.
func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{UserA: a, UserB: b}
}

type JobStatus struct {
	Country       Country    `json:"country"`
	IsRegistered  bool       `json:"isRegistered"`
	LastExecution *time.Time `json:"lastExecution,omitempty"`
	NextExecution *time.Time `json:"nextExecution,omitempty"`
}
