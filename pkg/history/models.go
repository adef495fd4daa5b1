package history

import (
	"time"
)

// BuildRecord is the persisted form of a terminal build. Rows outlive
// eviction: this table is the audit trail of everything the server has
// built, while the in-memory registry remains authoritative for what is
// currently queryable.
type BuildRecord struct {
	BuildNumber   uint64     `gorm:"primaryKey" json:"buildNumber"`
	Platform      string     `gorm:"not null;index" json:"platform"`
	Configuration string     `json:"configuration,omitempty"`
	Target        string     `json:"target,omitempty"`
	Status        string     `gorm:"not null;index" json:"status"`
	Message       string     `json:"message,omitempty"`
	ErrorDetail   string     `json:"errorDetail,omitempty"`
	ExitCode      int        `json:"exitCode"`
	SubmittedAt   time.Time  `gorm:"not null" json:"submittedAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	DurationMS    int64      `json:"durationMs"`
	CreatedAt     time.Time  `json:"-"`
}
