package models

import "time"

// ActivityType tag of an activity log entry
type ActivityType string

const (
	ActivityCheckStarted         ActivityType = "check_started"
	ActivityCheckCompleted       ActivityType = "check_completed"
	ActivityTrustedSender        ActivityType = "trusted_sender"
	ActivityKept                 ActivityType = "kept"
	ActivityInappropriateDeleted ActivityType = "inappropriate_deleted"
	ActivityFilterMatch          ActivityType = "filter_match"
	ActivityForward              ActivityType = "forward"
	ActivityDeleted              ActivityType = "deleted"
	ActivityError                ActivityType = "error"
)

// ActivityLogEntry append-only record of a notable event
type ActivityLogEntry struct {
	ID          int64        `db:"id" json:"id"`
	AccountID   int64        `db:"account_id" json:"account_id"`
	Type        ActivityType `db:"activity_type" json:"activity_type"`
	Details     string       `db:"details" json:"details"`
	SenderEmail string       `db:"sender_email" json:"sender_email,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// ActivityFilter read-path filter for the activity log
type ActivityFilter struct {
	AccountID *int64
	Type      ActivityType
	Since     *time.Time
	Newest    bool // Sort newest first; insertion order otherwise
	Limit     int
	Offset    int
}
