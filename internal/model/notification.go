package model

import "time"

// Audience is the targeting kind stored on a notification.
type Audience string

const (
	AudienceAll      Audience = "all"
	AudienceSpecific Audience = "specific"
)

// NotificationStatus tracks a notification through
// draft -> scheduled -> sending -> sent | partial_failure | failed.
type NotificationStatus string

const (
	StatusDraft          NotificationStatus = "draft"
	StatusScheduled      NotificationStatus = "scheduled"
	StatusSending        NotificationStatus = "sending"
	StatusSent           NotificationStatus = "sent"
	StatusPartialFailure NotificationStatus = "partial_failure"
	StatusFailed         NotificationStatus = "failed"
)

// Notification is immutable after creation except for the send bookkeeping
// columns (Status, SentAt, AttemptEpoch, SendingAt) owned by the dispatcher.
type Notification struct {
	ID             int64              `json:"id"`
	Title          string             `json:"title"`
	Message        string             `json:"message"`
	Type           string             `json:"type"`
	Priority       string             `json:"priority"`
	TargetAudience Audience           `json:"target_audience"`
	ImageURL       string             `json:"image_url,omitempty"`
	Link           string             `json:"link,omitempty"`
	TemplateName   string             `json:"template_name,omitempty"`
	ScheduledAt    *time.Time         `json:"scheduled_at,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	Status         NotificationStatus `json:"status"`
	AttemptEpoch   int                `json:"attempt_epoch"`
	SendingAt      *time.Time         `json:"sending_at,omitempty"`
	RecipientCount int                `json:"recipient_count"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// NewNotification is the operator-supplied content of a notification.
type NewNotification struct {
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Type           string     `json:"type"`
	Priority       string     `json:"priority"`
	TargetAudience Audience   `json:"target_audience"`
	UserIDs        []string   `json:"user_ids,omitempty"`
	ImageURL       string     `json:"image_url,omitempty"`
	Link           string     `json:"link,omitempty"`
	TemplateName   string     `json:"template_name,omitempty"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
}

// UserNotification materialises "specific" targeting for one user.
type UserNotification struct {
	UserID         string `json:"user_id"`
	NotificationID int64  `json:"notification_id"`
	IsRead         bool   `json:"is_read"`
}
