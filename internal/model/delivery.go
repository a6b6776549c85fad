package model

import "time"

// DeliveryStatus is the final outcome recorded for one token in one epoch.
type DeliveryStatus string

const (
	DeliverySent           DeliveryStatus = "sent"
	DeliveryInvalidToken   DeliveryStatus = "invalid_token"
	DeliveryTransientError DeliveryStatus = "transient_error"
	// DeliveryRejected is a permanent provider refusal that is not about the
	// token itself (bad payload, auth). Not retried, token kept.
	DeliveryRejected DeliveryStatus = "rejected"
)

// DeliveryAttempt is one append-only ledger row.
type DeliveryAttempt struct {
	AttemptID      string         `json:"attempt_id"`
	NotificationID int64          `json:"notification_id"`
	DeviceTokenID  int64          `json:"device_token_id"`
	Epoch          int            `json:"epoch"`
	Platform       Platform       `json:"platform"`
	Status         DeliveryStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	Tries          int            `json:"tries"`
	AttemptedAt    time.Time      `json:"attempted_at"`
}

// DeliveryTally counts ledger rows per status.
type DeliveryTally struct {
	Sent      int `json:"sent"`
	Invalid   int `json:"invalid"`
	Transient int `json:"transient"`
	Rejected  int `json:"rejected"`
}

// Failed is every non-sent outcome.
func (t DeliveryTally) Failed() int {
	return t.Invalid + t.Transient + t.Rejected
}

