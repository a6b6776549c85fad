package model

import "time"

// APIKey is one interchangeable third-party credential in the key pool.
type APIKey struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Secret            string     `json:"-"`
	Active            bool       `json:"active"`
	UsageCount        int64      `json:"usage_count"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	Notes             string     `json:"notes"`
	FailureStreak     int        `json:"failure_streak"`
	PermanentFailures int        `json:"permanent_failures"`
	LeaseID           string     `json:"-"`
	LeasedUntil       *time.Time `json:"leased_until,omitempty"`
	DeactivatedReason string     `json:"deactivated_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

