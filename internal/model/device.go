package model

import (
	"fmt"
	"time"
)

// Platform identifies the push channel a device token belongs to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Platforms lists every supported platform in dispatch order.
var Platforms = []Platform{PlatformIOS, PlatformAndroid, PlatformWeb}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// DeviceToken addresses one installed app instance. At most one row per
// (UserID, Platform) is canonical; extra rows are removed by pruning.
type DeviceToken struct {
	ID        int64      `json:"id"`
	UserID    string     `json:"user_id"`
	Token     string     `json:"-"`
	Platform  Platform   `json:"platform"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	// Revision is bumped by every refresh; pruning deletes a row only at the
	// revision it read.
	Revision  int64      `json:"-"`
}

// Freshness is the timestamp pruning compares: last_used, else created_at.
func (d DeviceToken) Freshness() time.Time {
	if d.LastUsed != nil {
		return *d.LastUsed
	}
	return d.CreatedAt
}
