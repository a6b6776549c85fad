// Package audience expands a notification's targeting into device tokens.
package audience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/glowcore/internal/devices"
	"github.com/dukerupert/glowcore/internal/model"
)

// ErrNoDevices means the audience resolved to zero tokens. It is distinct from
// a targeting failure so callers can treat it as "nothing to do".
var ErrNoDevices = errors.New("no devices for audience")

// Resolution is the resolved token set plus enough accounting to spot
// under-delivery in "specific" targeting.
type Resolution struct {
	Tokens []model.DeviceToken `json:"-"`

	// ExpectedRecipients is the recipient_count stored at creation.
	ExpectedRecipients int `json:"expected_recipients"`
	// LinkedRecipients is how many user_notifications rows exist.
	LinkedRecipients int `json:"linked_recipients"`
	// UsersWithDevices is how many distinct users own a resolved token.
	UsersWithDevices int  `json:"users_with_devices"`
	TokenCount       int  `json:"token_count"`
	Discrepancy      bool `json:"discrepancy"`
}

// Linker lists the users materialised for a "specific" notification.
type Linker interface {
	UserIDs(ctx context.Context, notificationID int64) ([]string, error)
}

type Resolver struct {
	links    Linker
	registry *devices.Registry
	logger   *slog.Logger
}

func NewResolver(links Linker, registry *devices.Registry, logger *slog.Logger) *Resolver {
	return &Resolver{links: links, registry: registry, logger: logger}
}

// Resolve returns the deduplicated tokens n targets, or ErrNoDevices.
func (r *Resolver) Resolve(ctx context.Context, n *model.Notification) (*Resolution, error) {
	res := &Resolution{ExpectedRecipients: n.RecipientCount}

	var spec devices.Spec
	switch n.TargetAudience {
	case model.AudienceAll:
		spec = devices.All()
	case model.AudienceSpecific:
		userIDs, err := r.links.UserIDs(ctx, n.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve audience: %w", err)
		}
		res.LinkedRecipients = len(userIDs)
		if res.LinkedRecipients != res.ExpectedRecipients {
			res.Discrepancy = true
			r.logger.Warn("notification targets fewer users than expected",
				"notification_id", n.ID, "expected", res.ExpectedRecipients, "linked", res.LinkedRecipients)
		}
		spec = devices.Users(userIDs...)
	default:
		return nil, fmt.Errorf("resolve audience: unknown target %q", n.TargetAudience)
	}

	tokens, err := r.registry.ListForAudience(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}

	users := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		users[t.UserID] = struct{}{}
	}
	res.Tokens = tokens
	res.TokenCount = len(tokens)
	res.UsersWithDevices = len(users)

	if n.TargetAudience == model.AudienceSpecific && res.UsersWithDevices < res.LinkedRecipients {
		r.logger.Info("some targeted users have no devices",
			"notification_id", n.ID, "linked", res.LinkedRecipients, "with_devices", res.UsersWithDevices)
	}

	if len(tokens) == 0 {
		return res, ErrNoDevices
	}
	return res, nil
}

