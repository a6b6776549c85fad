package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const ticketAudience = "glowcore-ws"

var ErrInvalidTicket = errors.New("invalid ticket")

// Tickets issues and checks short-lived HS256 tokens for the status stream.
type Tickets struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTickets signs with a key derived from secret, normally the admin token.
func NewTickets(secret string, ttl time.Duration) *Tickets {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Tickets{
		key: []byte("ws-ticket:" + secret),
		ttl: ttl,
		now: time.Now,
	}
}

func (t *Tickets) Issue() (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Audience:  jwt.ClaimStrings{ticketAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign ticket: %w", err)
	}
	return signed, expires, nil
}

func (t *Tickets) Verify(ticket string) error {
	_, err := jwt.ParseWithClaims(ticket, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return t.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(ticketAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTicket, err)
	}
	return nil
}
