package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketRoundTrip(t *testing.T) {
	tickets := NewTickets("admin", time.Minute)
	ticket, expires, err := tickets.Issue()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 2*time.Second)
	assert.NoError(t, tickets.Verify(ticket))
}

func TestTicketExpires(t *testing.T) {
	tickets := NewTickets("admin", time.Minute)
	now := time.Now()
	tickets.now = func() time.Time { return now }

	ticket, _, err := tickets.Issue()
	require.NoError(t, err)

	tickets.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.ErrorIs(t, tickets.Verify(ticket), ErrInvalidTicket)
}

func TestTicketRejectsOtherKey(t *testing.T) {
	ticket, _, err := NewTickets("admin", time.Minute).Issue()
	require.NoError(t, err)
	assert.ErrorIs(t, NewTickets("rotated", time.Minute).Verify(ticket), ErrInvalidTicket)
	assert.ErrorIs(t, NewTickets("admin", time.Minute).Verify("not-a-jwt"), ErrInvalidTicket)
}

func TestRequireTokenOrTicket(t *testing.T) {
	tickets := NewTickets("admin", time.Minute)
	ticket, _, err := tickets.Issue()
	require.NoError(t, err)

	handler := RequireTokenOrTicket("admin", tickets)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		query  string
		header string
		want   int
	}{
		{"ticket", "?ticket=" + url.QueryEscape(ticket), "", http.StatusNoContent},
		{"bearer", "", "Bearer admin", http.StatusNoContent},
		{"bad ticket", "?ticket=forged", "", http.StatusUnauthorized},
		{"nothing", "", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
