// Package alert emails the operator when something needs a human: an API key
// taken out of rotation or a notification nobody received.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mrz1836/postmark"
)

var (
	ErrInvalidConfig = errors.New("invalid alert configuration")
	ErrSendFailed    = errors.New("failed to send alert")
)

// Message is one operator alert.
type Message struct {
	Subject string
	Text    string
	Tag     string
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Postmark sends alerts through Postmark's transactional API.
type Postmark struct {
	client *postmark.Client
	from   string
	to     string
}

func NewPostmark(serverToken, accountToken, from, to string) (*Postmark, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	if !strings.Contains(from, "@") {
		return nil, fmt.Errorf("%w: sender address %q", ErrInvalidConfig, from)
	}
	if !strings.Contains(to, "@") {
		return nil, fmt.Errorf("%w: recipient address %q", ErrInvalidConfig, to)
	}
	return &Postmark{
		client: postmark.NewClient(serverToken, accountToken),
		from:   from,
		to:     to,
	}, nil
}

// WithBaseURL points the client at another API root.
func (p *Postmark) WithBaseURL(url string) *Postmark {
	p.client.BaseURL = url
	return p
}

func (p *Postmark) Send(ctx context.Context, m Message) error {
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.from,
		To:       p.to,
		Subject:  m.Subject,
		TextBody: m.Text,
		Tag:      m.Tag,
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

// LogSender writes alerts to the log. Used when no mail provider is set up.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Send(_ context.Context, m Message) error {
	l.Logger.Warn("operator alert", "subject", m.Subject, "tag", m.Tag, "text", m.Text)
	return nil
}
