// Package ai calls the text-generation provider that consumes pooled API keys.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/grpc/codes"
)

var (
	// ErrQuotaExceeded means the key is rate limited or out of quota. The key
	// should cool down; another key may succeed.
	ErrQuotaExceeded = errors.New("ai quota exceeded")
	// ErrTransient is a provider or network hiccup.
	ErrTransient = errors.New("ai transient failure")
	// ErrPermanent means the key itself is unusable (revoked, invalid,
	// billing disabled).
	ErrPermanent = errors.New("ai permanent failure")
	// ErrBlocked means the provider refused the prompt. The key is fine.
	ErrBlocked = errors.New("ai prompt blocked")
)

// Completer turns a prompt into text using the given credential.
type Completer interface {
	Complete(ctx context.Context, prompt, credential string) (string, error)
}

// Classify normalizes a provider error into the package sentinels. Errors
// already carrying a sentinel pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrQuotaExceeded, ErrTransient, ErrPermanent, ErrBlocked} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if ae, ok := apierror.FromError(err); ok {
		if code := ae.HTTPCode(); code > 0 {
			return fmt.Errorf("%w: %v", classifyHTTP(code, ae.Reason()), err)
		}
		if st := ae.GRPCStatus(); st != nil {
			return fmt.Errorf("%w: %v", classifyGRPC(st.Code(), ae.Reason()), err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", classifyMessage(err.Error()), err)
}

func classifyHTTP(code int, reason string) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrQuotaExceeded
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrPermanent
	case code == http.StatusBadRequest:
		if isKeyReason(reason) {
			return ErrPermanent
		}
		return ErrBlocked
	case code >= 500 || code == http.StatusRequestTimeout:
		return ErrTransient
	}
	return ErrPermanent
}

func classifyGRPC(code codes.Code, reason string) error {
	switch code {
	case codes.ResourceExhausted:
		return ErrQuotaExceeded
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrPermanent
	case codes.InvalidArgument, codes.FailedPrecondition:
		if isKeyReason(reason) {
			return ErrPermanent
		}
		return ErrBlocked
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted, codes.Unknown:
		return ErrTransient
	}
	return ErrPermanent
}

func isKeyReason(reason string) bool {
	switch reason {
	case "API_KEY_INVALID", "API_KEY_SERVICE_BLOCKED", "SERVICE_DISABLED", "BILLING_DISABLED", "CONSUMER_INVALID":
		return true
	}
	return false
}

// Last resort for errors that arrive as plain strings.
var (
	quotaHints     = []string{"429", "quota", "rate limit", "too many requests", "resource_exhausted", "resource exhausted"}
	permanentHints = []string{"api key not valid", "api_key_invalid", "permission denied", "401", "403", "billing"}
)

func classifyMessage(msg string) error {
	msg = strings.ToLower(msg)
	for _, h := range quotaHints {
		if strings.Contains(msg, h) {
			return ErrQuotaExceeded
		}
	}
	for _, h := range permanentHints {
		if strings.Contains(msg, h) {
			return ErrPermanent
		}
	}
	return ErrTransient
}
