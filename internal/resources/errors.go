package resources

import (
	"context"
	"errors"
	"fmt"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/dlbewley/cluster-pulse/internal/snapshot"
)

// TransportError reports a failed or timed out round trip for one kind.
type TransportError struct {
	Kind    snapshot.ResourceKind
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch %s: timed out: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError reports that the control plane rejected the request credentials.
type AuthError struct {
	Kind snapshot.ResourceKind
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("fetch %s: not authorized: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// DecodeError reports a response that could not be mapped to typed records.
type DecodeError struct {
	Kind snapshot.ResourceKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Classify wraps err in the fetch error type matching its cause. Errors that
// already carry a fetch type are returned unchanged.
func Classify(kind snapshot.ResourceKind, err error) error {
	if err == nil {
		return nil
	}

	var (
		transportErr *TransportError
		authErr      *AuthError
		decodeErr    *DecodeError
	)
	switch {
	case errors.As(err, &transportErr), errors.As(err, &authErr), errors.As(err, &decodeErr):
		return err
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return &AuthError{Kind: kind, Err: err}
	default:
		return &TransportError{Kind: kind, Timeout: isTimeout(err), Err: err}
	}
}

// Reason maps a fetch error to the reason recorded in a snapshot.
func Reason(err error) string {
	var (
		transportErr *TransportError
		authErr      *AuthError
		decodeErr    *DecodeError
	)
	switch {
	case errors.As(err, &authErr):
		return snapshot.ReasonAuth
	case errors.As(err, &decodeErr):
		return snapshot.ReasonDecode
	case errors.As(err, &transportErr) && transportErr.Timeout:
		return snapshot.ReasonTimeout
	default:
		return snapshot.ReasonTransport
	}
}

// Retriable reports whether another attempt may succeed. Only transport
// failures qualify.
func Retriable(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
