package gateway

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The gateway reports failures in two classes. A server-rejected error means
// the server evaluated the request and declined it; retrying is pointless.
// A connectivity error means the request never reliably reached the server;
// the message must stay queued.

// IsConnectivity reports whether err means the request could not be
// confirmed as processed by the server. Plain transport errors that carry
// no status are treated as connectivity failures.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	s, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Aborted:
		return true
	}
	return false
}

// IsServerRejected reports whether the server explicitly declined the
// request (permission denied, recipient blocked, malformed body, ...).
func IsServerRejected(err error) bool {
	if err == nil || IsConnectivity(err) {
		return false
	}
	s, ok := status.FromError(err)
	return ok && s.Code() != codes.OK
}

// IsNoNewData reports the server's "nothing since timeFrom" condition on a
// fetch. Callers treat it as an empty result, not a failure.
func IsNoNewData(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	return ok && s.Code() == codes.NotFound
}

// ErrorIdentity returns a stable identity for deduplicating warnings about
// the same failure within one reconciliation run.
func ErrorIdentity(err error) string {
	if s, ok := status.FromError(err); ok {
		return s.Code().String() + ":" + s.Message()
	}
	return err.Error()
}

// Reason extracts the server's human-readable explanation, falling back to
// the raw error text.
func Reason(err error) string {
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}
