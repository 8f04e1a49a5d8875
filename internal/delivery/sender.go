package delivery

import "context"

// CodeSender dispatches a one-time code to a destination (email address or
// phone number). Delivery failure never invalidates the stored code; the
// caller decides whether to surface the failure.
type CodeSender interface {
	SendCode(ctx context.Context, destination, code string) error
}

// NoopSender swallows codes. Used in development profiles where the code is
// read from logs instead of a mailbox.
type NoopSender struct{}

func (NoopSender) SendCode(ctx context.Context, destination, code string) error { return nil }
