// Package driver is the capability interface to an external outreach channel.
//
// A Driver owns one session against one platform. Workers call it
// sequentially; implementations need not be safe for concurrent Send calls.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach/internal/platform"
)

// Outcome is the result of a successful Send.
type Outcome struct {
	OK        bool
	OutcomeID string
	At        time.Time
}

// Inbound is one reply read from a platform inbox.
type Inbound struct {
	Contact    string
	Owner      string
	Text       string
	At         time.Time
	ExternalID string
}

type Driver interface {
	Platform() platform.Platform
	Init(ctx context.Context) error
	Send(ctx context.Context, recipient, text string) (Outcome, error)
	Poll(ctx context.Context, limit int) ([]Inbound, error)
	Close() error
}

var (
	ErrNotInitialized = errors.New("driver: not initialized")
	ErrClosed         = errors.New("driver: closed")
)

// Error is a driver failure carrying a stable signature, e.g. "auth_invalid".
type Error struct {
	Signature string
	Err       error
}

func NewError(signature string, err error) *Error {
	return &Error{Signature: signature, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "driver: " + e.Signature
	}
	return fmt.Sprintf("driver: %s: %v", e.Signature, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorSignature lets the retry classifier read the signature through errors.As.
func (e *Error) ErrorSignature() string { return e.Signature }
