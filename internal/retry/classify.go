package retry

import (
	"context"
	"errors"
	"strings"
)

// Class is the error taxonomy the worker acts on.
type Class int

const (
	// Transient failures are retried through backoff.
	Transient Class = iota
	// MissingData failures are terminal: retrying cannot fix missing input.
	MissingData
	// Serious failures are retried and escalated to ops.
	Serious
)

func (c Class) String() string {
	switch c {
	case MissingData:
		return "missing_data"
	case Serious:
		return "serious"
	default:
		return "transient"
	}
}

// Well-known signatures.
const (
	SigTimeout          = "timeout"
	SigUnknown          = "unknown"
	SigMissingRecipient = "missing_recipient"
	SigMissingText      = "missing_text"
	SigMissingHandle    = "missing_handle"
	SigAuthInvalid      = "auth_invalid"
	SigSessionExpired   = "session_expired"
	SigElementMissing   = "element_missing"
	SigCheckpoint       = "checkpoint"
	SigRateLimited      = "rate_limited"
)

// ErrMissingData marks an error as terminal regardless of its signature.
var ErrMissingData = errors.New("missing data")

var seriousSigs = map[string]bool{
	SigAuthInvalid:    true,
	SigSessionExpired: true,
	SigElementMissing: true,
	SigCheckpoint:     true,
}

var missingSigs = map[string]bool{
	SigMissingRecipient: true,
	SigMissingText:      true,
	SigMissingHandle:    true,
}

// Signer is implemented by errors that carry a stable signature.
type Signer interface {
	ErrorSignature() string
}

// IsSerious reports whether signature escalates to ops.
func IsSerious(signature string) bool { return seriousSigs[signature] }

// Classify maps err to a class and a signature.
func Classify(err error) (Class, string) {
	if err == nil {
		return Transient, ""
	}

	sig := ""
	var s Signer
	if errors.As(err, &s) {
		sig = strings.ToLower(strings.TrimSpace(s.ErrorSignature()))
	}
	if sig == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			sig = SigTimeout
		case errors.Is(err, ErrMissingData):
			sig = SigMissingRecipient
		default:
			sig = SigUnknown
		}
	}

	switch {
	case errors.Is(err, ErrMissingData) || missingSigs[sig]:
		return MissingData, sig
	case seriousSigs[sig]:
		return Serious, sig
	default:
		return Transient, sig
	}
}
