package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type sigErr struct{ sig string }

func (e sigErr) Error() string          { return "driver: " + e.sig }
func (e sigErr) ErrorSignature() string { return e.sig }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		class Class
		sig   string
	}{
		{"timeout", fmt.Errorf("send: %w", context.DeadlineExceeded), Transient, SigTimeout},
		{"plain", errors.New("boom"), Transient, SigUnknown},
		{"auth", sigErr{SigAuthInvalid}, Serious, SigAuthInvalid},
		{"wrapped selector", fmt.Errorf("x: %w", sigErr{"Element_Missing"}), Serious, SigElementMissing},
		{"checkpoint", sigErr{SigCheckpoint}, Serious, SigCheckpoint},
		{"missing text", sigErr{SigMissingText}, MissingData, SigMissingText},
		{"missing sentinel", fmt.Errorf("resolve: %w", ErrMissingData), MissingData, SigMissingRecipient},
		{"rate limited", sigErr{SigRateLimited}, Transient, SigRateLimited},
	}
	for _, tt := range tests {
		c, sig := Classify(tt.err)
		if c != tt.class || sig != tt.sig {
			t.Fatalf("%s: Classify = (%s, %q), want (%s, %q)", tt.name, c, sig, tt.class, tt.sig)
		}
	}
}
