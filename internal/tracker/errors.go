package tracker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupported means the source has no way to name the instrument.
	ErrUnsupported = errors.New("instrument not supported by source")
	// ErrNoLiquidity means no trading pair exists for a mint.
	ErrNoLiquidity = errors.New("no liquidity pairs")
)

// AdapterFailure is one upstream being unreachable or returning garbage.
type AdapterFailure struct {
	Source string
	Err    error
}

func (e *AdapterFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *AdapterFailure) Unwrap() error {
	return e.Err
}

func sourceFailure(source string, format string, args ...interface{}) *AdapterFailure {
	return &AdapterFailure{Source: source, Err: fmt.Errorf(format, args...)}
}

// TransportFailure is one RPC endpoint being unreachable.
type TransportFailure struct {
	Endpoint string
	Method   string
	Err      error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("rpc %s %s: %v", e.Endpoint, e.Method, e.Err)
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}

// ValidationFailure rejects a request before any upstream is called.
type ValidationFailure struct {
	Field   string
	Message string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Attempt records one failed candidate of a fallback chain.
type Attempt struct {
	Candidate string
	Err       error
}

// AllSourcesFailedError is returned when every candidate in a chain failed.
// Attempts holds one entry per candidate that was actually tried, in order.
type AllSourcesFailedError struct {
	Target   string
	Attempts []Attempt
}

func (e *AllSourcesFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no sources available for %s", e.Target)
	}
	return fmt.Sprintf("all %d sources failed for %s: %s", len(e.Attempts), e.Target, strings.Join(e.Reasons(), "; "))
}

// Reasons returns the failure messages in attempt order.
func (e *AllSourcesFailedError) Reasons() []string {
	reasons := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		msg := a.Err.Error()
		if !strings.HasPrefix(msg, a.Candidate) {
			msg = a.Candidate + ": " + msg
		}
		reasons[i] = msg
	}
	return reasons
}

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	var v *ValidationFailure
	return errors.As(err, &v)
}
