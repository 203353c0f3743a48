// Package errs defines the daemon's error taxonomy (spec.md §7). Each kind
// wraps an underlying cause and carries structured fields for logging, so
// callers use errors.As to branch on kind rather than matching strings.
package errs

import "fmt"

type (
	// TransportError wraps a relay publish/subscribe failure. Retried with
	// backoff at the transport layer (internal/relay); surfaced to the
	// caller only after the retry budget is exhausted.
	TransportError struct {
		Op  string
		Err error
	}

	// ValidationError wraps a malformed event, a tool input schema
	// mismatch, or an ambiguous PM declaration. The offending event or
	// tool call is dropped/failed; the runtime is never crashed.
	ValidationError struct {
		Subject string
		Err     error
	}

	// UnknownRecipientError is returned when a delegation or mention
	// target does not resolve to a known pubkey or project-local slug.
	UnknownRecipientError struct {
		Recipient string
	}

	// SelfDelegationError is returned when a delegating agent's own
	// pubkey appears in the resolved recipient set for a tool that does
	// not permit self-delegation.
	SelfDelegationError struct {
		Agent string
	}

	// StepLimitError terminates a turn after max_steps tool-call/stream
	// iterations.
	StepLimitError struct {
		MaxSteps int
	}

	// TimeoutError terminates a turn or a delegation await after its
	// configured deadline elapses.
	TimeoutError struct {
		Op      string
		Timeout string
	}

	// StateCorruptionError is returned when a delegation or conversation
	// state file exists but cannot be read. A state file that cannot be
	// parsed is not reported with this error: the store quarantines it
	// (rename with a timestamp suffix) and starts fresh.
	StateCorruptionError struct {
		Path string
		Err  error
	}

	// FatalError signals a daemon-level failure (invalid config, signer
	// bind failure, disk exhaustion) that must exit the process non-zero.
	FatalError struct {
		Reason string
		Err    error
	}
)

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %v", e.Subject, e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("unknown recipient %q", e.Recipient)
}

func (e *SelfDelegationError) Error() string {
	return fmt.Sprintf("agent %q cannot delegate to itself", e.Agent)
}

func (e *StepLimitError) Error() string {
	return fmt.Sprintf("turn exceeded max_steps (%d)", e.MaxSteps)
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state file %q corrupted: %v", e.Path, e.Err)
}
func (e *StateCorruptionError) Unwrap() error { return e.Err }

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}
func (e *FatalError) Unwrap() error { return e.Err }
