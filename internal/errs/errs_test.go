package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-sh/tenexd/internal/errs"
)

func TestTransportErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &errs.TransportError{Op: "publish", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "publish")
}

func TestValidationErrorUnwrap(t *testing.T) {
	cause := errors.New("missing required field: kind")
	err := &errs.ValidationError{Subject: "event", Err: cause}

	var target *errs.ValidationError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "event", target.Subject)
}

func TestUnknownRecipientError(t *testing.T) {
	err := &errs.UnknownRecipientError{Recipient: "npub1deadbeef"}
	assert.Contains(t, err.Error(), "npub1deadbeef")
}

func TestSelfDelegationError(t *testing.T) {
	err := &errs.SelfDelegationError{Agent: "planner"}
	assert.Contains(t, err.Error(), "planner")
}

func TestStepLimitError(t *testing.T) {
	err := &errs.StepLimitError{MaxSteps: 25}
	assert.Contains(t, err.Error(), "25")
}

func TestStateCorruptionErrorUnwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &errs.StateCorruptionError{Path: "/var/tenexd/dedup.json", Err: cause}
	assert.ErrorIs(t, err, cause)
}

func TestFatalErrorWithoutCause(t *testing.T) {
	err := &errs.FatalError{Reason: "signer bind failed"}
	assert.Equal(t, "fatal: signer bind failed", err.Error())
	assert.Nil(t, err.Unwrap())
}
