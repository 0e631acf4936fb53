package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := fmt.Errorf("post failed: %w", Wrap(CodeRecoverableIO, cause, "social post", WithMetadata("status", "503")))

	require.True(t, HasCode(err, CodeRecoverableIO))
	assert.True(t, RetryableError(err))
	assert.Equal(t, SeverityWarning, SeverityOf(err))
	assert.Equal(t, "503", MetadataOf(err, "status"))
	assert.Empty(t, MetadataOf(err, "missing"))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, New(CodeRecoverableIO, ""))
	assert.NotErrorIs(t, err, New(CodeTimeout, ""))
}

func TestWrappedContextErrorsStayVisible(t *testing.T) {
	err := Wrap(CodeTimeout, context.DeadlineExceeded, "oracle call")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "[TIMEOUT] oracle call: context deadline exceeded", err.Error())
}

func TestRetryableOverrideBeatsRegistry(t *testing.T) {
	err := New(CodeCorruption, "", WithRetryable(true))
	assert.True(t, err.Retryable())
	assert.Equal(t, SeverityCritical, SeverityOf(err))
	assert.Equal(t, "[CORRUPTION] memory layer failed integrity check", err.Error())
}

func TestRegisteredCodesResolve(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Severity: SeverityInfo, Retryable: true})
	assert.True(t, RetryableError(New(code, "")))
	assert.Equal(t, SeverityInfo, SeverityOf(New(code, "")))
}

func TestUnknownCodeFallsBack(t *testing.T) {
	assert.Equal(t, AttributesOf(CodeUnknown), AttributesOf(Code("NOPE")))
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
	assert.False(t, RetryableError(stdErrors.New("plain")))
	assert.Equal(t, SeverityCritical, SeverityOf(stdErrors.New("plain")))
	assert.False(t, HasCode(nil, CodeUnknown))
}
