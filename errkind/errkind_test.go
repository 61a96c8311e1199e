package errkind

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindDetection(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsTransient(NewTransient(base)))
	assert.True(t, IsRateLimited(NewRateLimited(base, 0)))
	assert.True(t, IsInput(NewInput(base)))
	assert.True(t, IsConflict(NewConflict(base)))
	assert.True(t, IsNotFound(NewNotFound(base)))
	assert.True(t, IsFatal(NewFatal(base)))

	assert.False(t, IsTransient(NewFatal(base)))
	assert.False(t, IsFatal(NewTransient(base)))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
}

func TestDetectionThroughWrapping(t *testing.T) {
	inner := NewTransient(errors.New("connection reset"))
	wrapped := fmt.Errorf("analyze file main.go: %w", inner)

	assert.True(t, IsTransient(wrapped))
	assert.True(t, Retryable(wrapped))
	assert.False(t, IsFatal(wrapped))
}

func TestUnwrapPreservesSentinels(t *testing.T) {
	sentinel := errors.New("entity not found")
	err := NewNotFound(fmt.Errorf("task abc: %w", sentinel))

	assert.True(t, errors.Is(err, sentinel))
	assert.True(t, IsNotFound(err))
}

func TestRetryAfterHint(t *testing.T) {
	err := NewRateLimited(errors.New("429"), 7*time.Second)
	assert.Equal(t, 7*time.Second, RetryAfter(err))
	assert.Equal(t, time.Duration(0), RetryAfter(NewTransient(errors.New("x"))))
	assert.Equal(t, time.Duration(0), RetryAfter(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(NewTransient(errors.New("x"))))
	assert.True(t, Retryable(NewRateLimited(errors.New("x"), time.Second)))
	assert.False(t, Retryable(NewInput(errors.New("x"))))
	assert.False(t, Retryable(NewConflict(errors.New("x"))))
	assert.False(t, Retryable(NewNotFound(errors.New("x"))))
	assert.False(t, Retryable(NewFatal(errors.New("x"))))
	assert.False(t, Retryable(errors.New("unclassified")))
}
