package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransient(stderrors.New("boom"), ""), true},
		{"explicit permanent", NewPermanent(stderrors.New("boom"), ""), false},
		{"wrapped transient", fmt.Errorf("poll: %w", NewTransient(stderrors.New("x"), "")), true},
		{"connection refused string", stderrors.New("dial tcp: connection refused"), true},
		{"plain error", stderrors.New("quota exceeded"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestFromStatusCode(t *testing.T) {
	err := FromStatusCode(http.StatusServiceUnavailable, stderrors.New("upstream down"))
	assert.True(t, IsTransient(err))

	err = FromStatusCode(http.StatusBadRequest, stderrors.New("bad params"))
	assert.True(t, IsPermanent(err))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return NewPermanent(stderrors.New("invalid model"), "")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransient(stderrors.New("flaky"), "")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", NewTransient(stderrors.New("try again"), "")
		}
		return "ext-123", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ext-123", got)
}
