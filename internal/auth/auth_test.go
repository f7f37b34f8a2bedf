package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
)

type stubProvider struct {
	failUntil int
	calls     int
}

func (s *stubProvider) GetToken(ctx context.Context) (string, time.Time, error) {
	s.calls++
	if s.calls <= s.failUntil {
		return "", time.Time{}, model.NewDispatchError(model.ErrorKindAuthFailed, "not yet")
	}
	return "tok", time.Now().Add(time.Hour), nil
}

func TestRetryingGetTokenEventuallySucceeds(t *testing.T) {
	p := &stubProvider{failUntil: 2}
	token, _, err := RetryingGetToken(context.Background(), p, 5, func(int) time.Duration { return time.Millisecond })
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	assert.Equal(t, 3, p.calls)
}

func TestRetryingGetTokenExhaustsAttempts(t *testing.T) {
	p := &stubProvider{failUntil: 10}
	_, _, err := RetryingGetToken(context.Background(), p, 3, func(int) time.Duration { return time.Millisecond })
	require.Error(t, err)
	var de *model.DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, model.ErrorKindAuthFailed, de.Kind)
}

func TestRetryingGetTokenRespectsContextCancellation(t *testing.T) {
	p := &stubProvider{failUntil: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := RetryingGetToken(ctx, p, 100, func(int) time.Duration { return time.Millisecond })
	require.Error(t, err)
}
