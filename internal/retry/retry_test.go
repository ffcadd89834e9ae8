package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("down")
	err := Do(context.Background(), fast, "test", func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoPermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")
	err := Do(context.Background(), fast, "test", func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	require.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, InitialInterval: time.Second}, "test", func(context.Context) error {
		calls++
		return errors.New("unreachable")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultPolicy(), p)
	assert.False(t, IsPermanent(errors.New("x")))
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.NoError(t, Permanent(nil))
}

func TestCheckStatus(t *testing.T) {
	require.NoError(t, CheckStatus("api", 204, nil))

	err := CheckStatus("api", 400, []byte("bad"))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.Code)
	assert.Equal(t, "api: status 400: bad", se.Error())

	for _, code := range []int{408, 429, 500, 503} {
		err := CheckStatus("api", code, nil)
		require.Error(t, err)
		assert.False(t, IsPermanent(err), "status %d", code)
	}
}

func TestDoReturnsUnwrappedPermanentStatus(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "api", func(context.Context) error {
		calls++
		return CheckStatus("api", 404, nil)
	})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)
	assert.Equal(t, 1, calls)
}
