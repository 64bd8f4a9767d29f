package throttle_test

import (
	"testing"
	"time"

	"garame-service/internal/config"
	"garame-service/internal/service/throttle"
	appErr "garame-service/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const user int64 = 42

var base = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

func ms(n int) time.Time { return base.Add(time.Duration(n) * time.Millisecond) }

func TestEleventhPlayWithinFiveSecondsIsRejectedAndFlagged(t *testing.T) {
	th := throttle.New(config.DefaultThrottleConfig())
	offsets := []int{0, 300, 900, 1000, 1700, 2100, 2900, 3100, 3800, 4400}

	for i, off := range offsets {
		res := th.Check(user, throttle.ActionPlayCard, ms(off), throttle.Meta{})
		require.True(t, res.Allowed, "call %d", i+1)
		assert.Equal(t, 10-(i+1), res.Remaining)
	}

	res := th.Check(user, throttle.ActionPlayCard, ms(4900), throttle.Meta{})
	assert.False(t, res.Allowed)
	assert.True(t, res.Suspicious)
	assert.True(t, res.HasPattern(throttle.PatternRapidFire))
	assert.ErrorIs(t, res.Err(), appErr.ErrRateLimited)
	assert.Equal(t, base.Add(time.Minute), res.ResetAt)

	entry, ok := th.Entry(user, throttle.ActionPlayCard)
	require.True(t, ok)
	assert.Equal(t, 10, entry.Count)
	assert.True(t, entry.SuspiciousFlag)
}

func TestRapidFireFlaggedUnderQuota(t *testing.T) {
	th := throttle.New(config.DefaultThrottleConfig())

	for _, off := range []int{0, 1000, 2300} {
		res := th.Check(user, throttle.ActionFold, ms(off), throttle.Meta{})
		require.True(t, res.Allowed)
		assert.False(t, res.Suspicious)
	}

	res := th.Check(user, throttle.ActionFold, ms(3100), throttle.Meta{})
	assert.True(t, res.Allowed, "quota is not exhausted")
	assert.Equal(t, 6, res.Remaining)
	assert.True(t, res.HasPattern(throttle.PatternRapidFire))
	assert.NoError(t, res.Err())
}

func TestImpossibleSpeedLeadsToSuspension(t *testing.T) {
	th := throttle.New(config.DefaultThrottleConfig())
	fast := throttle.Meta{ReactionTime: 40 * time.Millisecond}

	for _, off := range []int{0, 10_000} {
		res := th.Check(user, throttle.ActionPlayCard, ms(off), fast)
		require.True(t, res.Allowed)
		assert.True(t, res.HasPattern(throttle.PatternImpossibleSpeed))
	}

	res := th.Check(user, throttle.ActionPlayCard, ms(20_000), fast)
	require.False(t, res.Allowed)
	until := ms(20_000).Add(5 * time.Minute)
	assert.Equal(t, until, res.SuspendedUntil)
	assert.ErrorIs(t, res.Err(), appErr.ErrSuspended)

	// suspension applies to every action kind regardless of quota
	res = th.Check(user, throttle.ActionChatMessage, ms(60_000), throttle.Meta{})
	assert.False(t, res.Allowed)
	assert.ErrorIs(t, res.Err(), appErr.ErrSuspended)

	res = th.Check(user, throttle.ActionChatMessage, until.Add(time.Second), throttle.Meta{})
	assert.True(t, res.Allowed)

	th.Check(user, throttle.ActionPlayCard, until.Add(2*time.Second), fast)
	assert.Len(t, th.Patterns(user), 4)
}

func TestScriptedTimingDetected(t *testing.T) {
	th := throttle.New(config.DefaultThrottleConfig())

	var last throttle.Result
	sawIdentical := false
	for i := 0; i < 7; i++ {
		last = th.Check(user, throttle.ActionFold, base.Add(time.Duration(i)*2*time.Second), throttle.Meta{})
		if last.HasPattern(throttle.PatternIdenticalTiming) {
			sawIdentical = true
		}
		assert.False(t, last.HasPattern(throttle.PatternRapidFire))
	}
	assert.True(t, sawIdentical)
	assert.True(t, last.HasPattern(throttle.PatternBotRegularity))
}

func TestQuotaWindowResets(t *testing.T) {
	th := throttle.New(config.DefaultThrottleConfig())

	for _, off := range []int{0, 10_000, 25_000} {
		require.True(t, th.Check(user, throttle.ActionWalletOp, ms(off), throttle.Meta{}).Allowed)
	}
	res := th.Check(user, throttle.ActionWalletOp, ms(30_000), throttle.Meta{})
	assert.False(t, res.Allowed)
	assert.Equal(t, base.Add(time.Minute), res.ResetAt)

	res = th.Check(user, throttle.ActionWalletOp, ms(61_000), throttle.Meta{})
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestUsersAreIndependent(t *testing.T) {
	th := throttle.New(config.DefaultThrottleConfig())
	for _, off := range []int{0, 100, 200, 300} {
		th.Check(user, throttle.ActionFold, ms(off), throttle.Meta{})
	}
	res := th.Check(user+1, throttle.ActionFold, ms(350), throttle.Meta{})
	assert.True(t, res.Allowed)
	assert.False(t, res.Suspicious)
}

func TestResetAndPrune(t *testing.T) {
	th := throttle.New(config.DefaultThrottleConfig())
	fast := throttle.Meta{ReactionTime: time.Millisecond}
	for _, off := range []int{0, 10_000, 20_000} {
		th.Check(user, throttle.ActionPlayCard, ms(off), fast)
	}
	require.False(t, th.SuspendedUntil(user).IsZero())

	th.Reset(user)
	assert.True(t, th.SuspendedUntil(user).IsZero())
	assert.True(t, th.Check(user, throttle.ActionPlayCard, ms(21_000), throttle.Meta{}).Allowed)

	assert.Equal(t, 0, th.Prune(ms(22_000)))
	assert.Equal(t, 1, th.Prune(base.Add(time.Hour)))
	_, ok := th.Entry(user, throttle.ActionPlayCard)
	assert.False(t, ok)
}

func TestClockUsedForZeroTimestamp(t *testing.T) {
	th := throttle.New(config.DefaultThrottleConfig())
	th.SetClock(func() time.Time { return base })
	res := th.Check(user, throttle.ActionJoinSession, time.Time{}, throttle.Meta{})
	assert.Equal(t, base.Add(time.Minute), res.ResetAt)
}
