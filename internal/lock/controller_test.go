package lock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodPassword = "Tr0ub4dor&3"

// countingVerifier accepts goodPassword and counts every call.
type countingVerifier struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (v *countingVerifier) Verify(password string, hash, salt []byte) bool {
	v.calls.Add(1)
	if v.gate != nil {
		<-v.gate
	}
	return password == goodPassword
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testCreds = Credentials{Hash: []byte("hash"), Salt: []byte("salt")}

func newTestController(opts ...Option) (*Controller, *countingVerifier, *fakeClock) {
	v := &countingVerifier{}
	clk := newFakeClock()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewController(v, testCreds, opts...), v, clk
}

func TestNewController_InitialState(t *testing.T) {
	c, _, _ := newTestController()
	assert.Equal(t, Locked, c.State())

	open := NewController(&countingVerifier{}, Credentials{})
	assert.Equal(t, Unlocked, open.State())
	assert.False(t, open.Lock(), "password-less vault never locks")
	assert.Equal(t, Unlocked, open.State())
}

func TestSubmit_CorrectPassword(t *testing.T) {
	c, v, _ := newTestController()

	att, err := c.Submit(goodPassword)
	require.NoError(t, err)
	assert.Equal(t, Unlocked, att.State)
	assert.Equal(t, Unlocked, c.State())
	assert.Equal(t, 0, c.FailedAttempts())
	assert.EqualValues(t, 1, v.calls.Load())
}

func TestSubmit_CorrectOnSecondOrThirdAttemptResetsCounter(t *testing.T) {
	for failures := 1; failures <= 2; failures++ {
		c, _, _ := newTestController()
		for i := 0; i < failures; i++ {
			_, err := c.Submit("wrong")
			var wrong *WrongPasswordError
			require.ErrorAs(t, err, &wrong)
			assert.Equal(t, DefaultMaxAttempts-(i+1), wrong.RemainingAttempts)
		}
		assert.Equal(t, failures, c.FailedAttempts())

		att, err := c.Submit(goodPassword)
		require.NoError(t, err)
		assert.Equal(t, failures, att.PreviousFailures)
		assert.Equal(t, Unlocked, c.State())
		assert.Equal(t, 0, c.FailedAttempts())
	}
}

func TestSubmit_ThreeFailuresLockOut(t *testing.T) {
	c, _, clk := newTestController()

	_, err := c.Submit("wrong-1")
	assert.IsType(t, &WrongPasswordError{}, err)
	_, err = c.Submit("wrong-2")
	assert.IsType(t, &WrongPasswordError{}, err)

	_, err = c.Submit("wrong-3")
	var out *LockedOutError
	require.ErrorAs(t, err, &out)
	assert.Equal(t, clk.Now().Add(DefaultLockoutDuration), out.Until)
	assert.Equal(t, 60, out.RemainingSeconds())

	assert.Equal(t, LockedOut, c.State())
	assert.Equal(t, DefaultMaxAttempts, c.FailedAttempts(), "counter is only reset when the lockout expires")
}

func TestSubmit_LockedOutNeverVerifies(t *testing.T) {
	c, v, clk := newTestController()
	for i := 0; i < 3; i++ {
		_, _ = c.Submit("wrong")
	}
	require.EqualValues(t, 3, v.calls.Load())

	clk.Advance(10 * time.Second)
	_, err := c.Submit(goodPassword)

	var out *LockedOutError
	require.ErrorAs(t, err, &out)
	assert.Greater(t, out.RemainingSeconds(), 0)
	assert.Equal(t, 50, out.RemainingSeconds())
	assert.EqualValues(t, 3, v.calls.Load(), "verifier must not run while locked out")
	assert.Equal(t, LockedOut, c.State())
}

func TestSubmit_LockoutExpiry(t *testing.T) {
	c, _, clk := newTestController()
	for i := 0; i < 3; i++ {
		_, _ = c.Submit("wrong")
	}
	assert.False(t, c.LockedUntil().IsZero())

	clk.Advance(DefaultLockoutDuration - time.Millisecond)
	assert.Equal(t, LockedOut, c.State())

	clk.Advance(time.Millisecond)
	assert.Equal(t, Locked, c.State())
	assert.Equal(t, 0, c.FailedAttempts())
	assert.True(t, c.LockedUntil().IsZero())

	_, err := c.Submit(goodPassword)
	require.NoError(t, err)
	assert.Equal(t, Unlocked, c.State())
}

func TestSubmit_LockoutRearmsAfterExpiry(t *testing.T) {
	c, _, clk := newTestController()
	for i := 0; i < 3; i++ {
		_, _ = c.Submit("wrong")
	}
	clk.Advance(DefaultLockoutDuration)

	_, err := c.Submit("wrong")
	var wrong *WrongPasswordError
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, 2, wrong.RemainingAttempts)
}

func TestSubmit_UnlockingVisibleDuringVerify(t *testing.T) {
	v := &countingVerifier{gate: make(chan struct{})}
	c := NewController(v, testCreds)

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(goodPassword)
		done <- err
	}()

	assert.Eventually(t, func() bool { return c.State() == Unlocking }, time.Second, time.Millisecond)
	close(v.gate)
	require.NoError(t, <-done)
	assert.Equal(t, Unlocked, c.State())
}

func TestLock_DuringVerifyIsNotLost(t *testing.T) {
	v := &countingVerifier{gate: make(chan struct{})}
	c := NewController(v, testCreds)

	submitted := make(chan error, 1)
	go func() {
		_, err := c.Submit(goodPassword)
		submitted <- err
	}()
	require.Eventually(t, func() bool { return c.State() == Unlocking }, time.Second, time.Millisecond)

	locked := make(chan bool, 1)
	go func() { locked <- c.Lock() }()

	close(v.gate)
	require.NoError(t, <-submitted)
	assert.True(t, <-locked)
	assert.Equal(t, Locked, c.State())
}

func TestWithLockout_RestoresActiveLockout(t *testing.T) {
	clk := newFakeClock()
	v := &countingVerifier{}
	until := clk.Now().Add(30 * time.Second)
	c := NewController(v, testCreds, WithClock(clk.Now), WithLockout(until))

	assert.Equal(t, LockedOut, c.State())
	assert.Equal(t, until, c.LockedUntil())
	_, err := c.Submit(goodPassword)
	var out *LockedOutError
	require.ErrorAs(t, err, &out)
	assert.Equal(t, 30, out.RemainingSeconds())
	assert.Zero(t, v.calls.Load())

	clk.Advance(30 * time.Second)
	_, err = c.Submit(goodPassword)
	require.NoError(t, err)

	expired := NewController(v, testCreds, WithClock(clk.Now), WithLockout(until))
	assert.Equal(t, Locked, expired.State())
	open := NewController(v, Credentials{}, WithClock(clk.Now), WithLockout(clk.Now().Add(time.Hour)))
	assert.Equal(t, Unlocked, open.State())
}

func TestSubmit_ConcurrentAttemptsAreSerialised(t *testing.T) {
	c, v, _ := newTestController()

	var wg sync.WaitGroup
	var lockedOut atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Submit("wrong")
			var out *LockedOutError
			if errors.As(err, &out) {
				lockedOut.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, DefaultMaxAttempts, v.calls.Load(), "only the first three attempts may reach the verifier")
	assert.EqualValues(t, 20-(DefaultMaxAttempts-1), lockedOut.Load())
	assert.Equal(t, LockedOut, c.State())
}

func TestLockAndInactivityTimeout(t *testing.T) {
	c, _, clk := newTestController(WithLockTimeout(5 * time.Minute))

	_, err := c.Submit(goodPassword)
	require.NoError(t, err)

	clk.Advance(4 * time.Minute)
	assert.False(t, c.CheckTimeout())
	c.NoteActivity()

	clk.Advance(4 * time.Minute)
	assert.False(t, c.CheckTimeout(), "activity restarts the window")

	clk.Advance(time.Minute)
	assert.True(t, c.CheckTimeout())
	assert.Equal(t, Locked, c.State())
	assert.False(t, c.CheckTimeout(), "already locked")

	_, err = c.Submit(goodPassword)
	require.NoError(t, err)
	assert.True(t, c.Lock())
	assert.False(t, c.Lock())
	assert.Equal(t, Locked, c.State())
}

func TestCheckTimeout_Disabled(t *testing.T) {
	c, _, clk := newTestController()
	_, err := c.Submit(goodPassword)
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	assert.False(t, c.CheckTimeout())
	assert.Equal(t, Unlocked, c.State())

	c.SetLockTimeout(time.Hour)
	assert.True(t, c.CheckTimeout())
}

func TestGrant(t *testing.T) {
	c, v, clk := newTestController()

	_, _ = c.Submit("wrong")
	att, err := c.Grant()
	require.NoError(t, err)
	assert.Equal(t, 1, att.PreviousFailures)
	assert.Equal(t, Unlocked, c.State())

	c.Lock()
	for i := 0; i < 3; i++ {
		_, _ = c.Submit("wrong")
	}
	calls := v.calls.Load()
	_, err = c.Grant()
	assert.IsType(t, &LockedOutError{}, err)
	assert.Equal(t, calls, v.calls.Load())

	clk.Advance(DefaultLockoutDuration)
	_, err = c.Grant()
	assert.NoError(t, err)
}

func TestOptions(t *testing.T) {
	c, _, clk := newTestController(WithMaxAttempts(5), WithLockoutDuration(time.Minute*5))
	for i := 0; i < 4; i++ {
		_, err := c.Submit("wrong")
		assert.IsType(t, &WrongPasswordError{}, err)
	}
	_, err := c.Submit("wrong")
	var out *LockedOutError
	require.ErrorAs(t, err, &out)
	assert.Equal(t, clk.Now().Add(5*time.Minute), out.Until)
}

func TestSetCredentials(t *testing.T) {
	c, _, _ := newTestController()
	c.SetCredentials(Credentials{})
	assert.Equal(t, Unlocked, c.State())

	_, err := NewController(&countingVerifier{}, Credentials{}).Submit("x")
	assert.NoError(t, err)
}

func TestLockedOutError_RemainingSecondsFloor(t *testing.T) {
	e := &LockedOutError{Remaining: 10 * time.Millisecond}
	assert.Equal(t, 1, e.RemainingSeconds())
	assert.Contains(t, e.Error(), "1s")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "locked", Locked.String())
	assert.Equal(t, "locked_out", LockedOut.String())
	assert.Equal(t, "state(9)", State(9).String())
}
