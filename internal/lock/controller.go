// Package lock implements the vault's Locked / Unlocking / Unlocked /
// LockedOut state machine with failed-attempt counting and timed lockout.
//
// The controller owns no goroutines or timers. Lockout expiry is evaluated
// lazily on every call and the inactivity timeout is driven by the caller
// through NoteActivity and CheckTimeout.
package lock

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts     = 3
	DefaultLockoutDuration = 60 * time.Second
)

// State is the coarse lock state.
type State int

const (
	Locked State = iota
	Unlocking
	Unlocked
	LockedOut
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	case LockedOut:
		return "locked_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNoPassword is returned by Submit on a vault that has no password.
var ErrNoPassword = errors.New("vault has no password")

// WrongPasswordError reports a failed attempt that did not trigger lockout.
type WrongPasswordError struct {
	RemainingAttempts int
}

func (e *WrongPasswordError) Error() string {
	return fmt.Sprintf("wrong password: %d attempt(s) remaining", e.RemainingAttempts)
}

// LockedOutError reports that unlocking is blocked until Until.
type LockedOutError struct {
	Until     time.Time
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("vault locked out: retry in %ds", e.RemainingSeconds())
}

// RemainingSeconds rounds the remaining lockout up to whole seconds; it is
// always at least 1 while the lockout is active.
func (e *LockedOutError) RemainingSeconds() int {
	secs := int(math.Ceil(e.Remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Verifier checks a password against the stored hash and salt.
type Verifier interface {
	Verify(password string, hash, salt []byte) bool
}

// Credentials are the persisted verifier outputs. Empty credentials mean the
// vault has no password.
type Credentials struct {
	Hash []byte
	Salt []byte
}

// Attempt describes the outcome of a successful Submit or Grant.
type Attempt struct {
	State State
	// PreviousFailures is the failure count that the success reset.
	PreviousFailures int
}

// Controller is the lock state machine for one vault.
type Controller struct {
	verifier Verifier

	maxAttempts     int
	lockoutDuration time.Duration
	lockTimeout     time.Duration
	now             func() time.Time
	log             *zap.Logger
	restoredUntil   time.Time

	// submitMu serialises Submit, Grant and Lock so two racing attempts cannot
	// both observe the same failure count and a lock is never lost to an
	// in-flight verification. mu guards the fields below and is never
	// held while the verifier runs.
	submitMu sync.Mutex
	mu       sync.Mutex

	creds          Credentials
	state          State
	failedAttempts int
	lockedUntil    time.Time
	lastActivity   time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts sets how many consecutive failures trigger a lockout.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithLockoutDuration sets how long a lockout lasts.
func WithLockoutDuration(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.lockoutDuration = d
		}
	}
}

// WithLockTimeout sets the inactivity window after which CheckTimeout locks
// the vault. Zero disables auto-lock.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Controller) { c.lockTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithLockout restores a lockout recorded by an earlier controller. It has no
// effect once until has passed or when the vault has no password.
func WithLockout(until time.Time) Option {
	return func(c *Controller) { c.restoredUntil = until }
}

// NewController returns a controller that starts Locked when creds carry a
// password hash and Unlocked otherwise.
func NewController(verifier Verifier, creds Credentials, opts ...Option) *Controller {
	c := &Controller{
		verifier:        verifier,
		maxAttempts:     DefaultMaxAttempts,
		lockoutDuration: DefaultLockoutDuration,
		now:             time.Now,
		log:             zap.NewNop(),
		creds:           creds,
	}
	for _, opt := range opts {
		opt(c)
	}

	now := c.now()
	c.lastActivity = now
	switch {
	case !c.hasPassword():
		c.state = Unlocked
	case now.Before(c.restoredUntil):
		c.state = LockedOut
		c.lockedUntil = c.restoredUntil
		c.failedAttempts = c.maxAttempts
	default:
		c.state = Locked
	}
	return c
}

func (c *Controller) hasPassword() bool { return len(c.creds.Hash) > 0 }

// State returns the current state, expiring a finished lockout first.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLockoutLocked(c.now())
	return c.state
}

// FailedAttempts returns the consecutive failure count.
func (c *Controller) FailedAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLockoutLocked(c.now())
	return c.failedAttempts
}

// LockedUntil returns the end of the current lockout, or the zero time.
func (c *Controller) LockedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLockoutLocked(c.now())
	if c.state != LockedOut {
		return time.Time{}
	}
	return c.lockedUntil
}

// Submit attempts to unlock with password.
//
// Errors: *LockedOutError while locked out (the verifier is not called),
// *WrongPasswordError on a failure below the limit, *LockedOutError on the
// failure that reaches it, ErrNoPassword for password-less vaults.
func (c *Controller) Submit(password string) (Attempt, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	now := c.now()
	c.expireLockoutLocked(now)
	switch c.state {
	case LockedOut:
		err := c.lockedOutErrorLocked(now)
		c.mu.Unlock()
		return Attempt{}, err
	case Unlocked:
		c.lastActivity = now
		c.mu.Unlock()
		return Attempt{State: Unlocked}, nil
	}
	if !c.hasPassword() {
		c.mu.Unlock()
		return Attempt{}, ErrNoPassword
	}
	creds := c.creds
	c.state = Unlocking
	c.mu.Unlock()

	ok := c.verifier.Verify(password, creds.Hash, creds.Salt)

	c.mu.Lock()
	now = c.now()
	if ok {
		prev := c.failedAttempts
		c.state = Unlocked
		c.failedAttempts = 0
		c.lastActivity = now
		c.mu.Unlock()

		c.log.Info("vault unlocked", zap.Int("previous_failures", prev))
		return Attempt{State: Unlocked, PreviousFailures: prev}, nil
	}

	c.failedAttempts++
	if c.failedAttempts >= c.maxAttempts {
		c.state = LockedOut
		c.lockedUntil = now.Add(c.lockoutDuration)
		err := c.lockedOutErrorLocked(now)
		c.mu.Unlock()

		c.log.Warn("vault locked out", zap.Time("until", err.Until))
		return Attempt{}, err
	}

	c.state = Locked
	remaining := c.maxAttempts - c.failedAttempts
	c.mu.Unlock()

	c.log.Info("unlock attempt failed", zap.Int("remaining_attempts", remaining))
	return Attempt{}, &WrongPasswordError{RemainingAttempts: remaining}
}

// Grant unlocks through an alternate authenticator (for example a biometric
// prompt) whose success is equivalent to a correct password. It is refused
// while locked out.
func (c *Controller) Grant() (Attempt, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	now := c.now()
	c.expireLockoutLocked(now)
	if c.state == LockedOut {
		err := c.lockedOutErrorLocked(now)
		c.mu.Unlock()
		return Attempt{}, err
	}
	prev := c.failedAttempts
	wasUnlocked := c.state == Unlocked
	c.state = Unlocked
	c.failedAttempts = 0
	c.lastActivity = now
	c.mu.Unlock()

	if !wasUnlocked {
		c.log.Info("vault unlocked by alternate authenticator")
	}
	return Attempt{State: Unlocked, PreviousFailures: prev}, nil
}

// Lock moves an unlocked vault back to Locked and reports whether it did. A
// Lock issued while a Submit is verifying waits for it, so a successful
// unlock in flight is locked again. Password-less, locked-out and locked
// vaults are left alone.
func (c *Controller) Lock() bool {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	if c.state != Unlocked || !c.hasPassword() {
		c.mu.Unlock()
		return false
	}
	c.state = Locked
	c.mu.Unlock()

	c.log.Info("vault locked")
	return true
}

// NoteActivity records user activity, restarting the inactivity window.
func (c *Controller) NoteActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.now()
}

// CheckTimeout locks the vault when it has been idle for the lock timeout and
// reports whether it did.
func (c *Controller) CheckTimeout() bool {
	c.mu.Lock()
	now := c.now()
	c.expireLockoutLocked(now)
	if c.lockTimeout <= 0 || c.state != Unlocked || !c.hasPassword() {
		c.mu.Unlock()
		return false
	}
	idle := now.Sub(c.lastActivity)
	if idle < c.lockTimeout {
		c.mu.Unlock()
		return false
	}
	c.state = Locked
	c.mu.Unlock()

	c.log.Info("vault auto-locked after inactivity", zap.Duration("idle", idle))
	return true
}

// SetLockTimeout changes the inactivity window.
func (c *Controller) SetLockTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockTimeout = d
}

// SetCredentials swaps the verifier hash and salt, as after a password change.
// Removing the password unlocks the vault.
func (c *Controller) SetCredentials(creds Credentials) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	if !c.hasPassword() {
		c.state = Unlocked
		c.failedAttempts = 0
	}
}

func (c *Controller) expireLockoutLocked(now time.Time) {
	if c.state == LockedOut && !now.Before(c.lockedUntil) {
		c.state = Locked
		c.failedAttempts = 0
		c.lockedUntil = time.Time{}
		c.log.Info("lockout expired")
	}
}

func (c *Controller) lockedOutErrorLocked(now time.Time) *LockedOutError {
	return &LockedOutError{Until: c.lockedUntil, Remaining: c.lockedUntil.Sub(now)}
}
