package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luxeledgerweb-netizen/dec-sub001/auth"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/db"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/lock"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/vault"
	"github.com/luxeledgerweb-netizen/dec-sub001/krypto"
	"github.com/luxeledgerweb-netizen/dec-sub001/store"
)

var (
	ErrNotInitialised     = errors.New("vault not initialised")
	ErrAlreadyInitialised = errors.New("vault already initialised; unlock instead")
	ErrLocked             = errors.New("vault locked")
	ErrWrongPassword      = errors.New("wrong password")
)

// ConfigStore persists the single VaultConfig record.
type ConfigStore interface {
	Load(ctx context.Context) (vault.VaultConfig, error)
	Save(ctx context.Context, cfg vault.VaultConfig) error
	Delete(ctx context.Context) error
}

// RecordStore holds the encrypted records.
type RecordStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	PutAll(ctx context.Context, records map[string][]byte) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context, prefix string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Service exposes high-level vault operations for the CLI. It owns the
// VaultConfig lifecycle and the passphrase of the current session.
type Service struct {
	cfgStore ConfigStore
	records  RecordStore

	log         *zap.Logger
	now         func() time.Time
	params      krypto.EncryptionParameters
	policy      func(string) error
	lockTimeout time.Duration
	workers     int
	lockOpts    []lock.Option

	ctrl atomic.Pointer[lock.Controller]

	// mu guards the fields below. It is held for the whole of a password
	// change so no record can be written mid re-encryption.
	mu         sync.Mutex
	cfg        vault.VaultConfig
	loaded     bool
	codec      *vault.Codec
	passphrase []byte
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock replaces time.Now for timestamps and the lock controller.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEncryptionParameters sets the parameters recorded on vaults created by
// this service. Existing vaults keep the parameters they were created with.
func WithEncryptionParameters(p krypto.EncryptionParameters) Option {
	return func(s *Service) { s.params = p }
}

// WithPasswordPolicy rejects new vault passwords that fail policy.
func WithPasswordPolicy(policy func(string) error) Option {
	return func(s *Service) { s.policy = policy }
}

// WithLockTimeout sets the inactivity timeout of newly created vaults.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.lockTimeout = d }
}

// WithConcurrency bounds the number of records re-encrypted in parallel.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLockOptions passes extra options to the lock controller.
func WithLockOptions(opts ...lock.Option) Option {
	return func(s *Service) { s.lockOpts = append(s.lockOpts, opts...) }
}

// New returns a service over the given stores. Call Create or Open before use.
func New(cfgStore ConfigStore, records RecordStore, opts ...Option) *Service {
	s := &Service{
		cfgStore: cfgStore,
		records:  records,
		log:      zap.NewNop(),
		now:      time.Now,
		params:   krypto.DefaultEncryptionParameters(),
		workers:  4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close wipes the session passphrase.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearSessionLocked()
}

// Create initialises a new vault. An empty passphrase creates a vault without
// a password, which is always unlocked. The new vault is unlocked for the
// current session.
func (s *Service) Create(ctx context.Context, name, passphrase string) (vault.VaultConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.cfgStore.Load(ctx)
	switch {
	case err == nil:
		return vault.VaultConfig{}, ErrAlreadyInitialised
	case !errors.Is(err, store.ErrNoConfig):
		return vault.VaultConfig{}, fmt.Errorf("load config: %w", err)
	}

	if passphrase != "" && s.policy != nil {
		if err := s.policy(passphrase); err != nil {
			return vault.VaultConfig{}, fmt.Errorf("validate master password: %w", err)
		}
	}

	now := s.now().UTC()
	cfg := vault.VaultConfig{
		ID:             uuid.NewString(),
		Name:           name,
		LockTimeoutMs:  s.lockTimeout.Milliseconds(),
		CreatedAt:      now,
		LastAccessedAt: now,
		Encryption:     s.params,
	}
	if passphrase != "" {
		ph, err := auth.HashPassword(passphrase, nil)
		if err != nil {
			return vault.VaultConfig{}, fmt.Errorf("hash password: %w", err)
		}
		cfg.SetPassword(ph.Hash, ph.Salt)
	}

	codec, err := vault.NewCodec(cfg.Encryption, s.log)
	if err != nil {
		return vault.VaultConfig{}, err
	}
	if err := s.cfgStore.Save(ctx, cfg); err != nil {
		return vault.VaultConfig{}, fmt.Errorf("save config: %w", err)
	}

	ctrl := s.newController(cfg)
	if _, err := ctrl.Grant(); err != nil {
		return vault.VaultConfig{}, err
	}
	s.install(cfg, codec, ctrl)
	s.setSessionLocked(passphrase)

	s.log.Info("vault created", zap.String("vault_id", cfg.ID), zap.Bool("has_password", cfg.HasPassword))
	return cfg, nil
}

// Open loads the persisted vault. A vault with a password always comes back
// Locked because no key material survives a restart; a lockout that was still
// running is restored. A password change interrupted after its records were
// committed is completed first.
func (s *Service) Open(ctx context.Context) (vault.VaultConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.cfgStore.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoConfig) {
			return vault.VaultConfig{}, ErrNotInitialised
		}
		return vault.VaultConfig{}, fmt.Errorf("load config: %w", err)
	}
	if cfg, err = s.finishPendingChangeLocked(ctx, cfg); err != nil {
		return vault.VaultConfig{}, err
	}

	codec, err := vault.NewCodec(cfg.Encryption, s.log)
	if err != nil {
		return vault.VaultConfig{}, fmt.Errorf("vault encryption parameters: %w", err)
	}

	if cfg.HasPassword && !cfg.IsLocked {
		cfg.IsLocked = true
		if err := s.cfgStore.Save(ctx, cfg); err != nil {
			return vault.VaultConfig{}, fmt.Errorf("save config: %w", err)
		}
		s.log.Info("vault was left unlocked; restored to locked")
	}

	s.clearSessionLocked()
	s.install(cfg, codec, s.newController(cfg))
	if !cfg.HasPassword {
		s.setSessionLocked("")
	}
	return cfg, nil
}

// Unlock submits password to the lock controller. On success the session
// keeps the passphrase for record access and lastAccessedAt is persisted.
//
// Errors wrap ErrWrongPassword together with *lock.WrongPasswordError, or are
// a *lock.LockedOutError.
func (s *Service) Unlock(ctx context.Context, password string) (lock.Attempt, error) {
	ctrl := s.ctrl.Load()
	if ctrl == nil {
		return lock.Attempt{}, ErrNotInitialised
	}
	if ctrl.State() == lock.Unlocked {
		ctrl.NoteActivity()
		return lock.Attempt{State: lock.Unlocked}, nil
	}

	att, err := ctrl.Submit(password)
	if err != nil {
		var (
			wrong *lock.WrongPasswordError
			out   *lock.LockedOutError
		)
		switch {
		case errors.As(err, &wrong):
			return att, fmt.Errorf("%w: %w", ErrWrongPassword, err)
		case errors.As(err, &out):
			if perr := s.persistLockout(ctx, ctrl, out.Until); perr != nil {
				s.log.Warn("persist lockout", zap.Error(perr))
			}
		}
		return att, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl.Load() != ctrl {
		return lock.Attempt{}, ErrNotInitialised
	}
	// a Lock may have landed between Submit and here
	if ctrl.State() != lock.Unlocked {
		return lock.Attempt{}, ErrLocked
	}
	s.setSessionLocked(password)

	cfg := s.cfg
	cfg.IsLocked = false
	cfg.LastAccessedAt = s.now().UTC()
	cfg.LockedOutUntil = nil
	if err := s.cfgStore.Save(ctx, cfg); err != nil {
		return att, fmt.Errorf("save config: %w", err)
	}
	s.cfg = cfg
	return att, nil
}

// Lock locks the vault and wipes the session passphrase. It is a no-op for
// vaults without a password.
func (s *Service) Lock(ctx context.Context) error {
	ctrl := s.ctrl.Load()
	if ctrl == nil {
		return ErrNotInitialised
	}
	if !ctrl.Lock() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLockedLocked(ctx)
}

// NoteActivity restarts the inactivity window.
func (s *Service) NoteActivity() {
	if ctrl := s.ctrl.Load(); ctrl != nil {
		ctrl.NoteActivity()
	}
}

// CheckTimeout locks the vault when it has been idle for longer than its lock
// timeout and reports whether it did.
func (s *Service) CheckTimeout(ctx context.Context) (bool, error) {
	ctrl := s.ctrl.Load()
	if ctrl == nil || !ctrl.CheckTimeout() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return true, s.persistLockedLocked(ctx)
}

// SetLockTimeout changes and persists the inactivity timeout. Zero disables
// auto-lock.
func (s *Service) SetLockTimeout(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: lock timeout must not be negative", krypto.ErrInvalidParameter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNotInitialised
	}

	cfg := s.cfg
	cfg.LockTimeoutMs = d.Milliseconds()
	if err := s.cfgStore.Save(ctx, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.cfg = cfg
	s.ctrl.Load().SetLockTimeout(d)
	return nil
}

// State returns the lock state. An uninitialised service reports Locked.
func (s *Service) State() lock.State {
	ctrl := s.ctrl.Load()
	if ctrl == nil {
		return lock.Locked
	}
	return ctrl.State()
}

// LockedUntil returns the end of the current lockout, or the zero time.
func (s *Service) LockedUntil() time.Time {
	ctrl := s.ctrl.Load()
	if ctrl == nil {
		return time.Time{}
	}
	return ctrl.LockedUntil()
}

// Config returns a snapshot of the loaded config.
func (s *Service) Config() (vault.VaultConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return vault.VaultConfig{}, ErrNotInitialised
	}
	return s.cfg, nil
}

// Wipe deletes every record and the config. The vault must be unlocked.
func (s *Service) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.sessionLocked(); err != nil {
		return err
	}

	if err := s.records.DeleteAll(ctx, recordPrefix); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	if err := s.records.Delete(ctx, pendingConfigKey); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("delete pending config: %w", err)
	}
	if err := s.cfgStore.Delete(ctx); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}

	s.log.Info("vault wiped", zap.String("vault_id", s.cfg.ID))
	s.clearSessionLocked()
	s.cfg = vault.VaultConfig{}
	s.codec = nil
	s.loaded = false
	s.ctrl.Store(nil)
	return nil
}

func (s *Service) newController(cfg vault.VaultConfig) *lock.Controller {
	opts := []lock.Option{
		lock.WithClock(s.now),
		lock.WithLogger(s.log.With(zap.String("vault_id", cfg.ID))),
		lock.WithLockTimeout(cfg.LockTimeout()),
	}
	if cfg.LockedOutUntil != nil {
		opts = append(opts, lock.WithLockout(*cfg.LockedOutUntil))
	}
	opts = append(opts, s.lockOpts...)
	return lock.NewController(auth.Verifier{}, credentialsOf(cfg), opts...)
}

// persistLockout records the end of a lockout so a restart cannot skip it.
func (s *Service) persistLockout(ctx context.Context, ctrl *lock.Controller, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl.Load() != ctrl {
		return nil
	}
	if s.cfg.LockedOutUntil != nil && s.cfg.LockedOutUntil.Equal(until) {
		return nil
	}

	cfg := s.cfg
	u := until.UTC()
	cfg.LockedOutUntil = &u
	if err := s.cfgStore.Save(ctx, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.cfg = cfg
	return nil
}

// finishPendingChangeLocked completes a password change whose records were
// committed together with the pending config but whose config save never
// happened.
func (s *Service) finishPendingChangeLocked(ctx context.Context, cfg vault.VaultConfig) (vault.VaultConfig, error) {
	raw, err := s.records.Get(ctx, pendingConfigKey)
	if errors.Is(err, db.ErrNotFound) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("load pending config: %w", err)
	}

	var pending vault.VaultConfig
	if err := json.Unmarshal(raw, &pending); err != nil {
		return cfg, fmt.Errorf("%w: pending config: %v", vault.ErrMalformedPayload, err)
	}
	if err := pending.Validate(); err != nil {
		return cfg, fmt.Errorf("pending config: %w", err)
	}

	if pending.ID == cfg.ID {
		if err := s.cfgStore.Save(ctx, pending); err != nil {
			return cfg, fmt.Errorf("save config: %w", err)
		}
		s.log.Info("completed interrupted password change", zap.String("vault_id", cfg.ID))
		cfg = pending
	} else {
		s.log.Warn("discarding pending config of another vault", zap.String("vault_id", pending.ID))
	}

	if err := s.records.Delete(ctx, pendingConfigKey); err != nil && !errors.Is(err, db.ErrNotFound) {
		return cfg, fmt.Errorf("clear pending config: %w", err)
	}
	return cfg, nil
}

func credentialsOf(cfg vault.VaultConfig) lock.Credentials {
	return lock.Credentials{Hash: cfg.PasswordHash, Salt: cfg.PasswordSalt}
}

func (s *Service) install(cfg vault.VaultConfig, codec *vault.Codec, ctrl *lock.Controller) {
	s.cfg = cfg
	s.codec = codec
	s.loaded = true
	s.ctrl.Store(ctrl)
}

// sessionLocked returns the session passphrase, enforcing the inactivity
// timeout first.
func (s *Service) sessionLocked() (string, error) {
	ctrl := s.ctrl.Load()
	if !s.loaded || ctrl == nil {
		return "", ErrNotInitialised
	}
	if ctrl.CheckTimeout() {
		if err := s.persistLockedLocked(context.Background()); err != nil {
			s.log.Warn("persist auto-lock", zap.Error(err))
		}
	}
	if ctrl.State() != lock.Unlocked || s.passphrase == nil {
		return "", ErrLocked
	}
	ctrl.NoteActivity()
	return string(s.passphrase), nil
}

func (s *Service) persistLockedLocked(ctx context.Context) error {
	s.clearSessionLocked()
	cfg := s.cfg
	cfg.IsLocked = true
	if err := s.cfgStore.Save(ctx, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.cfg = cfg
	return nil
}

func (s *Service) setSessionLocked(passphrase string) {
	s.clearSessionLocked()
	s.passphrase = append(make([]byte, 0, len(passphrase)), passphrase...)
}

func (s *Service) clearSessionLocked() {
	krypto.Wipe(s.passphrase)
	s.passphrase = nil
}
