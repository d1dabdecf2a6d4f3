package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxeledgerweb-netizen/dec-sub001/auth"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/db"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/vault"
)

// pendingConfigKey holds the config a password change is committing. It is
// written in the same batch as the re-encrypted records, so after a crash
// Open can tell which password the records are under.
const pendingConfigKey = "vault/pending-config"

// ReencryptionAbortedError reports a password change that was rolled back.
// Key names the record that failed, empty when the failure was not tied to
// one record. The vault is left exactly as it was before the change.
type ReencryptionAbortedError struct {
	Key string
	Err error
}

func (e *ReencryptionAbortedError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("password change aborted: %v", e.Err)
	}
	return fmt.Sprintf("password change aborted at %s: %v", e.Key, e.Err)
}

func (e *ReencryptionAbortedError) Unwrap() error { return e.Err }

// ChangePassword re-encrypts every record under newPassword and replaces the
// verifier hash. The vault must be unlocked and oldPassword must verify. An
// empty newPassword removes the password.
//
// Every record is re-encrypted in memory first; nothing is written unless all
// of them succeed. The records and the new config are then committed in one
// atomic batch, after which the config store is updated. If that save fails
// the previous records are put back; if the process dies before it, Open
// finishes the change.
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked()
	if err != nil {
		return err
	}
	if !s.checkOldPasswordLocked(oldPassword, session) {
		s.log.Info("password change rejected: old password did not verify")
		return ErrWrongPassword
	}
	if newPassword != "" && s.policy != nil {
		if err := s.policy(newPassword); err != nil {
			return fmt.Errorf("validate new master password: %w", err)
		}
	}

	originals, rewrapped, err := s.rewrapAllLocked(ctx, session, newPassword)
	if err != nil {
		var aborted *ReencryptionAbortedError
		if !errors.As(err, &aborted) {
			err = &ReencryptionAbortedError{Err: err}
		}
		s.log.Warn("re-encryption aborted", zap.String("record", aborted.keyOrEmpty()), zap.Error(err))
		return err
	}

	cfg := s.cfg
	if newPassword == "" {
		cfg.SetPassword(nil, nil)
		cfg.IsLocked = false
	} else {
		ph, err := auth.HashPassword(newPassword, nil)
		if err != nil {
			return &ReencryptionAbortedError{Err: fmt.Errorf("hash password: %w", err)}
		}
		cfg.SetPassword(ph.Hash, ph.Salt)
	}

	batch, err := withPendingConfig(rewrapped, cfg)
	if err != nil {
		return &ReencryptionAbortedError{Err: err}
	}
	if err := s.records.PutAll(ctx, batch); err != nil {
		s.log.Warn("re-encryption aborted", zap.Error(err))
		return &ReencryptionAbortedError{Err: fmt.Errorf("write records: %w", err)}
	}
	if err := s.cfgStore.Save(ctx, cfg); err != nil {
		if rerr := s.restoreLocked(context.WithoutCancel(ctx), originals); rerr != nil {
			s.log.Error("restore records after failed config save", zap.Error(rerr))
			err = errors.Join(err, fmt.Errorf("restore records: %w", rerr))
		}
		s.log.Warn("re-encryption aborted", zap.Error(err))
		return &ReencryptionAbortedError{Err: fmt.Errorf("save config: %w", err)}
	}
	s.clearPending(ctx)

	s.cfg = cfg
	s.ctrl.Load().SetCredentials(credentialsOf(cfg))
	s.setSessionLocked(newPassword)
	s.log.Info("password changed", zap.Int("records", len(rewrapped)), zap.Bool("has_password", cfg.HasPassword))
	return nil
}

// ChangePasswordAsync runs ChangePassword on its own goroutine. The channel
// receives exactly one value and is then closed.
func (s *Service) ChangePasswordAsync(ctx context.Context, oldPassword, newPassword string) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- s.ChangePassword(ctx, oldPassword, newPassword)
	}()
	return done
}

// restoreLocked puts the original records back. The pending config is
// rewritten to the current config in the same batch so a crash before it is
// cleared still reopens consistently.
func (s *Service) restoreLocked(ctx context.Context, originals map[string][]byte) error {
	batch, err := withPendingConfig(originals, s.cfg)
	if err != nil {
		return err
	}
	if err := s.records.PutAll(ctx, batch); err != nil {
		return err
	}
	s.clearPending(ctx)
	return nil
}

// clearPending removes the pending config. A leftover one matches the saved
// config and is cleared by the next Open.
func (s *Service) clearPending(ctx context.Context) {
	err := s.records.Delete(context.WithoutCancel(ctx), pendingConfigKey)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.log.Warn("clear pending config", zap.Error(err))
	}
}

func withPendingConfig(records map[string][]byte, cfg vault.VaultConfig) (map[string][]byte, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode pending config: %w", err)
	}
	batch := maps.Clone(records)
	if batch == nil {
		batch = make(map[string][]byte, 1)
	}
	batch[pendingConfigKey] = raw
	return batch, nil
}

func (s *Service) checkOldPasswordLocked(oldPassword, session string) bool {
	if !s.cfg.HasPassword {
		return oldPassword == ""
	}
	if !auth.VerifyPassword(oldPassword, s.cfg.PasswordHash, s.cfg.PasswordSalt) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(oldPassword), []byte(session)) == 1
}

// rewrapAllLocked re-encrypts every record in memory and returns both the
// original and the new encodings keyed by record key.
func (s *Service) rewrapAllLocked(ctx context.Context, oldPassword, newPassword string) (map[string][]byte, map[string][]byte, error) {
	keys, err := s.records.Keys(ctx, recordPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("list records: %w", err)
	}

	var (
		mu        sync.Mutex
		originals = make(map[string][]byte, len(keys))
		rewrapped = make(map[string][]byte, len(keys))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &ReencryptionAbortedError{Key: key, Err: err}
			}
			raw, err := s.records.Get(gctx, key)
			if err != nil {
				return &ReencryptionAbortedError{Key: key, Err: err}
			}
			out, err := s.codec.RewrapEncoded(gctx, raw, oldPassword, newPassword)
			if err != nil {
				return &ReencryptionAbortedError{Key: key, Err: err}
			}

			mu.Lock()
			originals[key] = raw
			rewrapped[key] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return originals, rewrapped, nil
}

func (e *ReencryptionAbortedError) keyOrEmpty() string {
	if e == nil {
		return ""
	}
	return e.Key
}
