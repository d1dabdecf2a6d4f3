// Package store persists the VaultConfig record.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/luxeledgerweb-netizen/dec-sub001/internal/db"
	"github.com/luxeledgerweb-netizen/dec-sub001/internal/vault"
)

const configFilename = "vault.json"

// ConfigKey is the record-store key used by RecordConfigStore.
const ConfigKey = "vault/config"

// ErrNoConfig indicates that no vault has been created yet.
var ErrNoConfig = errors.New("vault config not found")

// Paths locates vault artifacts on disk.
type Paths struct {
	Dir string
}

// ConfigPath resolves the config JSON path.
func (p Paths) ConfigPath() string {
	return filepath.Join(p.Dir, configFilename)
}

func (p Paths) ensureDir() error {
	if p.Dir == "" {
		return errors.New("vault directory not specified")
	}
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	return nil
}

// FileConfigStore keeps the config as a JSON file next to the database.
type FileConfigStore struct {
	paths Paths
}

// NewFileConfigStore returns a store rooted at dir.
func NewFileConfigStore(dir string) *FileConfigStore {
	return &FileConfigStore{paths: Paths{Dir: dir}}
}

// Load reads the config from disk.
func (s *FileConfigStore) Load(ctx context.Context) (vault.VaultConfig, error) {
	var cfg vault.VaultConfig
	if err := ctx.Err(); err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(s.paths.ConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, ErrNoConfig
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return decodeConfig(data)
}

// Save validates cfg and persists it atomically with restrictive permissions.
func (s *FileConfigStore) Save(ctx context.Context, cfg vault.VaultConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	if err := s.paths.ensureDir(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.paths.Dir, "vault-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp config: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp config: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpPath, s.paths.ConfigPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}

// Delete removes the config file. A missing file is not an error.
func (s *FileConfigStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.paths.ConfigPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove config: %w", err)
	}
	return nil
}

// Records is the subset of the record store RecordConfigStore needs.
type Records interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// RecordConfigStore keeps the config inside the record store under ConfigKey.
type RecordConfigStore struct {
	records Records
}

// NewRecordConfigStore returns a store backed by records.
func NewRecordConfigStore(records Records) *RecordConfigStore {
	return &RecordConfigStore{records: records}
}

func (s *RecordConfigStore) Load(ctx context.Context) (vault.VaultConfig, error) {
	data, err := s.records.Get(ctx, ConfigKey)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return vault.VaultConfig{}, ErrNoConfig
		}
		return vault.VaultConfig{}, fmt.Errorf("read config: %w", err)
	}
	return decodeConfig(data)
}

func (s *RecordConfigStore) Save(ctx context.Context, cfg vault.VaultConfig) error {
	data, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	if err := s.records.Put(ctx, ConfigKey, data); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (s *RecordConfigStore) Delete(ctx context.Context) error {
	if err := s.records.Delete(ctx, ConfigKey); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("remove config: %w", err)
	}
	return nil
}

func encodeConfig(cfg vault.VaultConfig) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

func decodeConfig(data []byte) (vault.VaultConfig, error) {
	var cfg vault.VaultConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
