// Package config resolves the runtime options of the pm command from
// command-line flags, an optional JSON config file and environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/luxeledgerweb-netizen/dec-sub001/internal/db"
	"github.com/luxeledgerweb-netizen/dec-sub001/krypto"
)

// Environment variables consulted by Parse.
const (
	EnvDir      = "VAULT_DIR"
	EnvLogLevel = "VAULT_LOG_LEVEL"
	EnvConfig   = "VAULT_CONFIG"
)

const (
	defaultDir         = "./vault"
	defaultLockTimeout = 5 * time.Minute
	defaultLogLevel    = "warn"
)

// Options holds the resolved configuration.
type Options struct {
	// Dir holds the config file and, unless DatabasePath is set, the database.
	Dir string
	// DatabasePath overrides the record database location.
	DatabasePath string
	// LockTimeout is the inactivity timeout given to new vaults.
	LockTimeout time.Duration
	KDF         string
	Mode        string
	Iterations  int
	LogLevel    string
	// BreachCheck looks new master passwords up in a breach corpus.
	BreachCheck bool
	// Config is the path of the JSON config file.
	Config string
}

// fileOptions is the JSON shape of the config file. Durations are strings
// such as "90s" or "5m".
type fileOptions struct {
	Dir          *string `json:"dir"`
	DatabasePath *string `json:"databasePath"`
	LockTimeout  *string `json:"lockTimeout"`
	KDF          *string `json:"kdf"`
	Mode         *string `json:"mode"`
	Iterations   *int    `json:"iterations"`
	LogLevel     *string `json:"logLevel"`
	BreachCheck  *bool   `json:"breachCheck"`
}

// Parse resolves options for the named command. Precedence, lowest first:
// defaults, config file, environment, flags given explicitly on the command
// line. It returns the positional arguments left after the flags.
func Parse(name string, args []string) (*Options, []string, error) {
	opts := &Options{
		Dir:         defaultDir,
		LockTimeout: defaultLockTimeout,
		KDF:         string(krypto.KDFPBKDF2SHA256),
		Mode:        string(krypto.ModeGCM),
		Iterations:  krypto.DefaultIterations,
		LogLevel:    defaultLogLevel,
	}
	flagged := *opts

	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVarP(&flagged.Dir, "dir", "d", opts.Dir, "vault directory")
	flags.StringVar(&flagged.DatabasePath, "db", "", "record database path (default <dir>/"+db.DefaultFilename+")")
	flags.DurationVar(&flagged.LockTimeout, "lock-timeout", opts.LockTimeout, "inactivity timeout for new vaults, 0 disables auto-lock")
	flags.StringVar(&flagged.KDF, "kdf", opts.KDF, "key derivation for new vaults: pbkdf2-sha256 or argon2id")
	flags.StringVar(&flagged.Mode, "mode", opts.Mode, "cipher mode for new vaults: aes-gcm or aes-cbc-hmac-sha256")
	flags.IntVar(&flagged.Iterations, "iterations", opts.Iterations, "PBKDF2 iterations for new vaults")
	flags.StringVar(&flagged.LogLevel, "log-level", opts.LogLevel, "log level: debug, info, warn, error")
	flags.BoolVar(&flagged.BreachCheck, "breach-check", false, "check new master passwords against the Pwned Passwords range API")
	flags.StringVarP(&flagged.Config, "config", "c", "", "path to JSON config file")

	if err := flags.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("parse flags: %w", err)
	}

	opts.Config = flagged.Config
	if v := os.Getenv(EnvConfig); v != "" && !flags.Changed("config") {
		opts.Config = v
	}
	if opts.Config != "" {
		if err := opts.loadFile(opts.Config); err != nil {
			return nil, nil, err
		}
	}

	if v := os.Getenv(EnvDir); v != "" {
		opts.Dir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		opts.LogLevel = v
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dir":
			opts.Dir = flagged.Dir
		case "db":
			opts.DatabasePath = flagged.DatabasePath
		case "lock-timeout":
			opts.LockTimeout = flagged.LockTimeout
		case "kdf":
			opts.KDF = flagged.KDF
		case "mode":
			opts.Mode = flagged.Mode
		case "iterations":
			opts.Iterations = flagged.Iterations
		case "log-level":
			opts.LogLevel = flagged.LogLevel
		case "breach-check":
			opts.BreachCheck = flagged.BreachCheck
		}
	})

	if opts.Dir == "" {
		return nil, nil, errors.New("vault directory is required")
	}
	if opts.LockTimeout < 0 {
		return nil, nil, fmt.Errorf("lock timeout must not be negative: %s", opts.LockTimeout)
	}
	return opts, flags.Args(), nil
}

func (o *Options) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fo fileOptions
	if err := json.Unmarshal(data, &fo); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fo.Dir != nil {
		o.Dir = *fo.Dir
	}
	if fo.DatabasePath != nil {
		o.DatabasePath = *fo.DatabasePath
	}
	if fo.LockTimeout != nil {
		d, err := time.ParseDuration(*fo.LockTimeout)
		if err != nil {
			return fmt.Errorf("parse config file: lockTimeout: %w", err)
		}
		o.LockTimeout = d
	}
	if fo.KDF != nil {
		o.KDF = *fo.KDF
	}
	if fo.Mode != nil {
		o.Mode = *fo.Mode
	}
	if fo.Iterations != nil {
		o.Iterations = *fo.Iterations
	}
	if fo.LogLevel != nil {
		o.LogLevel = *fo.LogLevel
	}
	if fo.BreachCheck != nil {
		o.BreachCheck = *fo.BreachCheck
	}
	return nil
}

// DBPath returns the record database location.
func (o *Options) DBPath() string {
	if o.DatabasePath != "" {
		return o.DatabasePath
	}
	return filepath.Join(o.Dir, db.DefaultFilename)
}

// EncryptionParameters builds the parameters recorded on a new vault.
func (o *Options) EncryptionParameters() (krypto.EncryptionParameters, error) {
	p := krypto.DefaultEncryptionParameters()
	p.KDF = krypto.KDF(o.KDF)
	p.Mode = krypto.Mode(o.Mode)
	p.Iterations = o.Iterations
	if err := p.Validate(); err != nil {
		return krypto.EncryptionParameters{}, err
	}
	return p, nil
}
