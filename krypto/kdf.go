package krypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinIterations is the lowest PBKDF2 iteration count accepted for interactive use.
	MinIterations = 10_000
	// DefaultIterations follows the OWASP 2023 guidance for PBKDF2-HMAC-SHA256.
	DefaultIterations = 310_000
	// DefaultSaltSize is the per-blob salt length in bytes.
	DefaultSaltSize = 16
	// MinSaltSize rejects salts too short to defeat precomputed tables.
	MinSaltSize = 8
)

// ErrInvalidParameter reports malformed key, iv, salt or parameter values. It is
// always a caller bug and never worth retrying.
var ErrInvalidParameter = errors.New("invalid parameter")

// Argon2Params captures tunable parameters for Argon2id.
type Argon2Params struct {
	MemoryMB    uint32 `json:"memoryMB"`
	Time        uint32 `json:"time"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultArgon2Params returns sane defaults for deriving a 256-bit key.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		MemoryMB:    64,
		Time:        3,
		Parallelism: 1,
	}
}

// DeriveKey derives keyBits of key material from passphrase and salt using
// PBKDF2-HMAC-SHA256. The same inputs always yield the same key. An empty
// passphrase is accepted; callers decide whether to reject it.
func DeriveKey(passphrase string, salt []byte, iterations, keyBits int) ([]byte, error) {
	if err := checkKeyBits(keyBits); err != nil {
		return nil, err
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: iterations must be at least %d", ErrInvalidParameter, MinIterations)
	}
	if len(salt) < MinSaltSize {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidParameter, MinSaltSize)
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, keyBits/8, sha256.New), nil
}

// DeriveKeyArgon2id derives keyBits of key material using Argon2id with the provided parameters.
func DeriveKeyArgon2id(passphrase string, salt []byte, p Argon2Params, keyBits int) ([]byte, error) {
	if err := checkKeyBits(keyBits); err != nil {
		return nil, err
	}
	if len(salt) < MinSaltSize {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidParameter, MinSaltSize)
	}
	if p.MemoryMB == 0 {
		return nil, fmt.Errorf("%w: memory parameter must be positive", ErrInvalidParameter)
	}
	if p.Time == 0 {
		return nil, fmt.Errorf("%w: time parameter must be positive", ErrInvalidParameter)
	}
	if p.Parallelism == 0 {
		return nil, fmt.Errorf("%w: parallelism must be positive", ErrInvalidParameter)
	}

	memoryKB := p.MemoryMB * 1024
	return argon2.IDKey([]byte(passphrase), salt, p.Time, memoryKB, p.Parallelism, uint32(keyBits/8)), nil
}

// Derive derives a key for params, dispatching on params.KDF.
func Derive(passphrase string, salt []byte, params EncryptionParameters) ([]byte, error) {
	switch params.KDF {
	case KDFPBKDF2SHA256:
		return DeriveKey(passphrase, salt, params.Iterations, params.KeyBits)
	case KDFArgon2id:
		return DeriveKeyArgon2id(passphrase, salt, params.Argon2, params.KeyBits)
	default:
		return nil, fmt.Errorf("%w: unsupported kdf %q", ErrInvalidParameter, params.KDF)
	}
}

type deriveResult struct {
	key []byte
	err error
}

// DeriveContext runs Derive on its own goroutine so long derivations can be
// abandoned. The derivation itself cannot be interrupted; when ctx ends first
// the late key is wiped as soon as it is produced.
func DeriveContext(ctx context.Context, passphrase string, salt []byte, params EncryptionParameters) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan deriveResult, 1)
	go func() {
		key, err := Derive(passphrase, salt, params)
		done <- deriveResult{key: key, err: err}
	}()

	select {
	case res := <-done:
		return res.key, res.err
	case <-ctx.Done():
		go func() {
			res := <-done
			Wipe(res.key)
		}()
		return nil, ctx.Err()
	}
}

// NewRandomSalt returns a cryptographically secure random salt of length n bytes.
// n <= 0 selects DefaultSaltSize.
func NewRandomSalt(n int) ([]byte, error) {
	if n <= 0 {
		n = DefaultSaltSize
	}
	if n < MinSaltSize {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidParameter, MinSaltSize)
	}
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func checkKeyBits(keyBits int) error {
	switch keyBits {
	case 128, 192, 256:
		return nil
	default:
		return fmt.Errorf("%w: key size must be 128, 192 or 256 bits, got %d", ErrInvalidParameter, keyBits)
	}
}
