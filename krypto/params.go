package krypto

import "fmt"

// KDF names a key-derivation function.
type KDF string

const (
	KDFPBKDF2SHA256 KDF = "pbkdf2-sha256"
	KDFArgon2id     KDF = "argon2id"
)

// EncryptionParameters describes how a vault derives keys and encrypts blobs.
// It is passed by value and defaulted once, when the vault is created.
type EncryptionParameters struct {
	KDF        KDF          `json:"kdf"`
	Mode       Mode         `json:"mode"`
	KeyBits    int          `json:"keyBits"`
	Iterations int          `json:"iterations,omitempty"`
	SaltSize   int          `json:"saltSize"`
	Argon2     Argon2Params `json:"argon2"`
}

// DefaultEncryptionParameters returns PBKDF2-SHA256 key derivation feeding AES-256-GCM.
func DefaultEncryptionParameters() EncryptionParameters {
	return EncryptionParameters{
		KDF:        KDFPBKDF2SHA256,
		Mode:       ModeGCM,
		KeyBits:    256,
		Iterations: DefaultIterations,
		SaltSize:   DefaultSaltSize,
		Argon2:     DefaultArgon2Params(),
	}
}

// Validate reports whether p describes a usable configuration.
func (p EncryptionParameters) Validate() error {
	if err := checkKeyBits(p.KeyBits); err != nil {
		return err
	}
	if _, err := p.Mode.IVSize(); err != nil {
		return err
	}
	if p.SaltSize < MinSaltSize {
		return fmt.Errorf("%w: salt size must be at least %d bytes", ErrInvalidParameter, MinSaltSize)
	}
	switch p.KDF {
	case KDFPBKDF2SHA256:
		if p.Iterations < MinIterations {
			return fmt.Errorf("%w: iterations must be at least %d", ErrInvalidParameter, MinIterations)
		}
	case KDFArgon2id:
		if p.Argon2.MemoryMB == 0 || p.Argon2.Time == 0 || p.Argon2.Parallelism == 0 {
			return fmt.Errorf("%w: argon2 parameters must be positive", ErrInvalidParameter)
		}
	default:
		return fmt.Errorf("%w: unsupported kdf %q", ErrInvalidParameter, p.KDF)
	}
	return nil
}
