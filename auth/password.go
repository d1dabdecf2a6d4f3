package auth

import (
	"crypto/sha512"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/luxeledgerweb-netizen/dec-sub001/krypto"
)

// Verifier parameters. These are deliberately independent of
// krypto.EncryptionParameters: changing how blobs are encrypted must never
// change how the vault password is checked, and vice versa.
const (
	VerifierIterations = 210_000
	VerifierSaltSize   = 16
	VerifierHashSize   = 32
)

// PasswordHash is the stored result of HashPassword.
type PasswordHash struct {
	Hash []byte
	Salt []byte
}

// HashPassword computes the one-way verifier hash of password. A fresh random
// salt is generated when salt is nil.
func HashPassword(password string, salt []byte) (PasswordHash, error) {
	if salt == nil {
		var err error
		salt, err = krypto.NewRandomSalt(VerifierSaltSize)
		if err != nil {
			return PasswordHash{}, err
		}
	}
	if len(salt) < krypto.MinSaltSize {
		return PasswordHash{}, fmt.Errorf("%w: password salt too short", krypto.ErrInvalidParameter)
	}
	return PasswordHash{Hash: computeHash(password, salt), Salt: salt}, nil
}

// VerifyPassword reports whether password matches hash under salt. The
// comparison runs in constant time.
func VerifyPassword(password string, hash, salt []byte) bool {
	if len(hash) != VerifierHashSize || len(salt) < krypto.MinSaltSize {
		return false
	}
	candidate := computeHash(password, salt)
	defer krypto.Wipe(candidate)
	return subtle.ConstantTimeCompare(candidate, hash) == 1
}

func computeHash(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, VerifierIterations, VerifierHashSize, sha512.New)
}

// Verifier adapts VerifyPassword to the lock controller's verifier interface.
type Verifier struct{}

// Verify implements lock.Verifier.
func (Verifier) Verify(password string, hash, salt []byte) bool {
	return VerifyPassword(password, hash, salt)
}
