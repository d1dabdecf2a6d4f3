package vault

import (
	"fmt"
	"time"

	"github.com/luxeledgerweb-netizen/dec-sub001/krypto"
)

// VaultConfig is the persisted configuration record of one vault.
type VaultConfig struct {
	ID             string                      `json:"id"`
	Name           string                      `json:"name"`
	HasPassword    bool                        `json:"hasPassword"`
	PasswordHash   []byte                      `json:"passwordHash,omitempty"`
	PasswordSalt   []byte                      `json:"passwordSalt,omitempty"`
	LockTimeoutMs  int64                       `json:"lockTimeoutMs"`
	IsLocked       bool                        `json:"isLocked"`
	CreatedAt      time.Time                   `json:"createdAt"`
	LastAccessedAt time.Time                   `json:"lastAccessedAt"`
	Encryption     krypto.EncryptionParameters `json:"encryption"`
	// LockedOutUntil carries an active lockout across restarts.
	LockedOutUntil *time.Time                  `json:"lockedOutUntil,omitempty"`
}

// LockTimeout returns the inactivity window as a duration.
func (c VaultConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// SetPassword replaces the hash and salt together.
func (c *VaultConfig) SetPassword(hash, salt []byte) {
	c.PasswordHash = hash
	c.PasswordSalt = salt
	c.HasPassword = len(hash) > 0
}

// Validate checks the record invariants before it is persisted.
func (c VaultConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: vault id is required", krypto.ErrInvalidParameter)
	}
	if (len(c.PasswordHash) == 0) != (len(c.PasswordSalt) == 0) {
		return fmt.Errorf("%w: password hash and salt must be set together", krypto.ErrInvalidParameter)
	}
	if c.HasPassword != (len(c.PasswordHash) > 0) {
		return fmt.Errorf("%w: hasPassword disagrees with stored hash", krypto.ErrInvalidParameter)
	}
	if c.LockTimeoutMs < 0 {
		return fmt.Errorf("%w: lock timeout must not be negative", krypto.ErrInvalidParameter)
	}
	if c.HasPassword {
		return c.Encryption.Validate()
	}
	return nil
}

// EncryptedBlob is the at-rest form of one encrypted field: ciphertext plus
// the salt and iv needed to decrypt it. The three are always stored together.
type EncryptedBlob struct {
	Ciphertext []byte `json:"ciphertext"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
}

// FileBlob is an EncryptedBlob carrying file metadata.
type FileBlob struct {
	EncryptedBlob
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
}
