package krypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Mode selects the block-cipher construction used by Encrypt and Decrypt.
type Mode string

const (
	// ModeGCM is AES-GCM with a 12-byte IV.
	ModeGCM Mode = "aes-gcm"
	// ModeCBCHMAC is AES-CBC with PKCS#7 padding and an HMAC-SHA256 tag
	// (encrypt-then-MAC) over iv|ciphertext.
	ModeCBCHMAC Mode = "aes-cbc-hmac-sha256"
)

const (
	gcmNonceSize = 12
	macSize      = sha256.Size
)

// ErrDecryption reports a ciphertext that failed authentication or unpadding:
// wrong key, corrupted ciphertext or mismatched iv. The cause is not knowable.
var ErrDecryption = errors.New("decryption failed")

// IVSize returns the exact iv length the mode requires.
func (m Mode) IVSize() (int, error) {
	switch m {
	case ModeGCM:
		return gcmNonceSize, nil
	case ModeCBCHMAC:
		return aes.BlockSize, nil
	default:
		return 0, fmt.Errorf("%w: unsupported cipher mode %q", ErrInvalidParameter, m)
	}
}

// NewIV returns a fresh random iv sized for m.
func NewIV(m Mode) ([]byte, error) {
	n, err := m.IVSize()
	if err != nil {
		return nil, err
	}
	iv := make([]byte, n)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// Encrypt encrypts plaintext under key and iv. Key and iv lengths must match the
// mode exactly.
func Encrypt(plaintext, key, iv []byte, mode Mode) ([]byte, error) {
	if err := checkKeyIV(key, iv, mode); err != nil {
		return nil, err
	}

	switch mode {
	case ModeCBCHMAC:
		return encryptCBCHMAC(plaintext, key, iv)
	default:
		gcm, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		return gcm.Seal(nil, iv, plaintext, nil), nil
	}
}

// Decrypt reverses Encrypt. Authentication or padding failures return ErrDecryption.
func Decrypt(ciphertext, key, iv []byte, mode Mode) ([]byte, error) {
	if err := checkKeyIV(key, iv, mode); err != nil {
		return nil, err
	}

	switch mode {
	case ModeCBCHMAC:
		return decryptCBCHMAC(ciphertext, key, iv)
	default:
		gcm, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
		if err != nil {
			return nil, ErrDecryption
		}
		return plaintext, nil
	}
}

func checkKeyIV(key, iv []byte, mode Mode) error {
	switch len(key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: key must be 16, 24 or 32 bytes, got %d", ErrInvalidParameter, len(key))
	}
	want, err := mode.IVSize()
	if err != nil {
		return err
	}
	if len(iv) != want {
		return fmt.Errorf("%w: %s requires a %d-byte iv, got %d", ErrInvalidParameter, mode, want, len(iv))
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func encryptCBCHMAC(plaintext, key, iv []byte) ([]byte, error) {
	encKey, macKey, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	defer Wipe(encKey)
	defer Wipe(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	out := make([]byte, len(plaintext)+padLen, len(plaintext)+padLen+macSize)
	copy(out, plaintext)
	copy(out[len(plaintext):], bytes.Repeat([]byte{byte(padLen)}, padLen))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, out)

	return append(out, cbcTag(macKey, iv, out)...), nil
}

func decryptCBCHMAC(ciphertext, key, iv []byte) ([]byte, error) {
	if len(ciphertext) < aes.BlockSize+macSize || (len(ciphertext)-macSize)%aes.BlockSize != 0 {
		return nil, ErrDecryption
	}

	encKey, macKey, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	defer Wipe(encKey)
	defer Wipe(macKey)

	body := ciphertext[:len(ciphertext)-macSize]
	tag := ciphertext[len(ciphertext)-macSize:]
	if !hmac.Equal(tag, cbcTag(macKey, iv, body)) {
		return nil, ErrDecryption
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)

	padLen := int(out[len(out)-1])
	if padLen == 0 || padLen > aes.BlockSize {
		return nil, ErrDecryption
	}
	for _, b := range out[len(out)-padLen:] {
		if int(b) != padLen {
			return nil, ErrDecryption
		}
	}
	return out[:len(out)-padLen], nil
}

func cbcTag(macKey, iv, body []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(body)
	return mac.Sum(nil)
}
