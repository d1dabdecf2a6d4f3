package krypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	cbcEncInfo = []byte("vault-cbc-enc-v1")
	cbcMacInfo = []byte("vault-cbc-mac-v1")
)

// HKDFSHA256 expands key into outLen bytes of key material (RFC 5869).
func HKDFSHA256(key, salt, info []byte, outLen int) ([]byte, error) {
	if outLen <= 0 {
		return nil, fmt.Errorf("%w: invalid hkdf length", ErrInvalidParameter)
	}
	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// splitKey derives independent cipher and MAC keys from one derived key so a
// single passphrase-derived key can drive encrypt-then-MAC.
func splitKey(key []byte) (encKey, macKey []byte, err error) {
	encKey, err = HKDFSHA256(key, nil, cbcEncInfo, len(key))
	if err != nil {
		return nil, nil, err
	}
	macKey, err = HKDFSHA256(key, nil, cbcMacInfo, sha256.Size)
	if err != nil {
		Wipe(encKey)
		return nil, nil, err
	}
	return encKey, macKey, nil
}
