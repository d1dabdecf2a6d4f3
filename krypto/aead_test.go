package krypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testModes = []Mode{ModeGCM, ModeCBCHMAC}

func testKey(t *testing.T, fill byte, n int) []byte {
	t.Helper()
	return bytes.Repeat([]byte{fill}, n)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	plaintexts := [][]byte{
		{},
		[]byte("secret"),
		bytes.Repeat([]byte("x"), 16),
		bytes.Repeat([]byte("block"), 1000),
	}

	for _, mode := range testModes {
		for _, size := range []int{16, 24, 32} {
			key := testKey(t, 0x42, size)
			for _, pt := range plaintexts {
				iv, err := NewIV(mode)
				require.NoError(t, err)

				ct, err := Encrypt(pt, key, iv, mode)
				require.NoError(t, err)

				got, err := Decrypt(ct, key, iv, mode)
				require.NoError(t, err, "mode %s key %d", mode, size)
				assert.True(t, bytes.Equal(pt, got), "mode %s key %d", mode, size)
			}
		}
	}
}

func TestDecrypt_WrongKeyFailsClosed(t *testing.T) {
	for _, mode := range testModes {
		iv, err := NewIV(mode)
		require.NoError(t, err)
		ct, err := Encrypt([]byte("attack at dawn"), testKey(t, 1, 32), iv, mode)
		require.NoError(t, err)

		_, err = Decrypt(ct, testKey(t, 2, 32), iv, mode)
		assert.ErrorIs(t, err, ErrDecryption, "mode %s", mode)
	}
}

func TestDecrypt_TamperedOrMismatchedIV(t *testing.T) {
	for _, mode := range testModes {
		key := testKey(t, 7, 32)
		iv, err := NewIV(mode)
		require.NoError(t, err)
		ct, err := Encrypt([]byte("attack at dawn"), key, iv, mode)
		require.NoError(t, err)

		tampered := append([]byte(nil), ct...)
		tampered[0] ^= 0xff
		_, err = Decrypt(tampered, key, iv, mode)
		assert.ErrorIs(t, err, ErrDecryption, "tampered ciphertext, mode %s", mode)

		otherIV, err := NewIV(mode)
		require.NoError(t, err)
		_, err = Decrypt(ct, key, otherIV, mode)
		assert.ErrorIs(t, err, ErrDecryption, "mismatched iv, mode %s", mode)

		_, err = Decrypt(ct[:len(ct)-1], key, iv, mode)
		assert.ErrorIs(t, err, ErrDecryption, "truncated, mode %s", mode)
	}
}

func TestEncrypt_InvalidParameters(t *testing.T) {
	_, err := Encrypt([]byte("x"), testKey(t, 1, 31), make([]byte, 12), ModeGCM)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = Encrypt([]byte("x"), testKey(t, 1, 32), make([]byte, 16), ModeGCM)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = Decrypt([]byte("x"), testKey(t, 1, 32), make([]byte, 12), ModeCBCHMAC)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = Encrypt([]byte("x"), testKey(t, 1, 32), make([]byte, 12), Mode("rot13"))
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestNewIV_Fresh(t *testing.T) {
	a, err := NewIV(ModeGCM)
	require.NoError(t, err)
	b, err := NewIV(ModeGCM)
	require.NoError(t, err)
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)
}

func TestHKDFSHA256(t *testing.T) {
	out, err := HKDFSHA256([]byte("ikm"), nil, []byte("info"), 42)
	require.NoError(t, err)
	assert.Len(t, out, 42)

	_, err = HKDFSHA256([]byte("ikm"), nil, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestWipe(t *testing.T) {
	b := []byte("sensitive")
	Wipe(b)
	assert.Equal(t, make([]byte, len("sensitive")), b)
	Wipe(nil)
}
