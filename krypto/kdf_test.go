package krypto

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	k1, err := DeriveKey("correct horse", salt, MinIterations, 256)
	require.NoError(t, err)
	k2, err := DeriveKey("correct horse", salt, MinIterations, 256)
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)

	other, err := DeriveKey("correct horse", []byte("fedcba9876543210"), MinIterations, 256)
	require.NoError(t, err)
	assert.NotEqual(t, k1, other, "different salts must give different keys")
}

func TestDeriveKey_KeySizes(t *testing.T) {
	salt := []byte("0123456789abcdef")
	for _, bits := range []int{128, 192, 256} {
		key, err := DeriveKey("pw", salt, MinIterations, bits)
		require.NoError(t, err)
		assert.Len(t, key, bits/8)
	}
}

func TestDeriveKey_EmptyPassphraseAllowed(t *testing.T) {
	key, err := DeriveKey("", []byte("0123456789abcdef"), MinIterations, 128)
	assert.NoError(t, err)
	assert.Len(t, key, 16)
}

func TestDeriveKey_InvalidParameters(t *testing.T) {
	cases := []struct {
		name       string
		salt       []byte
		iterations int
		keyBits    int
	}{
		{"low iterations", []byte("0123456789abcdef"), 1000, 256},
		{"bad key size", []byte("0123456789abcdef"), MinIterations, 100},
		{"short salt", []byte("abc"), MinIterations, 256},
		{"nil salt", nil, MinIterations, 256},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DeriveKey("pw", tc.salt, tc.iterations, tc.keyBits)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestDeriveKeyArgon2id(t *testing.T) {
	p := Argon2Params{MemoryMB: 1, Time: 1, Parallelism: 1}
	salt := []byte("0123456789abcdef")

	k1, err := DeriveKeyArgon2id("pw", salt, p, 256)
	require.NoError(t, err)
	k2, err := DeriveKeyArgon2id("pw", salt, p, 256)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	_, err = DeriveKeyArgon2id("pw", salt, Argon2Params{}, 256)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestDerive_Dispatch(t *testing.T) {
	salt := []byte("0123456789abcdef")
	params := DefaultEncryptionParameters()
	params.Iterations = MinIterations

	viaParams, err := Derive("pw", salt, params)
	require.NoError(t, err)
	direct, err := DeriveKey("pw", salt, MinIterations, 256)
	require.NoError(t, err)
	assert.Equal(t, direct, viaParams)

	params.KDF = "scrypt"
	_, err = Derive("pw", salt, params)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestDeriveContext(t *testing.T) {
	salt := []byte("0123456789abcdef")
	params := DefaultEncryptionParameters()
	params.Iterations = MinIterations

	key, err := DeriveContext(context.Background(), "pw", salt, params)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DeriveContext(ctx, "pw", salt, params)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRandomSalt(t *testing.T) {
	s1, err := NewRandomSalt(0)
	require.NoError(t, err)
	assert.Len(t, s1, DefaultSaltSize)

	s2, err := NewRandomSalt(32)
	require.NoError(t, err)
	assert.Len(t, s2, 32)
	assert.NotEqual(t, s1, s2[:DefaultSaltSize])

	_, err = NewRandomSalt(4)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestEncryptionParameters_Validate(t *testing.T) {
	assert.NoError(t, DefaultEncryptionParameters().Validate())

	p := DefaultEncryptionParameters()
	p.Iterations = 10
	assert.ErrorIs(t, p.Validate(), ErrInvalidParameter)

	p = DefaultEncryptionParameters()
	p.Mode = "aes-ecb"
	assert.ErrorIs(t, p.Validate(), ErrInvalidParameter)

	p = DefaultEncryptionParameters()
	p.KDF = KDFArgon2id
	assert.NoError(t, p.Validate())
	p.Argon2.Time = 0
	assert.ErrorIs(t, p.Validate(), ErrInvalidParameter)
}

func TestEncryptionParameters_JSONRoundTrip(t *testing.T) {
	p := DefaultEncryptionParameters()
	p.KDF = KDFArgon2id
	p.Iterations = 0

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"argon2":{`)
	assert.NotContains(t, string(raw), `"iterations"`)

	var got EncryptionParameters
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, p, got)
	assert.NoError(t, got.Validate())
}
