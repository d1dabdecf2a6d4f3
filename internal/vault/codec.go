package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/luxeledgerweb-netizen/dec-sub001/krypto"
)

var (
	// ErrWrongPassphraseOrCorruptData reports an authentication or padding
	// failure. A wrong passphrase and a damaged ciphertext are indistinguishable.
	ErrWrongPassphraseOrCorruptData = errors.New("wrong passphrase or corrupt data")
	// ErrMalformedPayload reports a payload that decrypted cleanly but could not
	// be parsed, which points at corruption before encryption rather than a
	// wrong passphrase.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Codec encrypts structured values into EncryptedBlobs. Every call derives a
// key from the passphrase with a fresh salt and encrypts under a fresh iv.
type Codec struct {
	params krypto.EncryptionParameters
	log    *zap.Logger
}

// NewCodec returns a Codec for params. A nil logger disables logging.
func NewCodec(params krypto.EncryptionParameters, log *zap.Logger) (*Codec, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{params: params, log: log}, nil
}

// EncryptText encrypts a UTF-8 string.
func (c *Codec) EncryptText(plaintext, passphrase string) (EncryptedBlob, error) {
	return c.seal(context.Background(), []byte(plaintext), passphrase)
}

// DecryptText decrypts a blob produced by EncryptText.
func (c *Codec) DecryptText(blob EncryptedBlob, passphrase string) (string, error) {
	pt, err := c.open(context.Background(), blob, passphrase)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// EncryptFile encrypts an arbitrary binary payload and records its metadata.
func (c *Codec) EncryptFile(data []byte, passphrase, originalName, mimeType string) (FileBlob, error) {
	blob, err := c.seal(context.Background(), data, passphrase)
	if err != nil {
		return FileBlob{}, err
	}
	return FileBlob{EncryptedBlob: blob, OriginalName: originalName, MimeType: mimeType}, nil
}

// DecryptFile decrypts a blob produced by EncryptFile.
func (c *Codec) DecryptFile(blob FileBlob, passphrase string) ([]byte, error) {
	return c.open(context.Background(), blob.EncryptedBlob, passphrase)
}

// Rewrap decrypts blob under oldPassphrase, using the blob's own salt, and
// encrypts the result under newPassphrase with a fresh salt and iv. Both key
// derivations are abandoned when ctx ends.
func (c *Codec) Rewrap(ctx context.Context, blob EncryptedBlob, oldPassphrase, newPassphrase string) (EncryptedBlob, error) {
	pt, err := c.open(ctx, blob, oldPassphrase)
	if err != nil {
		return EncryptedBlob{}, err
	}
	defer krypto.Wipe(pt)
	return c.seal(ctx, pt, newPassphrase)
}

// EncryptJSON marshals v to JSON and encrypts it.
func EncryptJSON[T any](c *Codec, v T, passphrase string) (EncryptedBlob, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("%w: encode payload: %v", krypto.ErrInvalidParameter, err)
	}
	defer krypto.Wipe(raw)
	return c.seal(context.Background(), raw, passphrase)
}

// DecryptJSON decrypts blob and unmarshals the JSON payload into a T.
func DecryptJSON[T any](c *Codec, blob EncryptedBlob, passphrase string) (T, error) {
	var out T
	raw, err := c.open(context.Background(), blob, passphrase)
	if err != nil {
		return out, err
	}
	defer krypto.Wipe(raw)
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return out, nil
}

func (c *Codec) seal(ctx context.Context, plaintext []byte, passphrase string) (EncryptedBlob, error) {
	salt, err := krypto.NewRandomSalt(c.params.SaltSize)
	if err != nil {
		return EncryptedBlob{}, err
	}
	iv, err := krypto.NewIV(c.params.Mode)
	if err != nil {
		return EncryptedBlob{}, err
	}

	key, err := krypto.DeriveContext(ctx, passphrase, salt, c.params)
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("derive key: %w", err)
	}
	defer krypto.Wipe(key)

	ct, err := krypto.Encrypt(plaintext, key, iv, c.params.Mode)
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("encrypt: %w", err)
	}

	c.log.Debug("blob sealed", zap.Int("bytes", len(ct)), zap.String("mode", string(c.params.Mode)))
	return EncryptedBlob{Ciphertext: ct, Salt: salt, IV: iv}, nil
}

func (c *Codec) open(ctx context.Context, blob EncryptedBlob, passphrase string) ([]byte, error) {
	if err := c.checkBlob(blob); err != nil {
		return nil, err
	}

	key, err := krypto.DeriveContext(ctx, passphrase, blob.Salt, c.params)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer krypto.Wipe(key)

	pt, err := krypto.Decrypt(blob.Ciphertext, key, blob.IV, c.params.Mode)
	if err != nil {
		if errors.Is(err, krypto.ErrDecryption) {
			return nil, ErrWrongPassphraseOrCorruptData
		}
		return nil, err
	}
	return pt, nil
}

func (c *Codec) checkBlob(blob EncryptedBlob) error {
	if len(blob.Salt) == 0 || len(blob.IV) == 0 {
		return fmt.Errorf("%w: blob is missing its salt or iv", krypto.ErrInvalidParameter)
	}
	if len(blob.Ciphertext) == 0 {
		return fmt.Errorf("%w: blob has no ciphertext", krypto.ErrInvalidParameter)
	}
	return nil
}

// EncodeBlob serialises any blob type to its persisted JSON form.
func EncodeBlob[B EncryptedBlob | FileBlob](b B) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	return raw, nil
}

// DecodeBlob parses a persisted blob. Unparseable or incomplete records are
// reported as ErrMalformedPayload.
func DecodeBlob[B EncryptedBlob | FileBlob](raw []byte) (B, error) {
	var b B
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("%w: decode blob: %v", ErrMalformedPayload, err)
	}
	return b, nil
}

// RewrapEncoded rewraps a persisted blob in its encoded form. File metadata is
// carried over unchanged and plain blobs stay plain.
func (c *Codec) RewrapEncoded(ctx context.Context, raw []byte, oldPassphrase, newPassphrase string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: decode blob: %v", ErrMalformedPayload, err)
	}

	if _, isFile := fields["originalName"]; isFile {
		fb, err := DecodeBlob[FileBlob](raw)
		if err != nil {
			return nil, err
		}
		if fb.EncryptedBlob, err = c.Rewrap(ctx, fb.EncryptedBlob, oldPassphrase, newPassphrase); err != nil {
			return nil, err
		}
		return EncodeBlob(fb)
	}

	b, err := DecodeBlob[EncryptedBlob](raw)
	if err != nil {
		return nil, err
	}
	if b, err = c.Rewrap(ctx, b, oldPassphrase, newPassphrase); err != nil {
		return nil, err
	}
	return EncodeBlob(b)
}
