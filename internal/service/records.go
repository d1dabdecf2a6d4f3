package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/luxeledgerweb-netizen/dec-sub001/internal/vault"
	"github.com/luxeledgerweb-netizen/dec-sub001/krypto"
)

// recordPrefix namespaces secured records inside the record store.
const recordPrefix = "record/"

// File is a decrypted file record.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

func recordKey(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: record name is required", krypto.ErrInvalidParameter)
	}
	return recordPrefix + name, nil
}

// PutText encrypts text and stores it under name, replacing any previous value.
func (s *Service) PutText(ctx context.Context, name, text string) error {
	return s.put(ctx, name, func(c *vault.Codec, pass string) ([]byte, error) {
		blob, err := c.EncryptText(text, pass)
		if err != nil {
			return nil, err
		}
		return vault.EncodeBlob(blob)
	})
}

// GetText decrypts the text record stored under name.
func (s *Service) GetText(ctx context.Context, name string) (string, error) {
	var out string
	err := s.get(ctx, name, func(c *vault.Codec, raw []byte, pass string) error {
		blob, err := vault.DecodeBlob[vault.EncryptedBlob](raw)
		if err != nil {
			return err
		}
		out, err = c.DecryptText(blob, pass)
		return err
	})
	return out, err
}

// PutFile encrypts a whole-file buffer with its metadata.
func (s *Service) PutFile(ctx context.Context, name string, f File) error {
	return s.put(ctx, name, func(c *vault.Codec, pass string) ([]byte, error) {
		blob, err := c.EncryptFile(f.Data, pass, f.Name, f.MimeType)
		if err != nil {
			return nil, err
		}
		return vault.EncodeBlob(blob)
	})
}

// GetFile decrypts the file record stored under name.
func (s *Service) GetFile(ctx context.Context, name string) (File, error) {
	var out File
	err := s.get(ctx, name, func(c *vault.Codec, raw []byte, pass string) error {
		blob, err := vault.DecodeBlob[vault.FileBlob](raw)
		if err != nil {
			return err
		}
		data, err := c.DecryptFile(blob, pass)
		if err != nil {
			return err
		}
		out = File{Name: blob.OriginalName, MimeType: blob.MimeType, Data: data}
		return nil
	})
	return out, err
}

// PutJSON encrypts v as JSON and stores it under name.
func PutJSON[T any](ctx context.Context, s *Service, name string, v T) error {
	return s.put(ctx, name, func(c *vault.Codec, pass string) ([]byte, error) {
		blob, err := vault.EncryptJSON(c, v, pass)
		if err != nil {
			return nil, err
		}
		return vault.EncodeBlob(blob)
	})
}

// GetJSON decrypts the JSON record stored under name into a T.
func GetJSON[T any](ctx context.Context, s *Service, name string) (T, error) {
	var out T
	err := s.get(ctx, name, func(c *vault.Codec, raw []byte, pass string) error {
		blob, err := vault.DecodeBlob[vault.EncryptedBlob](raw)
		if err != nil {
			return err
		}
		out, err = vault.DecryptJSON[T](c, blob, pass)
		return err
	})
	return out, err
}

// DeleteRecord removes the record stored under name.
func (s *Service) DeleteRecord(ctx context.Context, name string) error {
	key, err := recordKey(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.sessionLocked(); err != nil {
		return err
	}
	if err := s.records.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Keys lists the names of the stored records in ascending order.
func (s *Service) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.sessionLocked(); err != nil {
		return nil, err
	}

	keys, err := s.records.Keys(ctx, recordPrefix)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, recordPrefix))
	}
	return names, nil
}

func (s *Service) put(ctx context.Context, name string, seal func(*vault.Codec, string) ([]byte, error)) error {
	key, err := recordKey(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pass, err := s.sessionLocked()
	if err != nil {
		return err
	}

	raw, err := seal(s.codec, pass)
	if err != nil {
		return fmt.Errorf("encrypt record: %w", err)
	}
	if err := s.records.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func (s *Service) get(ctx context.Context, name string, open func(*vault.Codec, []byte, string) error) error {
	key, err := recordKey(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pass, err := s.sessionLocked()
	if err != nil {
		return err
	}

	raw, err := s.records.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if err := open(s.codec, raw, pass); err != nil {
		if errors.Is(err, vault.ErrWrongPassphraseOrCorruptData) || errors.Is(err, vault.ErrMalformedPayload) {
			return fmt.Errorf("record %q: %w", name, err)
		}
		return fmt.Errorf("decrypt record: %w", err)
	}
	return nil
}
