package cred

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretSource resolves long-lived secret material by reference. The secret
// source itself (files on disk, a mounted secret volume) is provisioned
// outside this process.
type SecretSource interface {
	// Resolve returns the secret bytes for the given reference.
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// FileSource resolves secret references as paths to files on disk.
// Trailing whitespace is stripped, so plain API-key files work as-is.
type FileSource struct{}

// NewFileSource creates a file-backed secret source.
func NewFileSource() *FileSource {
	return &FileSource{}
}

func (s *FileSource) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty secret reference", ErrSecretUnavailable)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSecretUnavailable, ref, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrSecretUnavailable, ref)
	}
	return []byte(secret), nil
}

// StaticSource serves secrets from an in-memory map, keyed by reference.
// Used in tests and for secrets injected through the environment.
type StaticSource struct {
	secrets map[string][]byte
}

// NewStaticSource creates a static secret source from the given map.
func NewStaticSource(secrets map[string]string) *StaticSource {
	m := make(map[string][]byte, len(secrets))
	for ref, value := range secrets {
		m[ref] = []byte(value)
	}
	return &StaticSource{secrets: m}
}

func (s *StaticSource) Resolve(ctx context.Context, ref string) ([]byte, error) {
	secret, ok := s.secrets[ref]
	if !ok {
		return nil, fmt.Errorf("%w: no secret for reference %q", ErrSecretUnavailable, ref)
	}
	return secret, nil
}
