package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adbhostd/adbhostd/internal/randutil"
)

// FileWrappingKeyProvider is a host-process stand-in for the hardware-backed
// Android Keystore: it keeps a 32-byte AES-256 key in a single file,
// generating it on first use. Acquisition happens once behind a
// sync.Once, matching spec.md §5's "wrapping-key acquisition is done once
// behind a one-shot guard" — every later call returns the cached key
// without touching the filesystem again.
type FileWrappingKeyProvider struct {
	path string

	once sync.Once
	key  []byte
	err  error
}

// NewFileWrappingKeyProvider returns a provider backed by the file at path.
func NewFileWrappingKeyProvider(path string) *FileWrappingKeyProvider {
	return &FileWrappingKeyProvider{path: path}
}

// WrappingKey implements WrappingKeyProvider.
func (p *FileWrappingKeyProvider) WrappingKey() ([]byte, error) {
	p.once.Do(func() {
		p.key, p.err = loadOrCreateWrappingKey(p.path)
	})
	return p.key, p.err
}

func loadOrCreateWrappingKey(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("wrapping key file %s has %d bytes, want 32", path, len(b))
		}
		return b, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read wrapping key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}

	key := randutil.Bytes(32)
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write wrapping key: %w", err)
	}
	return key, nil
}
