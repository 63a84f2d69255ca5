// Package vault stores broker credentials, grouped by namespace. It
// prefers the native OS keystore; when no keystore is reachable it falls
// back to an encrypted file whose key is derived from machine identity.
// As a last resort a credential can be read from the environment, with a
// one-time warning.
package vault

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when a credential does not exist in the backend.
var ErrNotFound = errors.New("vault: credential not found")

// Store is a credential backend. Values are opaque UTF-8 bytes.
type Store interface {
	Get(namespace, key string) (string, error)
	Put(namespace, key, value string) error
	Delete(namespace, key string) error
	List(namespace string) ([]string, error)
}

// Vault wraps a backend with the environment fallback.
type Vault struct {
	backend Store
	logger  *slog.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// Open selects the best available backend: OS keystore when reachable,
// else the encrypted file store at filePath.
func Open(service, filePath string, logger *slog.Logger) (*Vault, error) {
	logger = logger.With("component", "vault")

	if kr := openKeyring(service); kr != nil {
		logger.Info("using OS keystore", "service", service)
		return &Vault{backend: kr, logger: logger, warned: map[string]bool{}}, nil
	}

	fs, err := openFileStore(service, filePath)
	if err != nil {
		return nil, err
	}
	logger.Info("OS keystore unavailable, using encrypted file store", "path", filePath)
	return &Vault{backend: fs, logger: logger, warned: map[string]bool{}}, nil
}

// NewWithBackend wires an explicit backend. Used by tests.
func NewWithBackend(backend Store, logger *slog.Logger) *Vault {
	return &Vault{backend: backend, logger: logger.With("component", "vault"), warned: map[string]bool{}}
}

// Get resolves a credential. Backend first; if absent there, the
// environment variable NAMESPACE_KEY (uppercased) is consulted and a
// warning is logged once per key per process.
func (v *Vault) Get(namespace, key string) (string, error) {
	val, err := v.backend.Get(namespace, key)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	envName := envNameFor(namespace, key)
	if env := os.Getenv(envName); env != "" {
		v.warnOnce(namespace+"/"+key, envName)
		return env, nil
	}
	return "", ErrNotFound
}

// Put writes a credential to the backend.
func (v *Vault) Put(namespace, key, value string) error {
	return v.backend.Put(namespace, key, value)
}

// Delete removes a credential from the backend.
func (v *Vault) Delete(namespace, key string) error {
	return v.backend.Delete(namespace, key)
}

// List returns the key names stored under a namespace.
func (v *Vault) List(namespace string) ([]string, error) {
	return v.backend.List(namespace)
}

func envNameFor(namespace, key string) string {
	r := strings.NewReplacer("-", "_", ".", "_", "/", "_")
	name := namespace + "_" + key
	if namespace == "" {
		name = key
	}
	return strings.ToUpper(r.Replace(name))
}

func (v *Vault) warnOnce(name, envName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.warned[name] {
		return
	}
	v.warned[name] = true
	v.logger.Warn("credential read from environment, move it to the vault",
		"name", name, "env", envName)
}
