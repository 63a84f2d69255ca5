package vault

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/zalando/go-keyring"
)

// keyringStore backs the vault with the native OS keystore (Keychain,
// Secret Service, Credential Manager). Entries are stored under
// "namespace/key"; since keystores cannot enumerate, a per-namespace
// index entry tracks the key names for List.
type keyringStore struct {
	service string
}

// openKeyring probes the keystore with a set/delete round trip and
// returns nil when no keystore daemon is reachable (headless hosts).
func openKeyring(service string) *keyringStore {
	const probe = "__vault_probe__"
	if err := keyring.Set(service, probe, "ok"); err != nil {
		return nil
	}
	_ = keyring.Delete(service, probe)
	return &keyringStore{service: service}
}

func entryName(namespace, key string) string { return namespace + "/" + key }
func indexName(namespace string) string      { return "__index__/" + namespace }

func (k *keyringStore) Get(namespace, key string) (string, error) {
	val, err := keyring.Get(k.service, entryName(namespace, key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (k *keyringStore) Put(namespace, key, value string) error {
	if err := keyring.Set(k.service, entryName(namespace, key), value); err != nil {
		return err
	}
	keys, err := k.List(namespace)
	if err != nil {
		return err
	}
	for _, existing := range keys {
		if existing == key {
			return nil
		}
	}
	return k.writeIndex(namespace, append(keys, key))
}

func (k *keyringStore) Delete(namespace, key string) error {
	err := keyring.Delete(k.service, entryName(namespace, key))
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	keys, err := k.List(namespace)
	if err != nil {
		return err
	}
	kept := keys[:0]
	for _, existing := range keys {
		if existing != key {
			kept = append(kept, existing)
		}
	}
	return k.writeIndex(namespace, kept)
}

func (k *keyringStore) List(namespace string) ([]string, error) {
	raw, err := keyring.Get(k.service, indexName(namespace))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (k *keyringStore) writeIndex(namespace string, keys []string) error {
	sort.Strings(keys)
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return keyring.Set(k.service, indexName(namespace), string(raw))
}
