package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	keyLen           = 32
	saltLen          = 16
)

// fileStore keeps all credentials in one AES-256-GCM encrypted JSON file.
// The key is derived with PBKDF2(machine-id + user + service) so the file
// only decrypts on the host and account that wrote it.
type fileStore struct {
	path     string
	material []byte

	mu sync.Mutex
}

// envelope is the on-disk layout. Salt is generated once per file.
type envelope struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

func openFileStore(service, path string) (*fileStore, error) {
	material, err := keyMaterial(service)
	if err != nil {
		return nil, fmt.Errorf("derive vault key material: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	return &fileStore{path: path, material: material}, nil
}

// keyMaterial binds the encryption key to this machine, user, and app tag.
func keyMaterial(service string) ([]byte, error) {
	machineID, err := host.HostID()
	if err != nil || machineID == "" {
		hostname, herr := os.Hostname()
		if herr != nil {
			return nil, fmt.Errorf("no machine identity: %w", err)
		}
		machineID = hostname
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return []byte(machineID + ":" + username + ":" + service), nil
}

func (f *fileStore) Get(namespace, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, _, err := f.load()
	if err != nil {
		return "", err
	}
	val, ok := creds[namespace][key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (f *fileStore) Put(namespace, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, salt, err := f.load()
	if err != nil {
		return err
	}
	if creds[namespace] == nil {
		creds[namespace] = map[string]string{}
	}
	creds[namespace][key] = value
	return f.save(creds, salt)
}

func (f *fileStore) Delete(namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, salt, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := creds[namespace][key]; !ok {
		return ErrNotFound
	}
	delete(creds[namespace], key)
	if len(creds[namespace]) == 0 {
		delete(creds, namespace)
	}
	return f.save(creds, salt)
}

func (f *fileStore) List(namespace string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, _, err := f.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(creds[namespace]))
	for key := range creds[namespace] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// load decrypts the file. A missing file yields an empty map and no salt;
// save generates one.
func (f *fileStore) load() (map[string]map[string]string, []byte, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]map[string]string{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read vault file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("parse vault file: %w", err)
	}

	gcm, err := f.cipherFor(env.Salt)
	if err != nil {
		return nil, nil, err
	}
	plain, err := gcm.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt vault file (machine identity changed?): %w", err)
	}

	creds := map[string]map[string]string{}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, nil, fmt.Errorf("parse vault contents: %w", err)
	}
	return creds, env.Salt, nil
}

// save encrypts and writes atomically: temp file in the same dir, fsync,
// rename over the target. Owner-only permissions.
func (f *fileStore) save(creds map[string]map[string]string, salt []byte) error {
	if len(salt) == 0 {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
	}

	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal vault contents: %w", err)
	}

	gcm, err := f.cipherFor(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	raw, err := json.Marshal(envelope{Salt: salt, Nonce: nonce, Data: gcm.Seal(nil, nonce, plain, nil)})
	if err != nil {
		return fmt.Errorf("marshal vault envelope: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("create temp vault file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod vault file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write vault file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close vault file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace vault file: %w", err)
	}
	return nil
}

func (f *fileStore) cipherFor(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(f.material, salt, pbkdf2Iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
