package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"

	"storyloom/pkg/utils"
)

// SecretsFileName is the encrypted credentials file kept in the data directory.
const SecretsFileName = "secrets.json.enc"

// Sealed layout: [salt][nonce][AES-256-GCM ciphertext+tag], key from scrypt.
const (
	saltLen  = 16
	nonceLen = 12
	tagLen   = 16
	keyLen   = 32

	scryptCost        = 1 << 15
	scryptBlockSize   = 8
	scryptParallelism = 1
)

// ErrSecretsLocked is returned when the secrets file cannot be opened with the given password.
var ErrSecretsLocked = errors.New("secrets file is locked: wrong password or corrupted file")

//nolint:gochecknoglobals // unlocked credentials live for the process lifetime
var unlocked = struct {
	sync.RWMutex
	values map[string]string
}{}

// SetDecryptedSecrets replaces the unlocked credentials. Nil clears them.
func SetDecryptedSecrets(secrets map[string]string) {
	unlocked.Lock()
	defer unlocked.Unlock()
	unlocked.values = maps.Clone(secrets)
}

// GetSecret looks name up in the unlocked secrets file, then the environment.
func GetSecret(name string) (string, error) {
	unlocked.RLock()
	value := unlocked.values[name]
	unlocked.RUnlock()
	if value != "" {
		return value, nil
	}
	if value = os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// SecretsPath returns the location of the secrets file under dataDir.
func SecretsPath(dataDir string) string {
	return filepath.Join(dataDir, SecretsFileName)
}

// SecretsFileExists reports whether dataDir holds a secrets file.
func SecretsFileExists(dataDir string) bool {
	_, err := os.Stat(SecretsPath(dataDir))
	return err == nil
}

// EncryptSecretsFile seals secrets with password and writes them atomically with mode 0600.
func EncryptSecretsFile(dataDir, password string, secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	salt := make([]byte, saltLen)
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	aead, err := newAEAD(password, salt)
	if err != nil {
		return err
	}

	sealed := make([]byte, 0, saltLen+nonceLen+len(plaintext)+tagLen)
	sealed = append(sealed, salt...)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, plaintext, nil)

	if err := utils.WriteFileAtomic(SecretsPath(dataDir), sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile opens the secrets file under dataDir. Loose permissions are
// tightened back to 0600 before reading.
func DecryptSecretsFile(dataDir, password string) (map[string]string, error) {
	path := SecretsPath(dataDir)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		getLogger().Warn("Secrets file %s has permissions %04o, resetting to 0600", path, perm)
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix secrets file permissions: %w", err)
		}
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(sealed) < saltLen+nonceLen+tagLen {
		return nil, fmt.Errorf("%w: file too small", ErrSecretsLocked)
	}

	salt, nonce, ciphertext := sealed[:saltLen], sealed[saltLen:saltLen+nonceLen], sealed[saltLen+nonceLen:]
	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSecretsLocked
	}

	secrets := map[string]string{}
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

// UpdateSecretsFile sets name to value in the secrets file, creating the file
// and dataDir when needed. It returns the number of secrets stored.
func UpdateSecretsFile(dataDir, password, name, value string) (int, error) {
	secrets := map[string]string{}
	if SecretsFileExists(dataDir) {
		existing, err := DecryptSecretsFile(dataDir, password)
		if err != nil {
			return 0, err
		}
		secrets = existing
	}
	secrets[name] = value

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return 0, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := EncryptSecretsFile(dataDir, password, secrets); err != nil {
		return 0, err
	}
	return len(secrets), nil
}

// UnlockSecrets decrypts the secrets file into memory so GetSecret can see it.
// A missing file is not an error.
func UnlockSecrets(dataDir, password string) error {
	if !SecretsFileExists(dataDir) {
		return nil
	}
	secrets, err := DecryptSecretsFile(dataDir, password)
	if err != nil {
		return err
	}
	SetDecryptedSecrets(secrets)
	getLogger().Info("Unlocked %d secrets from %s", len(secrets), dataDir)
	return nil
}

func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptCost, scryptBlockSize, scryptParallelism, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
