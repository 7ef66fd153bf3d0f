package snapshot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySourceEnv        = "env"
	KeySourceFile       = "file"
	KeySourcePassphrase = "passphrase"

	keySize          = 32
	saltSize         = 16
	pbkdf2Iterations = 100000
)

// EncryptionConfig defines payload encryption settings
type EncryptionConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	KeySource string `mapstructure:"key_source" yaml:"key_source"` // "env", "file" or "passphrase"
	KeyEnvVar string `mapstructure:"key_env_var" yaml:"key_env_var"`
	KeyPath   string `mapstructure:"key_path" yaml:"key_path"`
	// PassphraseEnvVar names the variable holding the passphrase a key is
	// derived from with PBKDF2. A fresh salt is stored with every payload.
	PassphraseEnvVar string `mapstructure:"passphrase_env_var" yaml:"passphrase_env_var"`

	// KeyRetriever overrides the configured source, used in tests
	KeyRetriever func() ([]byte, error) `mapstructure:"-" yaml:"-"`
}

// SetDefaults sets default values for the configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.KeySource == "" {
		ec.KeySource = KeySourceEnv
	}
	if ec.KeyEnvVar == "" {
		ec.KeyEnvVar = "TENANT_VAULT_ENCRYPTION_KEY"
	}
	if ec.PassphraseEnvVar == "" {
		ec.PassphraseEnvVar = "TENANT_VAULT_ENCRYPTION_PASSPHRASE"
	}
}

// Validate validates the configuration
func (ec *EncryptionConfig) Validate() error {
	if !ec.Enabled {
		return nil
	}
	switch ec.KeySource {
	case KeySourceEnv:
		if ec.KeyEnvVar == "" {
			return fmt.Errorf("key_env_var is required for the env key source")
		}
	case KeySourceFile:
		if ec.KeyPath == "" {
			return fmt.Errorf("key_path is required for the file key source")
		}
	case KeySourcePassphrase:
		if ec.PassphraseEnvVar == "" {
			return fmt.Errorf("passphrase_env_var is required for the passphrase key source")
		}
	default:
		return fmt.Errorf("invalid key source %q, must be env, file or passphrase", ec.KeySource)
	}
	return nil
}

func (ec *EncryptionConfig) derivesKey() bool {
	return ec.KeyRetriever == nil && ec.KeySource == KeySourcePassphrase
}

// staticKey returns the 32-byte key for the env and file sources
func (ec *EncryptionConfig) staticKey() ([]byte, error) {
	if ec.KeyRetriever != nil {
		return ec.KeyRetriever()
	}

	switch ec.KeySource {
	case KeySourceEnv:
		value := strings.TrimSpace(os.Getenv(ec.KeyEnvVar))
		if value == "" {
			return nil, fmt.Errorf("encryption key not found in environment variable %s", ec.KeyEnvVar)
		}
		key, err := hex.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex key from environment variable: %w", err)
		}
		return key, nil
	case KeySourceFile:
		key, err := os.ReadFile(ec.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read encryption key from file %s: %w", ec.KeyPath, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("key source %q has no static key", ec.KeySource)
	}
}

func (ec *EncryptionConfig) passphrase() (string, error) {
	value := os.Getenv(ec.PassphraseEnvVar)
	if value == "" {
		return "", fmt.Errorf("encryption passphrase not found in environment variable %s", ec.PassphraseEnvVar)
	}
	return value, nil
}

// DeriveKey derives an AES-256 key from a passphrase using PBKDF2-SHA256
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
}

// GenerateKey generates a random AES-256 key
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// ValidateKey rejects keys of the wrong size and trivially weak keys
func ValidateKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("encryption key must be %d bytes for AES-256, got %d bytes", keySize, len(key))
	}

	allZeros, allOnes := true, true
	for _, b := range key {
		if b != 0 {
			allZeros = false
		}
		if b != 0xFF {
			allOnes = false
		}
	}
	if allZeros || allOnes {
		return fmt.Errorf("encryption key is trivially weak")
	}
	return nil
}

// EncryptionManager seals payloads with AES-256-GCM
type EncryptionManager struct {
	config *EncryptionConfig
}

// NewEncryptionManager creates a new encryption manager
func NewEncryptionManager(config *EncryptionConfig) *EncryptionManager {
	return &EncryptionManager{config: config}
}

// IsEnabled returns whether encryption is enabled
func (em *EncryptionManager) IsEnabled() bool {
	return em != nil && em.config != nil && em.config.Enabled
}

// Encrypt seals data. The output is salt (passphrase source only), then
// nonce, then ciphertext.
func (em *EncryptionManager) Encrypt(data []byte) ([]byte, error) {
	var (
		key    []byte
		prefix []byte
		err    error
	)

	if em.config.derivesKey() {
		passphrase, err := em.config.passphrase()
		if err != nil {
			return nil, err
		}
		prefix = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, prefix); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		key = DeriveKey(passphrase, prefix)
	} else {
		key, err = em.config.staticKey()
		if err != nil {
			return nil, err
		}
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(prefix)+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, prefix...)
	return gcm.Seal(append(out, nonce...), nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt
func (em *EncryptionManager) Decrypt(data []byte) ([]byte, error) {
	var key []byte

	if em.config.derivesKey() {
		if len(data) < saltSize {
			return nil, fmt.Errorf("encrypted payload too short")
		}
		passphrase, err := em.config.passphrase()
		if err != nil {
			return nil, err
		}
		key = DeriveKey(passphrase, data[:saltSize])
		data = data[saltSize:]
	} else {
		var err error
		key, err = em.config.staticKey()
		if err != nil {
			return nil, err
		}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("encrypted payload too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}
