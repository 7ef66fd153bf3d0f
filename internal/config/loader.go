package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "tenant-vault/internal/errors"
)

const (
	// EnvPrefix prefixes every environment variable override
	EnvPrefix = "TENANT_VAULT"
	// FileName is the config file looked up without --config
	FileName = "tenant-vault"
)

// Loader reads the configuration through viper
type Loader struct {
	viper     *viper.Viper
	path      string
	envFiles  []string
	overrides map[string]interface{}
}

// NewLoader creates a loader reading path, or tenant-vault.yaml from the
// working directory and $HOME/.config/tenant-vault when path is empty
func NewLoader(path string) *Loader {
	return &Loader{
		viper:     viper.New(),
		path:      path,
		envFiles:  []string{".env"},
		overrides: map[string]interface{}{},
	}
}

// WithEnvFiles replaces the .env files loaded before the environment is read
func (l *Loader) WithEnvFiles(files ...string) *Loader {
	l.envFiles = files
	return l
}

// Set overrides key regardless of file and environment, used for flags
func (l *Loader) Set(key string, value interface{}) {
	l.overrides[key] = value
}

// ConfigFileUsed returns the file the configuration was read from, if any
func (l *Loader) ConfigFileUsed() string {
	return l.viper.ConfigFileUsed()
}

// Load builds, defaults and validates the configuration
func (l *Loader) Load() (*Config, error) {
	for _, file := range l.envFiles {
		// variables already set in the environment win over the file
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NewConfigurationError(fmt.Sprintf("failed to load %s", file), err)
		}
	}

	if err := l.setupViper(); err != nil {
		return nil, err
	}
	for key, value := range l.overrides {
		l.viper.Set(key, value)
	}

	var config Config
	if err := l.viper.Unmarshal(&config); err != nil {
		return nil, apperrors.NewConfigurationError("failed to decode configuration", err)
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// setupViper registers every known key through the base document so that
// each one can be overridden from the environment. Defaults are applied after
// decoding because some depend on other keys, like the port on the driver.
func (l *Loader) setupViper() error {
	if err := registerKeys(l.viper); err != nil {
		return apperrors.NewConfigurationError("failed to register configuration keys", err)
	}

	if l.path != "" {
		l.viper.SetConfigFile(l.path)
	} else {
		l.viper.SetConfigName(FileName)
		l.viper.AddConfigPath(".")
		l.viper.AddConfigPath("$HOME/.config/tenant-vault")
	}
	if err := l.viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return apperrors.NewConfigurationError("failed to read config file", err)
		}
	}

	l.viper.SetEnvPrefix(EnvPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()
	return nil
}

// Load reads the configuration from path with the default loader
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// WriteTemplate writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteTemplate(path string, force bool) error {
	if path == "" {
		path = FileName + ".yaml"
	}
	if _, err := os.Stat(path); err == nil && !force {
		return apperrors.NewValidationError("configuration file %s already exists", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# tenant-vault configuration\n")
	buf.WriteString("# Every key can be overridden with a " + EnvPrefix + "_ environment variable,\n")
	buf.WriteString("# for example " + EnvPrefix + "_DATABASE_PASSWORD or " + EnvPrefix + "_SERVER_SCHEDULER_SECRET.\n")
	buf.Write(data)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	// the file may hold credentials
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// EnvironmentVariables lists the override variable of every known key
func EnvironmentVariables() ([]string, error) {
	v := viper.New()
	if err := registerKeys(v); err != nil {
		return nil, err
	}

	keys := v.AllKeys()
	vars := make([]string, 0, len(keys))
	for _, key := range keys {
		vars = append(vars, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
	sort.Strings(vars)
	return vars, nil
}

func registerKeys(v *viper.Viper) error {
	keys, err := yaml.Marshal(base())
	if err != nil {
		return err
	}
	v.SetConfigType("yaml")
	return v.ReadConfig(bytes.NewReader(keys))
}
