package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for wi.
type Config struct {
	Actor      string           `toml:"actor"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Hashing    HashingConfig    `toml:"hashing"`
	Encryption EncryptionConfig `toml:"encryption"`
	Signing    SigningConfig    `toml:"signing"`
	Drift      DriftConfig      `toml:"drift"`
}

// DatabaseConfig represents configuration for the managed database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type string `toml:"type"`           // "sqlite" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=sqlite
}

// HashingConfig holds fingerprint defaults.
type HashingConfig struct {
	Algorithm string `toml:"algorithm"`  // "sha256" (default) or "sha512"
	Scope     string `toml:"scope"`      // "data" (default) or "data+schema"
	ChunkSize int    `toml:"chunk_size"` // rows fed to the digest per batch
}

// EncryptionConfig holds key material locations and KDF cost.
type EncryptionConfig struct {
	KeyFile          string `toml:"key_file"`
	ScryptWorkFactor int    `toml:"scrypt_work_factor"` // log2 of the scrypt cost for passphrase files
}

// SigningConfig controls certificate signing. An empty KeyFile leaves
// certificates unsigned.
type SigningConfig struct {
	Signer  string `toml:"signer"`
	KeyFile string `toml:"key_file,omitempty"`
}

// DriftConfig holds drift-check defaults.
type DriftConfig struct {
	Threshold float64 `toml:"threshold"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(actor, baseDir string) *Config {
	return &Config{
		Actor:   actor,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type: "sqlite",
		},
		Hashing: HashingConfig{
			Algorithm: "sha256",
			Scope:     "data",
			ChunkSize: 1000,
		},
		Encryption: EncryptionConfig{
			KeyFile:          filepath.Join(baseDir, "keys", "wi.key"),
			ScryptWorkFactor: 18,
		},
		Signing: SigningConfig{
			Signer: actor,
		},
		Drift: DriftConfig{
			Threshold: 0.05,
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
