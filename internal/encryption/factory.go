package encryption

import (
	"fmt"

	"wi-go/internal/config"
	"wi-go/internal/wi"
)

// NewVaultFromConfig creates a Vault after checking the configured scrypt
// cost.
func NewVaultFromConfig(cfg config.EncryptionConfig, clock wi.Clock, logger wi.Logger) (*Vault, error) {
	if cfg.ScryptWorkFactor < 0 || cfg.ScryptWorkFactor > 30 {
		return nil, fmt.Errorf("scrypt work factor must be between 1 and 30, got %d", cfg.ScryptWorkFactor)
	}
	return NewVault(cfg, clock, logger), nil
}

// ResolveKeySource picks the key for one operation. An explicit passphrase
// wins, then an explicit key file, then the configured key file.
func ResolveKeySource(cfg config.EncryptionConfig, passphrase, keyFile string) KeySource {
	switch {
	case passphrase != "":
		return KeySource{Passphrase: passphrase}
	case keyFile != "":
		return KeySource{KeyFile: keyFile}
	default:
		return KeySource{KeyFile: cfg.KeyFile}
	}
}
