package encryption

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"golang.org/x/crypto/hkdf"

	wifs "wi-go/internal/fs"
	"wi-go/internal/wi"
)

// Key derivation purposes for material derived from an identity file.
const (
	PurposeColumn      = "wi/column/v1"
	PurposeCertificate = "wi/certificate/v1"
)

const derivedKeyLen = 32

// KeySource names the key for one operation: a passphrase or the path of an
// age identity file. Exactly one must be set.
type KeySource struct {
	Passphrase string
	KeyFile    string
}

func (k KeySource) validate() error {
	switch {
	case k.Passphrase != "" && k.KeyFile != "":
		return fmt.Errorf("use either a passphrase or a key file, not both")
	case k.Passphrase == "" && k.KeyFile == "":
		return fmt.Errorf("a passphrase or a key file is required")
	}
	return nil
}

// EnsureKeyFile creates a new X25519 identity at path when none exists. It
// reports whether a key was generated. The file is written atomically with
// mode 0600.
func EnsureKeyFile(path string, now time.Time) (bool, error) {
	if wifs.Exists(path) {
		return false, nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return false, fmt.Errorf("generating key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("creating key directory: %w", err)
	}

	err = wifs.WriteAtomic(path, 0600, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "# created: %s\n# public key: %s\n%s\n",
			now.UTC().Format(time.RFC3339), identity.Recipient().String(), identity.String())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("writing key file %s: %w", path, err)
	}
	return true, nil
}

// LoadIdentity reads an X25519 identity from path.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, wi.Ef(wi.ErrNotFound, wi.FileSubject(path), "no such key file")
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}

	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity found in %s", path)
}

// DeriveKey derives a 32-byte key for purpose from the identity stored at
// path using HKDF-SHA256.
func DeriveKey(path, purpose string) ([]byte, error) {
	identity, err := LoadIdentity(path)
	if err != nil {
		return nil, err
	}
	return deriveFromIdentity(identity, purpose)
}

func deriveFromIdentity(identity *age.X25519Identity, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(identity.String()), nil, []byte(purpose))
	key := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// SigningKey derives the certificate signing key from the identity at path.
// keyID is the identity's public recipient, safe to publish next to a
// signature.
func SigningKey(path string) (key []byte, keyID string, err error) {
	identity, err := LoadIdentity(path)
	if err != nil {
		return nil, "", err
	}
	key, err = deriveFromIdentity(identity, PurposeCertificate)
	if err != nil {
		return nil, "", err
	}
	return key, identity.Recipient().String(), nil
}
