package encryption

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"

	"wi-go/internal/config"
	wifs "wi-go/internal/fs"
	"wi-go/internal/wi"
)

// DefaultScryptWorkFactor is the log2 scrypt cost used for passphrase files.
const DefaultScryptWorkFactor = 18

// Vault encrypts whole files with age and individual cells with
// XChaCha20-Poly1305. It holds key material only for the duration of a call.
type Vault struct {
	scryptWorkFactor int
	clock            wi.Clock
	logger           wi.Logger
}

// NewVault creates a Vault from configuration.
func NewVault(cfg config.EncryptionConfig, clock wi.Clock, logger wi.Logger) *Vault {
	wf := cfg.ScryptWorkFactor
	if wf <= 0 {
		wf = DefaultScryptWorkFactor
	}
	if clock == nil {
		clock = wi.RealClock{}
	}
	if logger == nil {
		logger = wi.NewNopLogger()
	}
	return &Vault{scryptWorkFactor: wf, clock: clock, logger: logger}
}

// FileResult describes a completed file operation.
type FileResult struct {
	Source       string `json:"source"`
	Destination  string `json:"destination"`
	Bytes        int64  `json:"bytes"` // plaintext bytes processed
	KeyFile      string `json:"key_file,omitempty"`
	KeyGenerated bool   `json:"key_generated,omitempty"`
}

// PendingFile is a finished file operation whose output has not replaced
// its destination yet.
type PendingFile struct {
	Result *FileResult
	staged *wifs.Staged
}

// Publish moves the output onto its destination.
func (p *PendingFile) Publish() error {
	return p.staged.Publish()
}

// Discard drops the output. Safe on nil and after Publish.
func (p *PendingFile) Discard() {
	if p == nil {
		return
	}
	p.staged.Discard()
}

// EncryptFile encrypts src into dst. dst is replaced atomically; src is only
// read. A missing key file is generated first and reported in the result.
func (v *Vault) EncryptFile(ctx context.Context, src, dst string, ks KeySource) (*FileResult, error) {
	p, err := v.PrepareEncryptFile(ctx, src, dst, ks)
	if err != nil {
		return nil, err
	}
	if err := p.Publish(); err != nil {
		p.Discard()
		return nil, fmt.Errorf("encrypting %s: %w", src, err)
	}
	return p.Result, nil
}

// PrepareEncryptFile encrypts src next to dst without replacing it. The
// caller publishes or discards the result.
func (v *Vault) PrepareEncryptFile(ctx context.Context, src, dst string, ks KeySource) (*PendingFile, error) {
	if err := ks.validate(); err != nil {
		return nil, err
	}

	in, err := openSource(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	res := &FileResult{Source: src, Destination: dst, KeyFile: ks.KeyFile}
	if ks.KeyFile != "" {
		generated, err := EnsureKeyFile(ks.KeyFile, v.clock.Now())
		if err != nil {
			return nil, err
		}
		res.KeyGenerated = generated
		if generated {
			v.logger.Info("key file generated", "path", ks.KeyFile)
		}
	}

	staged, err := wifs.Stage(dst, 0600, func(w io.Writer) error {
		n, err := v.encrypt(ctx, in, w, ks)
		res.Bytes = n
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting %s: %w", src, err)
	}

	v.logger.Info("file encrypted", "source", src, "destination", dst, "bytes", res.Bytes)
	return &PendingFile{Result: res, staged: staged}, nil
}

// DecryptFile decrypts src into dst. Tampered input or a wrong key yields
// wi.ErrAuthenticationFailure and leaves dst as it was.
func (v *Vault) DecryptFile(ctx context.Context, src, dst string, ks KeySource) (*FileResult, error) {
	p, err := v.PrepareDecryptFile(ctx, src, dst, ks)
	if err != nil {
		return nil, err
	}
	if err := p.Publish(); err != nil {
		p.Discard()
		return nil, fmt.Errorf("decrypting %s: %w", src, err)
	}
	return p.Result, nil
}

// PrepareDecryptFile decrypts src next to dst without replacing it. Only
// fully authenticated plaintext is ever staged.
func (v *Vault) PrepareDecryptFile(ctx context.Context, src, dst string, ks KeySource) (*PendingFile, error) {
	if err := ks.validate(); err != nil {
		return nil, err
	}

	in, err := openSource(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	res := &FileResult{Source: src, Destination: dst, KeyFile: ks.KeyFile}
	staged, err := wifs.Stage(dst, 0600, func(w io.Writer) error {
		n, err := v.decrypt(ctx, in, w, ks, wi.FileSubject(src))
		res.Bytes = n
		return err
	})
	if err != nil {
		if wi.KindOf(err) != nil {
			return nil, err
		}
		return nil, fmt.Errorf("decrypting %s: %w", src, err)
	}

	v.logger.Info("file decrypted", "source", src, "destination", dst, "bytes", res.Bytes)
	return &PendingFile{Result: res, staged: staged}, nil
}

// Encrypt streams plaintext from r to age ciphertext on w. Unlike EncryptFile
// it never generates a key file.
func (v *Vault) Encrypt(ctx context.Context, r io.Reader, w io.Writer, ks KeySource) error {
	if err := ks.validate(); err != nil {
		return err
	}
	_, err := v.encrypt(ctx, r, w, ks)
	return err
}

// Decrypt streams age ciphertext from r to plaintext on w. Authentication is
// checked per 64 KiB chunk, so w may receive a verified prefix before a later
// chunk fails; use DecryptFile for all-or-nothing output.
func (v *Vault) Decrypt(ctx context.Context, r io.Reader, w io.Writer, ks KeySource) error {
	if err := ks.validate(); err != nil {
		return err
	}
	_, err := v.decrypt(ctx, r, w, ks, "ciphertext stream")
	return err
}

func (v *Vault) encrypt(ctx context.Context, r io.Reader, w io.Writer, ks KeySource) (int64, error) {
	recipient, err := v.recipient(ks)
	if err != nil {
		return 0, err
	}

	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return 0, fmt.Errorf("creating encrypted writer: %w", err)
	}

	n, err := io.Copy(encWriter, ctxReader{ctx: ctx, r: r})
	if err != nil {
		return n, fmt.Errorf("encrypting data: %w", err)
	}

	if err := encWriter.Close(); err != nil {
		return n, fmt.Errorf("finalizing encryption: %w", err)
	}
	return n, nil
}

func (v *Vault) decrypt(ctx context.Context, r io.Reader, w io.Writer, ks KeySource, subject string) (int64, error) {
	identity, err := v.identity(ks)
	if err != nil {
		return 0, err
	}

	decReader, err := age.Decrypt(r, identity)
	if err != nil {
		return 0, wi.E(wi.ErrAuthenticationFailure, subject, err)
	}

	src := &trackingReader{r: decReader}
	n, err := io.Copy(w, ctxReader{ctx: ctx, r: src})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		if src.err != nil {
			return n, wi.E(wi.ErrAuthenticationFailure, subject, src.err)
		}
		return n, fmt.Errorf("writing plaintext: %w", err)
	}
	return n, nil
}

func (v *Vault) recipient(ks KeySource) (age.Recipient, error) {
	if ks.Passphrase != "" {
		r, err := age.NewScryptRecipient(ks.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt recipient: %w", err)
		}
		r.SetWorkFactor(v.scryptWorkFactor)
		return r, nil
	}

	identity, err := LoadIdentity(ks.KeyFile)
	if err != nil {
		return nil, err
	}
	return identity.Recipient(), nil
}

func (v *Vault) identity(ks KeySource) (age.Identity, error) {
	if ks.Passphrase != "" {
		id, err := age.NewScryptIdentity(ks.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		if v.scryptWorkFactor > 22 {
			id.SetMaxWorkFactor(v.scryptWorkFactor)
		}
		return id, nil
	}
	return LoadIdentity(ks.KeyFile)
}

func openSource(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, wi.Ef(wi.ErrNotFound, wi.FileSubject(path), "no such file")
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// trackingReader remembers the first non-EOF error of the underlying reader.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
