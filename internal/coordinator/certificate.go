package coordinator

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wi-go/internal/encryption"
	"wi-go/internal/ledger"
	"wi-go/internal/wi"
)

// Certificate kinds.
const (
	KindVerification = "verification"
	KindCustody      = "chain-of-custody"
)

const signatureAlgorithm = "hmac-sha256"

// Certificate is a verification artifact handed to reporting collaborators.
type Certificate struct {
	Kind        string              `json:"kind"`
	GeneratedAt time.Time           `json:"generated_at"`
	Database    string              `json:"database,omitempty"`
	Signer      string              `json:"signer,omitempty"`
	Verified    bool                `json:"verified"`
	Table       string              `json:"table,omitempty"`
	Strict      bool                `json:"strict,omitempty"`
	Expected    string              `json:"expected,omitempty"`
	Computed    *wi.Fingerprint     `json:"computed,omitempty"`
	Tables      []*wi.Fingerprint   `json:"tables,omitempty"`
	Excluded    []string            `json:"excluded_tables,omitempty"`
	Ledger      *ledger.ChainReport `json:"ledger,omitempty"`
	Signature   *Signature          `json:"signature,omitempty"`
}

// Signature authenticates a certificate. KeyID is the public recipient of
// the identity the signing key was derived from.
type Signature struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Value     string `json:"value"`
}

// Sign attaches an HMAC-SHA256 signature over the certificate body using a
// key derived from the identity at keyFile. A missing key file is an error;
// signing never generates one.
func Sign(cert *Certificate, keyFile string) error {
	key, keyID, err := encryption.SigningKey(keyFile)
	if err != nil {
		return err
	}
	mac, err := certificateMAC(cert, key)
	if err != nil {
		return err
	}
	cert.Signature = &Signature{Algorithm: signatureAlgorithm, KeyID: keyID, Value: hex.EncodeToString(mac)}
	return nil
}

// VerifySignature checks the signature of cert against the identity at
// keyFile. An unsigned or altered certificate fails with
// wi.ErrAuthenticationFailure.
func VerifySignature(cert *Certificate, keyFile string) error {
	subject := "certificate"
	if cert.Signature == nil {
		return wi.Ef(wi.ErrAuthenticationFailure, subject, "not signed")
	}
	if cert.Signature.Algorithm != signatureAlgorithm {
		return wi.Ef(wi.ErrAuthenticationFailure, subject, "unsupported signature algorithm %q", cert.Signature.Algorithm)
	}

	key, _, err := encryption.SigningKey(keyFile)
	if err != nil {
		return err
	}
	want, err := certificateMAC(cert, key)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(cert.Signature.Value)
	if err != nil || !hmac.Equal(got, want) {
		return wi.Ef(wi.ErrAuthenticationFailure, subject, "signature mismatch")
	}
	return nil
}

// certificateMAC authenticates the JSON encoding of cert without its
// signature.
func certificateMAC(cert *Certificate, key []byte) ([]byte, error) {
	body := *cert
	body.Signature = nil
	data, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("encoding certificate: %w", err)
	}
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil), nil
}

// ParseCertificate decodes a certificate rendered as JSON.
func ParseCertificate(data []byte) (*Certificate, error) {
	var cert Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return &cert, nil
}

// Render formats a certificate. An empty format means json.
func Render(cert *Certificate, format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(cert, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding certificate: %w", err)
		}
		return append(data, '\n'), nil
	case FormatText:
		return renderText(cert), nil
	default:
		return nil, fmt.Errorf("unknown certificate format: %q", format)
	}
}

func renderText(cert *Certificate) []byte {
	var b bytes.Buffer

	status := "FAILED"
	if cert.Verified {
		status = "VERIFIED"
	}

	switch cert.Kind {
	case KindCustody:
		fmt.Fprintln(&b, "Chain of Custody Certificate")
	default:
		fmt.Fprintln(&b, "Integrity Verification Certificate")
	}
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Generated: %s\n", cert.GeneratedAt.Format(time.RFC3339))
	if cert.Database != "" {
		fmt.Fprintf(&b, "Database:  %s\n", cert.Database)
	}
	if cert.Signer != "" {
		fmt.Fprintf(&b, "Signer:    %s\n", cert.Signer)
	}

	if fp := cert.Computed; fp != nil {
		fmt.Fprintf(&b, "Table:     %s\n", cert.Table)
		fmt.Fprintf(&b, "Algorithm: %s\n", fp.Algorithm)
		fmt.Fprintf(&b, "Strict:    %t\n", cert.Strict)
		fmt.Fprintf(&b, "Rows:      %d\n", fp.Rows)
		fmt.Fprintf(&b, "Expected:  %s\n", cert.Expected)
		fmt.Fprintf(&b, "Computed:  %s\n", fp.Value)
	}

	if len(cert.Tables) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Tables:")
		for _, fp := range cert.Tables {
			fmt.Fprintf(&b, "  %-24s %8d rows  %s:%s\n", fp.Table, fp.Rows, fp.Algorithm, fp.Value)
		}
	}
	if len(cert.Excluded) > 0 {
		fmt.Fprintf(&b, "Excluded:  %s\n", strings.Join(cert.Excluded, ", "))
	}

	if l := cert.Ledger; l != nil {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "Ledger records: %d\n", l.Records)
		fmt.Fprintf(&b, "Ledger head:    %s\n", l.Head)
		if !l.Intact {
			fmt.Fprintf(&b, "Ledger broken at record %d: %s\n", l.BrokenAt, l.Reason)
		}
	}

	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Status: %s\n", status)

	if s := cert.Signature; s != nil {
		fmt.Fprintf(&b, "Signature: %s %s\n", s.Algorithm, s.Value)
		fmt.Fprintf(&b, "Key:       %s\n", s.KeyID)
	} else {
		fmt.Fprintln(&b, "Signature: none")
	}
	return b.Bytes()
}
