package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"wi-go/internal/app"
	"wi-go/internal/config"
	"wi-go/internal/coordinator"
	"wi-go/internal/encryption"
	wifs "wi-go/internal/fs"
	"wi-go/internal/ledger"
	"wi-go/internal/snapshot"
	"wi-go/internal/wi"
)

// errNegativeVerdict marks a command that ran successfully but reports a
// failed verification or detected drift. It exits with status 2.
var errNegativeVerdict = errors.New("negative verdict")

var verbose bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errNegativeVerdict):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "wi: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and opens a session. The caller must defer
// app.Close().
func newApp() (*app.WIApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewWIApp(cfg, verbose)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// keySource resolves the --passphrase and --key-file flags. The passphrase
// is read here, before any session or transaction is opened.
func keySource(cmd *cobra.Command, cfg *config.Config, confirm bool) (encryption.KeySource, error) {
	prompt, _ := cmd.Flags().GetBool("passphrase")
	keyFile, _ := cmd.Flags().GetString("key-file")

	if prompt && keyFile != "" {
		return encryption.KeySource{}, fmt.Errorf("use either --passphrase or --key-file")
	}

	var passphrase string
	if prompt {
		var err error
		passphrase, err = readPassphrase(confirm)
		if err != nil {
			return encryption.KeySource{}, err
		}
	}
	return encryption.ResolveKeySource(cfg.Encryption, passphrase, keyFile), nil
}

func readPassphrase(confirm bool) (string, error) {
	read := func(label string) (string, error) {
		fmt.Fprint(os.Stderr, label)
		if term.IsTerminal(int(os.Stdin.Fd())) {
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			return string(b), err
		}
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	p, err := read("Passphrase: ")
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if p == "" {
		return "", fmt.Errorf("empty passphrase")
	}
	if confirm && term.IsTerminal(int(os.Stdin.Fd())) {
		again, err := read("Confirm passphrase: ")
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		if again != p {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return p, nil
}

func addKeyFlags(cmd *cobra.Command) {
	cmd.Flags().BoolP("passphrase", "p", false, "Prompt for a passphrase instead of using a key file")
	cmd.Flags().String("key-file", "", "Key file (default: encryption.key_file from config)")
}

func addHashFlags(cmd *cobra.Command) {
	cmd.Flags().String("algorithm", "", "Digest algorithm: sha256 or sha512")
	cmd.Flags().String("salt", "", "Salt mixed in before any row data")
	cmd.Flags().StringSlice("exclude-cols", nil, "Columns to leave out of the digest")
	cmd.Flags().Int("chunk-size", 0, "Rows fed to the digest per batch")
	cmd.Flags().Bool("strict", false, "Include the column signature in the digest")
}

func hashOptions(cmd *cobra.Command) app.HashOptions {
	alg, _ := cmd.Flags().GetString("algorithm")
	salt, _ := cmd.Flags().GetString("salt")
	exclude, _ := cmd.Flags().GetStringSlice("exclude-cols")
	chunk, _ := cmd.Flags().GetInt("chunk-size")
	strict, _ := cmd.Flags().GetBool("strict")

	o := app.HashOptions{Algorithm: alg, Salt: salt, Exclude: exclude, ChunkSize: chunk}
	if strict {
		o.Scope = string(wi.ScopeDataAndSchema)
	}
	return o
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeOutput writes data to path atomically, or to stdout when path is empty.
func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return wifs.WriteAtomic(path, 0644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

var rootCmd = &cobra.Command{
	Use:           "wi",
	Short:         "Audit, integrity and versioning for SQLite databases",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["actor"], defaults["base_dir"])
		if db, _ := cmd.Flags().GetString("database"); db != "" {
			cfg.Database.Path = db
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Actor:    %s\n", cfg.Actor)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Actor:     %s\n", cfg.Actor)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Database:  %s %s\n", cfg.Database.Type, cfg.Database.Path)
		fmt.Printf("Hashing:   %s, scope %s, chunk %d\n", cfg.Hashing.Algorithm, cfg.Hashing.Scope, cfg.Hashing.ChunkSize)
		fmt.Printf("Key File:  %s\n", cfg.Encryption.KeyFile)
		fmt.Printf("Signer:    %s\n", cfg.Signing.Signer)
		fmt.Printf("Threshold: %g\n", cfg.Drift.Threshold)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the audited database",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision the audit and snapshot tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Provision(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Database %s is managed (schema version %d)\n", res.Path, res.SchemaVersion)
		return nil
	},
}

var dbCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the SQLite integrity check",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		quick, _ := cmd.Flags().GetBool("quick")
		findings, err := a.IntegrityCheck(cmd.Context(), quick)
		if err != nil {
			return err
		}
		for _, f := range findings {
			fmt.Println(f)
		}
		if len(findings) != 1 || findings[0] != "ok" {
			return errNegativeVerdict
		}
		return nil
	},
}

// audit command
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Ledger, fingerprints, snapshots and column encryption",
}

var auditLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show ledger records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		actor, _ := cmd.Flags().GetString("actor")
		op, _ := cmd.Flags().GetString("operation")
		target, _ := cmd.Flags().GetString("target")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		f := ledger.Filter{Actor: actor, Operation: wi.Operation(op), Target: target, Limit: limit}
		if since > 0 {
			f.Since = time.Now().Add(-since)
		}

		recs, err := a.Log(cmd.Context(), f)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(recs)
		}
		for _, r := range recs {
			fmt.Printf("#%d  %s  %-10s  %-20s  %-8s  %s  %s\n",
				r.ID,
				r.Timestamp.Format("2006-01-02 15:04:05"),
				r.Actor,
				r.Operation,
				r.Status,
				r.Target,
				r.Detail,
			)
		}
		return nil
	},
}

var auditVerifyChainCmd = &cobra.Command{
	Use:   "verify-chain",
	Short: "Verify the ledger hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.VerifyChain(cmd.Context())
		if err != nil {
			return err
		}
		if !report.Intact {
			fmt.Printf("Chain broken at record %d: %s\n", report.BrokenAt, report.Reason)
			return errNegativeVerdict
		}
		fmt.Printf("Chain intact: %d record(s), head %s\n", report.Records, report.Head)
		return nil
	},
}

var auditHashCreateCmd = &cobra.Command{
	Use:   "hash-create TABLE",
	Short: "Fingerprint a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		fp, err := a.HashCreate(cmd.Context(), args[0], hashOptions(cmd))
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(fp)
		}
		fmt.Printf("%s  %s (%s, %d rows)\n", fp.Value, fp.Table, fp.Algorithm, fp.Rows)
		return nil
	},
}

var auditHashVerifyCmd = &cobra.Command{
	Use:   "hash-verify TABLE EXPECTED",
	Short: "Verify a table against a fingerprint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		format, _ := cmd.Flags().GetString("report-format")
		if format == "" {
			res, err := a.HashVerify(cmd.Context(), args[0], args[1], hashOptions(cmd))
			if err != nil {
				return err
			}
			if !res.Match {
				fmt.Printf("Verification failed (%s)\nExpected: %s\nActual:   %s\n", res.Computed.Algorithm, res.Expected, res.Computed.Value)
				return errNegativeVerdict
			}
			fmt.Printf("Integrity verified (%s)\n", res.Computed.Algorithm)
			return nil
		}

		strict, _ := cmd.Flags().GetBool("strict")
		signer, _ := cmd.Flags().GetString("signer")
		keyFile, _ := cmd.Flags().GetString("signer-key")
		output, _ := cmd.Flags().GetString("output")

		cert, out, err := a.VerifyReport(cmd.Context(), args[0], args[1], app.ReportOptions{
			Strict:  strict,
			Format:  format,
			Signer:  signer,
			KeyFile: keyFile,
			Hash:    hashOptions(cmd),
		})
		if err != nil {
			return err
		}
		if err := writeOutput(output, out); err != nil {
			return err
		}
		if !cert.Verified {
			return errNegativeVerdict
		}
		return nil
	},
}

var auditExportCertCmd = &cobra.Command{
	Use:   "export-cert",
	Short: "Export a chain-of-custody certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		signer, _ := cmd.Flags().GetString("signer")
		keyFile, _ := cmd.Flags().GetString("signer-key")
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		alg, _ := cmd.Flags().GetString("algorithm")
		exclude, _ := cmd.Flags().GetStringSlice("exclude-tables")
		if from, _ := cmd.Flags().GetString("exclude-from"); from != "" {
			patterns, err := coordinator.ReadPatternFile(from)
			if err != nil {
				return err
			}
			exclude = append(exclude, patterns...)
		}

		cert, out, err := a.ExportCertificate(cmd.Context(), app.ReportOptions{
			Format:  format,
			Signer:  signer,
			KeyFile: keyFile,
			Hash:    app.HashOptions{Algorithm: alg},

			ExcludeTables: exclude,
		})
		if err != nil {
			return err
		}
		if err := writeOutput(output, out); err != nil {
			return err
		}
		if output != "" {
			fmt.Printf("Certificate written to %s\n", output)
		}
		if !cert.Verified {
			return errNegativeVerdict
		}
		return nil
	},
}

var auditSnapshotCmd = &cobra.Command{
	Use:   "snapshot TABLE NAME",
	Short: "Snapshot a table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		comment, _ := cmd.Flags().GetString("comment")
		snap, err := a.Snapshot(cmd.Context(), args[0], args[1], comment)
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot %s of %s created (%d rows)\n", snap.Name, snap.SourceTable, snap.RowCount)
		return nil
	},
}

var auditSnapshotsCmd = &cobra.Command{
	Use:   "snapshots [TABLE]",
	Short: "List snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var table string
		if len(args) == 1 {
			table = args[0]
		}
		snaps, err := a.Snapshots(cmd.Context(), table)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(snaps)
		}
		for _, s := range snaps {
			fmt.Printf("%-20s  %-20s  %s  %8d rows  %s\n",
				s.Name, s.SourceTable, s.CreatedAt.Format("2006-01-02 15:04:05"), s.RowCount, s.Comment)
		}
		return nil
	},
}

var auditRollbackCmd = &cobra.Command{
	Use:   "rollback TABLE NAME",
	Short: "Restore a table from a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		force, _ := cmd.Flags().GetBool("force")

		report, err := a.Rollback(cmd.Context(), args[0], args[1], snapshot.RestoreOptions{DryRun: dryRun, Force: force})
		if err != nil {
			return err
		}

		verb := "Restored"
		if dryRun {
			verb = "Would restore"
		}
		fmt.Printf("%s %s from %s: %d -> %d rows\n", verb, report.Table, report.Snapshot, report.RowsBefore, report.RowsAfter)
		fmt.Printf("Rows only in live table: %d, only in snapshot: %d\n", report.RowsOnlyInLive, report.RowsOnlyInSnapshot)
		if len(report.ColumnsAdded) > 0 {
			fmt.Printf("Columns added:   %s\n", strings.Join(report.ColumnsAdded, ", "))
		}
		if len(report.ColumnsRemoved) > 0 {
			fmt.Printf("Columns removed: %s\n", strings.Join(report.ColumnsRemoved, ", "))
		}
		for _, c := range report.TypeChanges {
			fmt.Printf("Type change:     %s\n", c)
		}
		if len(report.ReferencedBy) > 0 {
			fmt.Printf("Referenced by:   %s (restore refused)\n", strings.Join(report.ReferencedBy, ", "))
		}
		return nil
	},
}

var auditEncryptColCmd = &cobra.Command{
	Use:   "encrypt-col TABLE COLUMN",
	Short: "Encrypt a column in place",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ks, err := keySource(cmd, cfg, true)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.EncryptColumn(cmd.Context(), args[0], args[1], ks)
		if err != nil {
			return err
		}
		if res.KeyGenerated {
			fmt.Printf("Generated key file %s\n", ks.KeyFile)
		}
		fmt.Printf("Encrypted %d cell(s) of %s.%s, skipped %d\n", res.Encrypted, res.Table, res.Column, res.Skipped)
		return nil
	},
}

var auditAnonymizeCmd = &cobra.Command{
	Use:   "anonymize TABLE COLUMN",
	Short: "Mask, hash or redact a column in place (irreversible)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		chars, _ := cmd.Flags().GetInt("chars")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Anonymize(cmd.Context(), args[0], args[1], encryption.AnonymizeOptions{
			Method: encryption.AnonymizeMethod(method),
			Chars:  chars,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Anonymized %d cell(s) of %s.%s with %s, skipped %d\n", res.Anonymized, res.Table, res.Column, method, res.Skipped)
		return nil
	},
}

var auditDecryptColCmd = &cobra.Command{
	Use:   "decrypt-col TABLE COLUMN",
	Short: "Decrypt a column in place",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ks, err := keySource(cmd, cfg, false)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.DecryptColumn(cmd.Context(), args[0], args[1], ks)
		if res != nil {
			fmt.Printf("Decrypted %d cell(s) of %s.%s, skipped %d\n", res.Decrypted, res.Table, res.Column, res.Skipped)
			for _, f := range res.Failures {
				fmt.Printf("  row %d: %v\n", f.RowID, f.Err)
			}
		}
		return err
	},
}

var auditDriftCheckCmd = &cobra.Command{
	Use:   "drift-check TABLE",
	Short: "Compare numeric columns with a baseline snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		baseline, _ := cmd.Flags().GetString("baseline")
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		report, err := a.DriftCheck(cmd.Context(), args[0], baseline, threshold)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			fmt.Printf("Drift check: %s vs %s (threshold %g)\n", report.Table, report.Baseline, report.Threshold)
			for _, c := range report.Columns {
				result := "OK"
				switch {
				case c.Insufficient:
					result = "INSUFFICIENT DATA"
				case c.Drifted:
					result = "DRIFT"
				}
				fmt.Printf("  %-20s  %s  D=%.4f  p=%.4f  %s\n", c.Column, c.Test, c.Statistic, c.PValue, result)
			}
		}
		if report.DriftDetected {
			return errNegativeVerdict
		}
		return nil
	},
}

// encrypt / decrypt commands
var encryptCmd = &cobra.Command{
	Use:   "encrypt SRC DST",
	Short: "Encrypt a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ks, err := keySource(cmd, cfg, true)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.EncryptFile(cmd.Context(), args[0], args[1], ks)
		if err != nil {
			return err
		}
		if res.KeyGenerated {
			fmt.Printf("Generated key file %s\n", res.KeyFile)
		}
		fmt.Printf("Encrypted %s -> %s (%d bytes)\n", res.Source, res.Destination, res.Bytes)
		return nil
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt SRC DST",
	Short: "Decrypt a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ks, err := keySource(cmd, cfg, false)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.DecryptFile(cmd.Context(), args[0], args[1], ks)
		if err != nil {
			return err
		}
		fmt.Printf("Decrypted %s -> %s (%d bytes)\n", res.Source, res.Destination, res.Bytes)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Echo log records to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("database", "", "Path of the database to audit")

	// db subcommands
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbCheckCmd)
	dbCheckCmd.Flags().Bool("quick", false, "Run quick_check instead of integrity_check")

	// audit subcommands
	auditCmd.AddCommand(auditLogCmd)
	auditLogCmd.Flags().String("actor", "", "Only records by this actor")
	auditLogCmd.Flags().String("operation", "", "Only records of this operation (e.g. audit.snapshot)")
	auditLogCmd.Flags().String("target", "", "Only records about this target")
	auditLogCmd.Flags().Duration("since", 0, "Only records newer than this (e.g. 24h)")
	auditLogCmd.Flags().IntP("limit", "n", ledger.DefaultLimit, "Maximum number of records to show")
	auditLogCmd.Flags().Bool("json", false, "Print JSON")

	auditCmd.AddCommand(auditVerifyChainCmd)

	auditCmd.AddCommand(auditHashCreateCmd)
	addHashFlags(auditHashCreateCmd)
	auditHashCreateCmd.Flags().Bool("json", false, "Print JSON")

	auditCmd.AddCommand(auditHashVerifyCmd)
	addHashFlags(auditHashVerifyCmd)
	auditHashVerifyCmd.Flags().String("report-format", "", "Render a certificate: json or text")
	auditHashVerifyCmd.Flags().String("signer", "", "Signer name (default: signing.signer from config)")
	auditHashVerifyCmd.Flags().String("signer-key", "", "Key file used to sign the certificate")
	auditHashVerifyCmd.Flags().StringP("output", "o", "", "Certificate path (default: stdout)")

	auditCmd.AddCommand(auditExportCertCmd)
	auditExportCertCmd.Flags().String("signer", "", "Signer name (default: signing.signer from config)")
	auditExportCertCmd.Flags().String("signer-key", "", "Key file used to sign the certificate")
	auditExportCertCmd.Flags().String("format", "json", "Certificate format: json or text")
	auditExportCertCmd.Flags().String("algorithm", "", "Digest algorithm for table fingerprints")
	auditExportCertCmd.Flags().StringP("output", "o", "", "Certificate path (default: stdout)")
	auditExportCertCmd.Flags().StringSlice("exclude-tables", nil, "Glob patterns of tables to leave out")
	auditExportCertCmd.Flags().String("exclude-from", "", "File with one table pattern per line")

	auditCmd.AddCommand(auditSnapshotCmd)
	auditSnapshotCmd.Flags().StringP("comment", "m", "", "Snapshot comment")

	auditCmd.AddCommand(auditSnapshotsCmd)
	auditSnapshotsCmd.Flags().Bool("json", false, "Print JSON")

	auditCmd.AddCommand(auditRollbackCmd)
	auditRollbackCmd.Flags().Bool("dry-run", false, "Report the changes without applying them")
	auditRollbackCmd.Flags().Bool("force", false, "Restore even when column types changed")

	auditCmd.AddCommand(auditEncryptColCmd)
	addKeyFlags(auditEncryptColCmd)
	auditCmd.AddCommand(auditDecryptColCmd)
	addKeyFlags(auditDecryptColCmd)
	auditCmd.AddCommand(auditAnonymizeCmd)
	auditAnonymizeCmd.Flags().String("method", string(encryption.MethodMask), "Anonymization method: mask, hash or redact")
	auditAnonymizeCmd.Flags().Int("chars", encryption.DefaultMaskChars, "Leading characters hidden by mask")

	auditCmd.AddCommand(auditDriftCheckCmd)
	auditDriftCheckCmd.Flags().String("baseline", "", "Baseline snapshot name")
	auditDriftCheckCmd.MarkFlagRequired("baseline")
	auditDriftCheckCmd.Flags().Float64("threshold", 0, "Significance level (default: drift.threshold from config)")
	auditDriftCheckCmd.Flags().Bool("json", false, "Print JSON")

	// root commands
	addKeyFlags(encryptCmd)
	addKeyFlags(decryptCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
}
