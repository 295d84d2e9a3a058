package cmd

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/caucase/backup"
	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/internal/config"
	"github.com/jmcleod/caucase/internal/util"
	"github.com/jmcleod/caucase/pki"
	"github.com/jmcleod/caucase/storage"
	bboltstore "github.com/jmcleod/caucase/storage/bbolt"
)

// ErrNothingImported is returned by import-ca when no file held a usable
// CA key pair.
var ErrNothingImported = errors.New("no CA key pair imported")

// readPassphrase prompts for a passphrase on the terminal.
var readPassphrase = func(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return util.NormalizePassphrase(string(raw)), nil
}

var manageCmd = &cobra.Command{
	Use:   "manage",
	Short: "Offline maintenance of the caucased database",
	Long: `Offline maintenance of the caucased database.

These commands must not run while caucased uses the same database.`,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore-backup BACKUP KEY CSR CRT",
	Short: "Restore a backup into a new database",
	Long: `Restore BACKUP into the database named by --db, which must not exist.

KEY is the private key of a user certificate able to decrypt the backup.
That certificate gets renewed with the request read from CSR, the renewed
certificate is written to CRT, and the old one is revoked.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return restoreBackup(cmd.Context(), cfg, args[0], args[1], args[2], args[3])
	},
}

var importCACmd = &cobra.Command{
	Use:   "import-ca FILE...",
	Short: "Import CA key pairs for the service authority",
	Long: `Import CA certificates and their private keys from PEM files.

Certificates which are not CA certificates, or whose key is not found in
any FILE, are skipped. Encrypted keys prompt for a passphrase.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return importCA(cmd.Context(), cmd.OutOrStdout(), cfg, args)
	},
}

var importCRLCmd = &cobra.Command{
	Use:   "import-crl FILE...",
	Short: "Import revocations from CRLs of the service authority",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return importCRL(cmd.Context(), cmd.OutOrStdout(), cfg, args)
	},
}

var exportCACmd = &cobra.Command{
	Use:   "export-ca FILE",
	Short: "Export the service authority CA key pairs",
	Long: `Write every CA certificate of the service authority, with its private
key encrypted with a passphrase, to FILE. FILE must not exist.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if !bytes.Equal(passphrase, confirm) {
			return errors.New("passphrases do not match")
		}
		if len(passphrase) == 0 {
			return errors.New("empty passphrase")
		}
		return exportCA(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], passphrase)
	},
}

func init() {
	manageCmd.AddCommand(restoreBackupCmd, importCACmd, importCRLCmd, exportCACmd)
	rootCmd.AddCommand(manageCmd)
}

func restoreBackup(ctx context.Context, c *config.Config, backupPath, keyPath, csrPath, crtPath string) error {
	if _, err := os.Stat(c.DB); err == nil {
		return fmt.Errorf("database %s already exists", c.DB)
	}
	if _, err := os.Stat(crtPath); err == nil {
		return fmt.Errorf("%s already exists", crtPath)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	csrPEM, err := os.ReadFile(csrPath)
	if err != nil {
		return err
	}
	f, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var store *bboltstore.Store
	defer func() {
		if store != nil {
			store.Close()
		}
	}()
	replay := func(dump io.Reader) error {
		return bboltstore.Restore(c.DB, dump, nil)
	}
	open := func(ctx context.Context) (*ca.Authority, error) {
		var err error
		if store, err = bboltstore.Open(c.DB, cauStoreOptions(c), nil); err != nil {
			return nil, err
		}
		return newCAU(ctx, store, c, true)
	}
	crtPEM, err := backup.Restore(ctx, f, keyPEM, csrPEM, replay, open)
	if err != nil {
		return err
	}
	return os.WriteFile(crtPath, crtPEM, 0o644)
}

// withCAS runs fn on the service authority of c.DB, without generating
// any CA key pair.
func withCAS(ctx context.Context, c *config.Config, fn func(*ca.Authority) error) error {
	db, err := openDB(c.DB)
	if err != nil {
		return err
	}
	cas, err := newCAS(ctx, db, c, true)
	if err == nil {
		err = fn(cas)
	}
	return errors.Join(err, db.Close())
}

// pemBlocks splits data into its PEM blocks, re-encoded one by one.
func pemBlocks(data []byte, match func(blockType string) bool) [][]byte {
	var out [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return out
		}
		if match(block.Type) {
			out = append(out, pem.EncodeToMemory(block))
		}
	}
}

func isPrivateKey(blockType string) bool {
	return strings.HasSuffix(blockType, "PRIVATE KEY")
}

func importCA(ctx context.Context, out io.Writer, c *config.Config, files []string) error {
	var (
		crts       []*x509.Certificate
		keyPEMs    [][]byte
		passphrase []byte
	)
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		for _, crtPEM := range pki.SplitCertificates(data) {
			crt, err := pki.ParseCertificate(crtPEM)
			if err != nil {
				fmt.Fprintf(out, "Skipping unparsable certificate in %s: %v\n", name, err)
				continue
			}
			crts = append(crts, crt)
		}
		keyPEMs = append(keyPEMs, pemBlocks(data, isPrivateKey)...)
	}

	keys := make(map[string]crypto.Signer, len(keyPEMs))
	for _, keyPEM := range keyPEMs {
		if pki.IsEncryptedPrivateKey(keyPEM) && passphrase == nil {
			var err error
			if passphrase, err = readPassphrase("Key passphrase: "); err != nil {
				return err
			}
		}
		key, err := pki.LoadPrivateKey(keyPEM, passphrase)
		if err != nil {
			fmt.Fprintf(out, "Skipping unreadable private key: %v\n", err)
			continue
		}
		id, err := pki.KeyIdentifierHex(key.Public())
		if err != nil {
			return err
		}
		keys[id] = key
	}

	return withCAS(ctx, c, func(cas *ca.Authority) error {
		known, err := cas.ExportCAKeyPairs(ctx)
		if err != nil {
			return err
		}
		imported := 0
		for _, crt := range crts {
			if !crt.IsCA {
				fmt.Fprintf(out, "Skipping non-CA certificate %s\n", crt.Subject)
				continue
			}
			id, err := pki.KeyIdentifierHex(crt.PublicKey)
			if err != nil {
				return err
			}
			key, ok := keys[id]
			if !ok {
				fmt.Fprintf(out, "Skipping CA certificate %s: private key not found\n", crt.Subject)
				continue
			}
			crtPEM := pki.DumpCertificate(crt.Raw)
			if knownCertificate(known, crtPEM) {
				fmt.Fprintf(out, "Skipping already known CA certificate %s\n", crt.Subject)
				continue
			}
			keyPEM, err := pki.DumpPrivateKey(key)
			if err != nil {
				return err
			}
			if err := cas.ImportCAKeyPair(ctx, crtPEM, keyPEM); err != nil {
				fmt.Fprintf(out, "Skipping CA certificate %s: %v\n", crt.Subject, err)
				continue
			}
			known = append(known, storage.CAKeyPair{CertPEM: crtPEM})
			imported++
			fmt.Fprintf(out, "Imported CA certificate %s, expiring %s\n", crt.Subject, crt.NotAfter.UTC())
		}
		if imported == 0 {
			return ErrNothingImported
		}
		return nil
	})
}

func knownCertificate(pairs []storage.CAKeyPair, crtPEM []byte) bool {
	for _, p := range pairs {
		if bytes.Equal(bytes.TrimSpace(p.CertPEM), bytes.TrimSpace(crtPEM)) {
			return true
		}
	}
	return false
}

func importCRL(ctx context.Context, out io.Writer, c *config.Config, files []string) error {
	return withCAS(ctx, c, func(cas *ca.Authority) error {
		trusted, err := cas.CACertificates(ctx)
		if err != nil {
			return err
		}
		store := cas.Storage()
		number, lastUpdate, err := store.CurrentCRLNumberAndLastUpdate(ctx)
		if err != nil {
			return err
		}
		maxNumber := new(big.Int).SetUint64(number)
		latestUpdate := lastUpdate

		revoked, already := 0, 0
		for _, name := range files {
			data, err := os.ReadFile(name)
			if err != nil {
				return err
			}
			for _, crlPEM := range pemBlocks(data, func(t string) bool { return t == "X509 CRL" }) {
				crl, err := pki.LoadCRL(crlPEM, trusted)
				if err != nil {
					fmt.Fprintf(out, "Skipping CRL in %s: %v\n", name, err)
					continue
				}
				for _, entry := range crl.RevokedCertificateEntries {
					err := cas.RevokeSerial(ctx, entry.SerialNumber)
					switch {
					case errors.Is(err, storage.ErrFound):
						already++
					case err != nil:
						return err
					default:
						revoked++
					}
				}
				if crl.Number != nil && crl.Number.Cmp(maxNumber) > 0 {
					maxNumber.Set(crl.Number)
				}
				if crl.ThisUpdate.After(latestUpdate) {
					latestUpdate = crl.ThisUpdate
				}
			}
		}
		if !maxNumber.IsUint64() {
			return fmt.Errorf("CRL number %s out of range", maxNumber)
		}
		// Revocations above advanced the counter.
		if number, _, err = store.CurrentCRLNumberAndLastUpdate(ctx); err != nil {
			return err
		}
		if maxNumber.Uint64() > number {
			if err := store.StoreCRLNumber(ctx, maxNumber.Uint64()); err != nil {
				return err
			}
		}
		if latestUpdate.After(lastUpdate) {
			if err := store.StoreCRLLastUpdate(ctx, latestUpdate); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "Revoked %d certificates (%d were already revoked)\n", revoked, already)
		return nil
	})
}

func exportCA(ctx context.Context, out io.Writer, c *config.Config, path string, passphrase []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	err = withCAS(ctx, c, func(cas *ca.Authority) error {
		pairs, err := cas.ExportCAKeyPairs(ctx)
		if err != nil {
			return err
		}
		for _, pair := range pairs {
			key, err := pki.LoadPrivateKey(pair.KeyPEM, nil)
			if err != nil {
				return err
			}
			keyPEM, err := pki.DumpEncryptedPrivateKey(key, passphrase)
			if err != nil {
				return err
			}
			if _, err := f.Write(append(bytes.Clone(pair.CertPEM), keyPEM...)); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "Exported %d CA key pairs\n", len(pairs))
		return nil
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}
