// Command in-toto-keygen generates an in-toto keypair and writes a private
// key file and a separate public-key JSON file alongside it.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/in-toto/in-toto-sub000/in_toto"
	"github.com/spf13/cobra"
)

func buildCommand() *cobra.Command {
	var (
		name    string
		keyType string
		scheme  string
		rsaBits int
	)

	cmd := &cobra.Command{
		Use:   "in-toto-keygen <name>",
		Short: "Generates an in-toto signing keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name = args[0]

			if scheme == "" {
				switch keyType {
				case in_toto.KeyTypeEd25519:
					scheme = in_toto.SchemeEd25519
				case in_toto.KeyTypeRSA:
					scheme = in_toto.SchemeRSASSAPSSSHA256
				case in_toto.KeyTypeECDSA:
					scheme = in_toto.SchemeECDSASHA2NISTP256
				default:
					return fmt.Errorf("--scheme is required for key type '%s'", keyType)
				}
			}

			key, err := in_toto.GenerateKeyPair(keyType, scheme, rsaBits)
			if err != nil {
				return err
			}

			privBytes, err := json.MarshalIndent(key, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(name, privBytes, 0600); err != nil {
				return err
			}

			pubBytes, err := json.MarshalIndent(key.PublicOnly(), "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(name+".pub", pubBytes, 0644); err != nil {
				return err
			}

			cmd.Printf("generated keypair '%s' (keyid %s)\n", name, key.KeyID)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyType, "type", in_toto.KeyTypeEd25519, "key type: ed25519, rsa, or ecdsa")
	cmd.Flags().StringVar(&scheme, "scheme", "", "signature scheme (defaults to the standard scheme for --type)")
	cmd.Flags().IntVar(&rsaBits, "rsa-bits", 2048, "RSA key size in bits (only used for --type rsa)")

	return cmd
}

func run(args []string) (int, error) {
	cmd := buildCommand()
	cmd.SilenceUsage = true
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if isUsageError(err) {
			return 2, err
		}
		return 1, err
	}
	return 0, nil
}

func isUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"required flag", "unknown flag", "unknown command", "invalid argument", "accepts", "is required"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}
