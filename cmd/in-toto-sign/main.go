// Command in-toto-sign adds a signature to an existing link or layout
// metadata file, preserving its container (classic Metablock or DSSE
// envelope).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/in-toto/in-toto-sub000/in_toto"
	"github.com/spf13/cobra"
)

func buildCommand() *cobra.Command {
	var (
		inPath  string
		outPath string
		keyPath string
		keyType string
		scheme  string
	)

	cmd := &cobra.Command{
		Use:   "in-toto-sign",
		Short: "Adds a signature to an existing link or layout file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inPath == "" {
				return fmt.Errorf("--file is required")
			}
			metadata, err := in_toto.LoadMetadata(inPath)
			if err != nil {
				return err
			}

			key, err := in_toto.LoadKeyFromFile(keyPath, keyType, scheme)
			if err != nil {
				return err
			}

			if err := metadata.Sign(key); err != nil {
				return err
			}

			dest := outPath
			if dest == "" {
				dest = inPath
			}
			return metadata.Dump(dest)
		},
	}

	cmd.Flags().StringVarP(&inPath, "file", "f", "", "path to the link or layout file to sign (required)")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "path to write the signed file to (defaults to --file, signing in place)")
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "path to the signing key")
	cmd.Flags().StringVar(&keyType, "key-type", in_toto.KeyTypeEd25519, "signing key type (ed25519, rsa, ecdsa, gpg)")
	cmd.Flags().StringVar(&scheme, "scheme", in_toto.SchemeEd25519, "signing scheme")

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
