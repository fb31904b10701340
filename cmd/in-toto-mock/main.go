// Command in-toto-mock runs a command and records a link for it signed by a
// throwaway, freshly generated ed25519 key, for local testing of a supply
// chain step without provisioning real key material.
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
		stepName  string
		materials []string
		products  []string
	)

	cmd := &cobra.Command{
		Use:   "in-toto-mock -- <command> [args...]",
		Short: "Records a link for a command, signed with an ephemeral throwaway key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stepName == "" {
				return fmt.Errorf("--step-name is required")
			}
			key, err := in_toto.GenerateKeyPair(in_toto.KeyTypeEd25519, in_toto.SchemeEd25519, 0)
			if err != nil {
				return err
			}

			mats := materials
			if len(mats) == 0 {
				mats = []string{"."}
			}
			prods := products
			if len(prods) == 0 {
				prods = []string{"."}
			}

			_, err = in_toto.InTotoRun(stepName, mats, prods, args, key, &in_toto.DefaultConfig, ".", false)
			return err
		},
	}

	cmd.Flags().StringVarP(&stepName, "step-name", "n", "", "name of this step (required)")
	cmd.Flags().StringSliceVarP(&materials, "materials", "m", nil, "material URIs to record (default \".\")")
	cmd.Flags().StringSliceVarP(&products, "products", "p", nil, "product URIs to record (default \".\")")

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
