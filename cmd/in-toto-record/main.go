// Command in-toto-record implements the two-phase link recording variant:
// `record start` captures materials and writes an unfinished link; a later
// `record stop` resumes it, captures products, and finishes the link.
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
		stepName    string
		keyPath     string
		keyType     string
		scheme      string
		linkDir     string
		useDSSE     bool
		materials   []string
		products    []string
		lstripPaths []string
	)

	root := &cobra.Command{
		Use:   "in-toto-record",
		Short: "Two-phase link recording (start/stop)",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Resolve materials and write an unfinished link",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stepName == "" {
				return fmt.Errorf("--step-name is required")
			}
			key, err := in_toto.LoadKeyFromFile(keyPath, keyType, scheme)
			if err != nil {
				return err
			}
			cfg := in_toto.DefaultConfig
			cfg.LstripPaths = lstripPaths
			_, err = in_toto.RecordStart(stepName, materials, key, &cfg, linkDir)
			return err
		},
	}
	startCmd.Flags().StringVarP(&stepName, "step-name", "n", "", "name of this step (required)")
	startCmd.Flags().StringSliceVarP(&materials, "materials", "m", nil, "material URIs to record")
	startCmd.Flags().StringVarP(&keyPath, "key", "k", "", "path to the signing key")
	startCmd.Flags().StringVar(&keyType, "key-type", in_toto.KeyTypeEd25519, "signing key type")
	startCmd.Flags().StringVar(&scheme, "scheme", in_toto.SchemeEd25519, "signing scheme")
	startCmd.Flags().StringVarP(&linkDir, "metadata-directory", "d", ".", "directory to write the unfinished link to")
	startCmd.Flags().StringSliceVar(&lstripPaths, "lstrip-paths", nil, "path prefixes to strip from recorded artifact keys")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Resume an unfinished link, record products, and finish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stepName == "" {
				return fmt.Errorf("--step-name is required")
			}
			key, err := in_toto.LoadKeyFromFile(keyPath, keyType, scheme)
			if err != nil {
				return err
			}
			cfg := in_toto.DefaultConfig
			cfg.LstripPaths = lstripPaths
			_, err = in_toto.RecordStop(stepName, products, args, map[string]interface{}{}, key, &cfg, linkDir, useDSSE)
			return err
		},
	}
	stopCmd.Flags().StringVarP(&stepName, "step-name", "n", "", "name of this step (required)")
	stopCmd.Flags().StringSliceVarP(&products, "products", "p", nil, "product URIs to record")
	stopCmd.Flags().StringVarP(&keyPath, "key", "k", "", "path to the signing key (must match the key that started this link)")
	stopCmd.Flags().StringVar(&keyType, "key-type", in_toto.KeyTypeEd25519, "signing key type")
	stopCmd.Flags().StringVar(&scheme, "scheme", in_toto.SchemeEd25519, "signing scheme")
	stopCmd.Flags().StringVarP(&linkDir, "metadata-directory", "d", ".", "directory the unfinished link lives in")
	stopCmd.Flags().BoolVar(&useDSSE, "dsse", false, "wrap the finished link in a DSSE envelope instead of a classic metablock")
	stopCmd.Flags().StringSliceVar(&lstripPaths, "lstrip-paths", nil, "path prefixes to strip from recorded artifact keys")

	root.AddCommand(startCmd, stopCmd)
	return root
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
