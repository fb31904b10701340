// Command in-toto-run executes a command and records a signed link
// metadata file for it, in one shot: materials are resolved before the
// command runs, products after.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/in-toto/in-toto-sub000/in_toto"
	"github.com/spf13/cobra"
)

func buildCommand() *cobra.Command {
	var (
		stepName        string
		materials       []string
		products        []string
		keyPath         string
		keyType         string
		scheme          string
		linkDir         string
		useDSSE         bool
		excludePatterns []string
		lstripPaths     []string
		timeoutSecs     int
	)

	cmd := &cobra.Command{
		Use:   "in-toto-run -- <command> [args...]",
		Short: "Executes a command and records a signed link for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stepName == "" {
				return fmt.Errorf("--step-name is required")
			}
			key, err := in_toto.LoadKeyFromFile(keyPath, keyType, scheme)
			if err != nil {
				return err
			}

			cfg := in_toto.DefaultConfig
			cfg.ArtifactExcludePatterns = excludePatterns
			cfg.LstripPaths = lstripPaths
			if timeoutSecs > 0 {
				cfg.LinkCmdExecTimeout = time.Duration(timeoutSecs) * time.Second
			}

			_, err = in_toto.InTotoRun(stepName, materials, products, args, key, &cfg, linkDir, useDSSE)
			return err
		},
	}

	cmd.Flags().StringVarP(&stepName, "step-name", "n", "", "name of this step (required)")
	cmd.Flags().StringSliceVarP(&materials, "materials", "m", nil, "material URIs to record before running the command")
	cmd.Flags().StringSliceVarP(&products, "products", "p", nil, "product URIs to record after running the command")
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "path to the signing key")
	cmd.Flags().StringVar(&keyType, "key-type", in_toto.KeyTypeEd25519, "signing key type (ed25519, rsa, ecdsa, gpg)")
	cmd.Flags().StringVar(&scheme, "scheme", in_toto.SchemeEd25519, "signing scheme")
	cmd.Flags().StringVarP(&linkDir, "metadata-directory", "d", ".", "directory to write the link file to")
	cmd.Flags().BoolVar(&useDSSE, "dsse", false, "wrap the link in a DSSE envelope instead of a classic metablock")
	cmd.Flags().StringSliceVar(&excludePatterns, "exclude", nil, "artifact exclude patterns")
	cmd.Flags().StringSliceVar(&lstripPaths, "lstrip-paths", nil, "path prefixes to strip from recorded artifact keys")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "command execution timeout in seconds (0 uses the package default)")

	return cmd
}

// run builds and executes the command tree against args, returning the exit
// code spec.md §6 defines: 0 success, 1 runtime/verification failure, 2
// argument/metadata parsing error. Kept separate from main so it is
// testable without a process exit.
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
