// Command in-toto-verify verifies an entire supply chain: a signed layout,
// its steps' recorded link metadata, and any nested sublayouts, reporting
// the first failure encountered.
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
		layoutPath  string
		layoutKeys  []string
		linkDir     string
		parameters  []string
		verbose     bool
		maxDepth    int
	)

	cmd := &cobra.Command{
		Use:   "in-toto-verify",
		Short: "Verifies a software supply chain against a signed layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if layoutPath == "" {
				return fmt.Errorf("--layout is required")
			}
			if len(layoutKeys) == 0 {
				return fmt.Errorf("at least one --layout-key is required")
			}

			layoutEnv, err := in_toto.LoadMetadata(layoutPath)
			if err != nil {
				return err
			}

			keys := make(map[string]in_toto.Key, len(layoutKeys))
			for _, keyPath := range layoutKeys {
				key, err := in_toto.LoadKeyFromJSON(keyPath)
				if err != nil {
					return err
				}
				keys[key.KeyID] = key
			}

			params, err := parseParameters(parameters)
			if err != nil {
				return err
			}

			cfg := in_toto.DefaultConfig
			if maxDepth > 0 {
				cfg.MaxSublayoutDepth = maxDepth
			}
			logger := in_toto.NewLogger(verbose)

			_, err = in_toto.InTotoVerify(layoutEnv, keys, linkDir, "root", params, &cfg, logger)
			if err != nil {
				return err
			}
			cmd.Println("PASSED: supply chain verification passed")
			return nil
		},
	}

	cmd.Flags().StringVarP(&layoutPath, "layout", "l", "", "path to the root layout file (required)")
	cmd.Flags().StringSliceVarP(&layoutKeys, "layout-key", "k", nil, "path to a trusted layout verification public key, JSON format (repeatable)")
	cmd.Flags().StringVarP(&linkDir, "link-dir", "d", ".", "directory containing step link metadata")
	cmd.Flags().StringSliceVar(&parameters, "parameter", nil, "NAME=VALUE layout parameter substitution (repeatable)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().IntVar(&maxDepth, "max-sublayout-depth", 0, "override the default sublayout nesting limit")

	return cmd
}

func parseParameters(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, found := strings.Cut(kv, "=")
		if !found {
			return nil, fmt.Errorf("invalid --parameter '%s', expected NAME=VALUE", kv)
		}
		params[name] = value
	}
	return params, nil
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
	for _, marker := range []string{"required flag", "unknown flag", "unknown command", "invalid argument", "accepts", "is required", "invalid --parameter"} {
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
