package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sspi-data/sspi/internal/pipeline"
	"github.com/sspi-data/sspi/pkg/tree"
)

func newValidateCmd() *cobra.Command {
	var (
		dataDir string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a custom configuration",
		Long: `Validates metadata documents (a JSON array, or an object with "metadata"
and "action_log") and prints the configuration hash. With --data, dataset
codes are checked against the store's dataset index. Use "-" for stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := validateFile(cmd.Context(), cmd, args[0], dataDir)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return fmt.Errorf("encoding JSON: %w", err)
				}
			} else if res.OK {
				fmt.Printf("OK %s\n", res.ConfigHash)
			} else {
				fmt.Printf("Invalid configuration (%d errors):\n", len(res.Errors))
				for _, e := range res.Errors {
					fmt.Printf("  - %s\n", e)
				}
			}
			if !res.OK {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data", "", "Local dataset store directory used to check dataset codes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the validation result as JSON")

	return cmd
}

func newHashCmd() *cobra.Command {
	var (
		outPath  string
		docsPath string
	)
	cmd := &cobra.Command{
		Use:   "hash FILE",
		Short: "Print the configuration hash",
		Long: `Print the configuration hash. With --out the canonical form the hash is
computed over is written to a file; with --docs-out the normalized metadata
documents are written, suitable for resubmission.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildFile(args[0])
			if err != nil {
				return err
			}
			if outPath != "" {
				if err := tree.SaveCanonical(outPath, cfg); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Wrote canonical form to %s\n", outPath)
			}
			if docsPath != "" {
				if err := tree.SaveDocuments(docsPath, cfg); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Wrote normalized documents to %s\n", docsPath)
			}
			fmt.Println(cfg.Hash())
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write the canonical form to this file")
	cmd.Flags().StringVar(&docsPath, "docs-out", "", "write the normalized documents to this file")
	return cmd
}

func validateFile(ctx context.Context, cmd *cobra.Command, path, dataDir string) (pipeline.ValidationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sub, err := readSubmission(path)
	if err != nil {
		return pipeline.ValidationResult{}, err
	}
	svc := pipeline.NewService(nil, nil, nil, nil, pipeline.Options{})
	if dataDir != "" {
		src, err := openSource(ctx, loadConfig(cmd), dataDir)
		if err != nil {
			return pipeline.ValidationResult{}, err
		}
		svc = pipeline.NewService(nil, src, nil, nil, pipeline.Options{})
	}
	return svc.ValidateConfig(ctx, sub)
}

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff BASE HEAD",
		Short: "Compare the indicators of two configurations",
		Long:  `Reports which indicators of HEAD would be recomputed against BASE and which reuse its scores.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := buildFile(args[0])
			if err != nil {
				return err
			}
			head, err := buildFile(args[1])
			if err != nil {
				return err
			}
			printDiff(base, head, tree.ComputeDiff(base.Fingerprints(), head.Fingerprints()))
			return nil
		},
	}
	return cmd
}

func buildFile(path string) (*tree.Config, error) {
	sub, err := readSubmission(path)
	if err != nil {
		return nil, err
	}
	cfg, errs := tree.Build(sub.Metadata, tree.Options{})
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", path, errors.Join(errs...))
	}
	return cfg, nil
}

func printDiff(base, head *tree.Config, d *tree.Diff) {
	fmt.Printf("Diff: %s -> %s\n", shortHash(base.Hash()), shortHash(head.Hash()))
	fmt.Printf("  Added indicators:     %d\n", len(d.Added))
	fmt.Printf("  Removed indicators:   %d\n", len(d.Removed))
	fmt.Printf("  Modified indicators:  %d\n", len(d.Modified))
	fmt.Printf("  Unchanged indicators: %d\n", len(d.Unchanged))

	for _, sec := range []struct {
		title, mark string
		codes       []string
	}{
		{"Added", "+", d.Added},
		{"Removed", "-", d.Removed},
		{"Modified", "~", d.Modified},
	} {
		if len(sec.codes) == 0 {
			continue
		}
		fmt.Printf("\n%s:\n", sec.title)
		for _, c := range sec.codes {
			fmt.Printf("  %s %s\n", sec.mark, c)
		}
	}
}
