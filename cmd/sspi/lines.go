package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newLinesCmd() *cobra.Command {
	var (
		item         string
		countries    []string
		cacheBackend string
	)

	cmd := &cobra.Command{
		Use:   "lines HASH",
		Short: "Print cached line-chart documents of one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cache, err := openCache(ctx, loadConfig(cmd), cacheBackend)
			if err != nil {
				return err
			}
			defer cache.Close()

			lines, err := cache.LineData(ctx, args[0], item, countries)
			if err != nil {
				return fmt.Errorf("reading lines: %w", err)
			}
			if len(lines) == 0 {
				return fmt.Errorf("no cached lines for %s in %s", item, args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(lines); err != nil {
				return fmt.Errorf("encoding JSON: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&item, "item", "", "Item code (required)")
	cmd.Flags().StringSliceVar(&countries, "country", nil, "Restrict to these country codes")
	cmd.Flags().StringVar(&cacheBackend, "cache", "", "Cache backend: memory, sqlite or postgres")
	_ = cmd.MarkFlagRequired("item")

	return cmd
}

func newClearCacheCmd() *cobra.Command {
	var cacheBackend string

	cmd := &cobra.Command{
		Use:   "clear-cache HASH",
		Short: "Delete every cached document of a configuration hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cache, err := openCache(ctx, loadConfig(cmd), cacheBackend)
			if err != nil {
				return err
			}
			defer cache.Close()

			n, err := cache.Clear(ctx, args[0])
			if err != nil {
				return fmt.Errorf("clearing cache: %w", err)
			}
			fmt.Printf("Cleared %d documents for %s\n", n, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&cacheBackend, "cache", "", "Cache backend: memory, sqlite or postgres")

	return cmd
}
