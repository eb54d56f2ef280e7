package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sspi-data/sspi/internal/cachestore"
	"github.com/sspi-data/sspi/internal/datastore"
	"github.com/sspi-data/sspi/pkg/config"
	"github.com/sspi-data/sspi/pkg/scoring"
	"github.com/sspi-data/sspi/pkg/tree"
)

// loadConfig loads the file named by --config, or the nearest
// .sspi/config.yaml, falling back to defaults. Environment overrides apply
// last.
func loadConfig(cmd *cobra.Command) *config.Config {
	var cfgFile string
	if f := cmd.Flag("config"); f != nil {
		cfgFile = f.Value.String()
	}
	if cfgFile == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfgFile = config.FindConfigFile(cwd)
		}
	}

	cfg := config.DefaultConfig()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		} else {
			cfg = loaded
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg
}

// readSubmission reads metadata documents from path, or stdin for "-".
func readSubmission(path string) (*tree.Submission, error) {
	if path != "-" {
		return tree.LoadSubmission(path)
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return tree.ParseDocuments(data)
}

// openSource opens the clean dataset store. A non-empty dataDir overrides
// the configured backend with a local directory.
func openSource(ctx context.Context, cfg *config.Config, dataDir string) (*datastore.Source, error) {
	storageCfg := cfg.Storage
	if dataDir != "" {
		storageCfg = config.StorageConfig{Backend: "local", LocalPath: dataDir}
	}
	store, err := datastore.NewStorage(ctx, storageCfg)
	if err != nil {
		return nil, fmt.Errorf("opening dataset store: %w", err)
	}
	return datastore.NewSource(store, cfg.Metadata.DefaultKey), nil
}

// openCache opens the score cache, with backend overriding the configured one.
func openCache(ctx context.Context, cfg *config.Config, backend string) (cachestore.Store, error) {
	cacheCfg := cfg.Cache
	if backend != "" {
		cacheCfg.Backend = backend
	}
	store, err := cachestore.Open(ctx, cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("opening score cache: %w", err)
	}
	return store, nil
}

// fileMetadata serves the default configuration from a local file.
type fileMetadata string

func (f fileMetadata) DefaultMetadata(ctx context.Context) (*tree.Submission, error) {
	return tree.LoadSubmission(string(f))
}

// failures lists the distinct indicator failures recorded in docs, in the
// "CODE: message" form used by job results.
func failures(docs []scoring.ScoreDoc) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range docs {
		if d.Error == "" || d.ItemType != string(tree.KindIndicator) {
			continue
		}
		msg := d.ItemCode + ": " + d.Error
		if !seen[msg] {
			seen[msg] = true
			out = append(out, msg)
		}
	}
	sort.Strings(out)
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func shortHash(hash string) string {
	return hash[:min(12, len(hash))]
}
