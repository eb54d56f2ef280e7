package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sspi-data/sspi/internal/cachestore"
	"github.com/sspi-data/sspi/internal/jobs"
	"github.com/sspi-data/sspi/internal/pipeline"
	"github.com/sspi-data/sspi/pkg/config"
	"github.com/sspi-data/sspi/pkg/scoring"
	"github.com/sspi-data/sspi/pkg/surface"
	"github.com/sspi-data/sspi/pkg/tree"
)

func newScoreCmd() *cobra.Command {
	var opts scoreOpts

	cmd := &cobra.Command{
		Use:   "score FILE",
		Short: "Score a custom configuration",
		Long: `Validates the configuration, scores every indicator against the dataset
store (reusing cached default-configuration scores for unchanged indicators),
writes the result to the score cache, and renders the score table.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.file = args[0]
			return runScore(cmd.Context(), loadConfig(cmd), opts)
		},
	}

	cmd.Flags().StringVar(&opts.outputFmt, "output", "text", "Output format: text, json or xlsx")
	cmd.Flags().StringVar(&opts.outPath, "out", "", "Write output to a file instead of stdout (required for xlsx)")
	cmd.Flags().StringVar(&opts.dataDir, "data", "", "Local dataset store directory (overrides storage config)")
	cmd.Flags().StringVar(&opts.defaultFile, "default", "", "Default configuration file used for indicator reuse")
	cmd.Flags().StringVar(&opts.cacheBackend, "cache", "", "Cache backend: memory, sqlite or postgres")
	cmd.Flags().StringSliceVar(&opts.countries, "countries", nil, "Country codes to score (default: all countries in the store)")
	cmd.Flags().IntVar(&opts.startYear, "start-year", 0, "First year of the scoring window")
	cmd.Flags().IntVar(&opts.endYear, "end-year", 0, "Last year of the scoring window")

	return cmd
}

type scoreOpts struct {
	file         string
	outputFmt    string
	outPath      string
	dataDir      string
	defaultFile  string
	cacheBackend string
	countries    []string
	startYear    int
	endYear      int
}

// window resolves the scoring window from flags and config.
func (o scoreOpts) window(cfg *config.Config) scoring.Window {
	w := scoring.Window{Start: cfg.Scoring.StartYear, End: cfg.Scoring.EndYear}
	if o.startYear != 0 {
		w.Start = o.startYear
	}
	if o.endYear != 0 {
		w.End = o.endYear
	}
	return w
}

func runScore(ctx context.Context, cfg *config.Config, opts scoreOpts) error {
	if ctx == nil {
		ctx = context.Background()
	}
	renderer, err := surface.ForFormat(opts.outputFmt)
	if err != nil {
		return err
	}
	if opts.outputFmt == "xlsx" && opts.outPath == "" {
		return fmt.Errorf("xlsx output requires --out")
	}
	window := opts.window(cfg)
	if err := window.Validate(); err != nil {
		return err
	}

	// Step 1: Validate
	fmt.Fprintf(os.Stderr, "Step 1/4: Validating configuration...\n")
	sub, err := readSubmission(opts.file)
	if err != nil {
		return err
	}
	src, err := openSource(ctx, cfg, opts.dataDir)
	if err != nil {
		return err
	}
	var meta pipeline.MetadataSource = src
	if opts.defaultFile != "" {
		meta = fileMetadata(opts.defaultFile)
	}
	cache, err := openCache(ctx, cfg, opts.cacheBackend)
	if err != nil {
		return err
	}
	defer cache.Close()

	countries := opts.countries
	if len(countries) == 0 {
		countries = cfg.Scoring.Countries
	}
	svc := pipeline.NewService(cache, src, meta, nil, pipeline.Options{
		Window:    window,
		Countries: countries,
	})

	conf, err := svc.Build(ctx, sub)
	var ve *pipeline.ValidationError
	if errors.As(err, &ve) {
		for _, e := range ve.Errors {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return fmt.Errorf("invalid configuration: %d errors", len(ve.Errors))
	}
	if err != nil {
		return err
	}
	hash := conf.Hash()
	fmt.Fprintf(os.Stderr, "  Config hash: %s (%d indicators)\n", hash, len(conf.Indicators()))

	// Step 2: Score
	fmt.Fprintf(os.Stderr, "Step 2/4: Scoring %d-%d...\n", window.Start, window.End)
	res, err := svc.Run(ctx, conf, pipeline.ProgressFunc(func(ev jobs.Event) {
		fmt.Fprintf(os.Stderr, "  [%3d%%] %s\n", ev.Progress, ev.Message)
	}))
	if err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	switch {
	case res.CacheHit:
		fmt.Fprintf(os.Stderr, "  Cached result found\n")
	case len(res.Reused) > 0:
		fmt.Fprintf(os.Stderr, "  Recomputed %d indicators, reused %d from the default configuration\n",
			len(res.Recomputed), len(res.Reused))
	default:
		fmt.Fprintf(os.Stderr, "  Computed %d indicators\n", len(res.Recomputed))
	}

	// Step 3: Read back
	fmt.Fprintf(os.Stderr, "Step 3/4: Reading results...\n")
	result, err := readResult(ctx, svc, conf)
	if err != nil {
		return err
	}

	// Step 4: Render
	fmt.Fprintf(os.Stderr, "Step 4/4: Rendering %s...\n", firstNonEmpty(opts.outputFmt, "text"))
	var w io.Writer = os.Stdout
	if opts.outPath != "" {
		f, err := os.Create(opts.outPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := renderer.Render(w, result); err != nil {
		return fmt.Errorf("rendering: %w", err)
	}
	if opts.outPath != "" {
		fmt.Fprintf(os.Stderr, "Output saved: %s\n", opts.outPath)
	}
	return nil
}

// readResult loads every cached score and line document of conf.
func readResult(ctx context.Context, svc *pipeline.Service, conf *tree.Config) (*scoring.Result, error) {
	hash := conf.Hash()
	docs, err := svc.GetFlatScores(ctx, hash, cachestore.Filter{})
	if err != nil {
		return nil, fmt.Errorf("reading scores: %w", err)
	}
	result := &scoring.Result{ConfigHash: hash, Scores: docs, Errors: failures(docs)}
	err = conf.Root.Walk(func(n *tree.Node) error {
		lines, err := svc.GetLineData(ctx, hash, n.Code, nil)
		if err != nil {
			return fmt.Errorf("reading lines of %s: %w", n.Code, err)
		}
		result.Lines = append(result.Lines, lines...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
