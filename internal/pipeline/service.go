// Package pipeline validates custom SSPI configurations, scores them in
// background jobs with change detection against the default configuration,
// and serves the cached results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sspi-data/sspi/internal/cachestore"
	"github.com/sspi-data/sspi/internal/jobs"
	"github.com/sspi-data/sspi/pkg/scoring"
	"github.com/sspi-data/sspi/pkg/tree"
)

// MetadataSource provides the default configuration documents.
type MetadataSource interface {
	DefaultMetadata(ctx context.Context) (*tree.Submission, error)
}

// DatasetIndex is implemented by data sources that know which dataset
// codes exist.
type DatasetIndex interface {
	KnownDatasets(ctx context.Context) (map[string]bool, error)
}

// Progress receives pipeline progress events. *jobs.Reporter implements it.
type Progress interface {
	Send(ev jobs.Event)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(ev jobs.Event)

func (f ProgressFunc) Send(ev jobs.Event) { f(ev) }

type discard struct{}

func (discard) Send(jobs.Event) {}

// ValidationError is the fatal outcome of validating a configuration.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("%s (and %d more)", e.Errors[0], len(e.Errors)-1)
}

// ValidationResult is the outcome of ValidateConfig.
type ValidationResult struct {
	OK         bool     `json:"ok"`
	Errors     []string `json:"errors"`
	ConfigHash string   `json:"config_hash"`
}

// Options configures a Service.
type Options struct {
	Window scoring.Window
	// Countries overrides the data source's country universe.
	Countries []string
	// RetryDelay is the backoff before the single retry of an
	// infrastructure call. Zero means 250ms.
	RetryDelay time.Duration
	// FetchConcurrency bounds parallel dataset reads. Zero means 4.
	FetchConcurrency int
	Now              func() time.Time
}

// Service implements validate, score, stream, read and clear operations
// over a cache, a data source and a job registry.
type Service struct {
	cache cachestore.Store
	src   scoring.DataSource
	meta  MetadataSource
	jobs  *jobs.Registry
	opts  Options

	baseMu    sync.RWMutex
	base      *baseline
	baseGroup singleflight.Group
}

// baseline is the default configuration with its indicator fingerprints.
type baseline struct {
	cfg          *tree.Config
	fingerprints map[string]tree.Fingerprint
}

// NewService creates a pipeline Service. meta may be nil, in which case
// every indicator is recomputed; registry may be nil for synchronous use.
func NewService(cache cachestore.Store, src scoring.DataSource, meta MetadataSource, registry *jobs.Registry, opts Options) *Service {
	if opts.Window == (scoring.Window{}) {
		opts.Window = scoring.DefaultWindow()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{cache: cache, src: src, meta: meta, jobs: registry, opts: opts}
}

// Build validates documents into a configuration. Every problem found is
// returned in a ValidationError.
func (s *Service) Build(ctx context.Context, sub *tree.Submission) (*tree.Config, error) {
	if sub == nil || len(sub.Metadata) == 0 {
		return nil, &ValidationError{Errors: []string{"StructureError: no metadata documents"}}
	}
	opts, err := s.TreeOptions(ctx)
	if err != nil {
		return nil, err
	}
	cfg, errs := tree.Build(sub.Metadata, opts)
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return nil, &ValidationError{Errors: msgs}
	}
	return cfg.WithActionLog(sub.ActionLog), nil
}

// TreeOptions returns the build options for configurations scored by this
// service, including the dataset index when the data source has one.
func (s *Service) TreeOptions(ctx context.Context) (tree.Options, error) {
	var opts tree.Options
	if idx, ok := s.src.(DatasetIndex); ok {
		known, err := idx.KnownDatasets(ctx)
		if err != nil {
			return opts, fmt.Errorf("load dataset index: %w", err)
		}
		opts.KnownDatasets = known
	}
	return opts, nil
}

// ValidateConfig checks a submission and computes its hash. It performs no
// writes.
func (s *Service) ValidateConfig(ctx context.Context, sub *tree.Submission) (ValidationResult, error) {
	cfg, err := s.Build(ctx, sub)
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return ValidationResult{Errors: ve.Errors}, nil
	case err != nil:
		return ValidationResult{}, err
	}
	return ValidationResult{OK: true, Errors: []string{}, ConfigHash: cfg.Hash()}, nil
}

// ScoreConfig validates a submission and enqueues a scoring job for it. A
// job already queued, running, or recently succeeded for the same hash is
// returned instead of a new one.
func (s *Service) ScoreConfig(ctx context.Context, sub *tree.Submission) (jobID, hash string, err error) {
	if s.jobs == nil {
		return "", "", fmt.Errorf("score config: no job registry")
	}
	cfg, err := s.Build(ctx, sub)
	if err != nil {
		return "", "", err
	}
	return s.submit(cfg)
}

// Submit enqueues a scoring job for a configuration that is already built,
// such as a saved one.
func (s *Service) Submit(cfg *tree.Config) (jobID, hash string, err error) {
	if s.jobs == nil {
		return "", "", fmt.Errorf("submit: no job registry")
	}
	return s.submit(cfg)
}

func (s *Service) submit(cfg *tree.Config) (string, string, error) {
	hash := cfg.Hash()
	id, existing, err := s.jobs.Submit(hash, func(ctx context.Context, p *jobs.Reporter) (string, error) {
		if _, err := s.Run(ctx, cfg, p); err != nil {
			return "", err
		}
		return hash, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("submit scoring job: %w", err)
	}
	if existing {
		log.Printf("config %s: reusing job %s", hash, id)
	}
	return id, hash, nil
}

// ScoreDefault enqueues a scoring job for the default configuration so that
// custom configurations can reuse its indicator scores.
func (s *Service) ScoreDefault(ctx context.Context) (jobID, hash string, err error) {
	if s.jobs == nil {
		return "", "", fmt.Errorf("score default: no job registry")
	}
	b, err := s.baseline(ctx)
	if err != nil {
		return "", "", err
	}
	if b == nil {
		return "", "", fmt.Errorf("score default: no metadata source")
	}
	return s.submit(b.cfg)
}

// RefreshDefault reloads the default configuration, drops its cached
// scores, and enqueues a fresh scoring job for it. It runs after the dataset
// store or the metadata registry changed underneath the cache.
func (s *Service) RefreshDefault(ctx context.Context) (jobID, hash string, err error) {
	if s.jobs == nil {
		return "", "", fmt.Errorf("refresh default: no job registry")
	}
	s.InvalidateBaseline()
	b, err := s.baseline(ctx)
	if err != nil {
		return "", "", err
	}
	if b == nil {
		return "", "", fmt.Errorf("refresh default: no metadata source")
	}
	if _, err := s.ClearCache(ctx, b.cfg.Hash()); err != nil {
		return "", "", err
	}
	return s.submit(b.cfg)
}

// StreamProgress returns the event stream of a job, terminated by a
// complete event.
func (s *Service) StreamProgress(jobID string) (<-chan jobs.Event, error) {
	if s.jobs == nil {
		return nil, fmt.Errorf("stream progress: %w", jobs.ErrNotFound)
	}
	return s.jobs.Events(jobID)
}

// JobStatus returns a snapshot of a job.
func (s *Service) JobStatus(jobID string) (jobs.Job, error) {
	if s.jobs == nil {
		return jobs.Job{}, fmt.Errorf("job status: %w", jobs.ErrNotFound)
	}
	return s.jobs.Get(jobID)
}

// CancelJob requests cancellation of a job.
func (s *Service) CancelJob(jobID string) error {
	if s.jobs == nil {
		return fmt.Errorf("cancel job: %w", jobs.ErrNotFound)
	}
	return s.jobs.Cancel(jobID)
}

// GetFlatScores returns cached score documents of a hash.
func (s *Service) GetFlatScores(ctx context.Context, hash string, f cachestore.Filter) ([]scoring.ScoreDoc, error) {
	return s.cache.FlatScores(ctx, hash, f)
}

// GetLineData returns cached line documents of a hash.
func (s *Service) GetLineData(ctx context.Context, hash, itemCode string, countries []string) ([]scoring.LineDoc, error) {
	return s.cache.LineData(ctx, hash, itemCode, countries)
}

// ClearCache deletes every cached document of a hash. The finished job for
// the hash is forgotten so the next submission scores it again.
func (s *Service) ClearCache(ctx context.Context, hash string) (int, error) {
	n, err := s.cache.Clear(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("clear cache %s: %w", hash, err)
	}
	if s.jobs != nil {
		s.jobs.Forget(hash)
	}
	log.Printf("cache %s: cleared %d documents", hash, n)
	return n, nil
}

// InvalidateBaseline drops the cached default-configuration fingerprints.
func (s *Service) InvalidateBaseline() {
	s.baseMu.Lock()
	s.base = nil
	s.baseMu.Unlock()
	s.baseGroup.Forget("baseline")
}

// baseline loads the default configuration once. It returns nil without
// error when the service has no metadata source.
func (s *Service) baseline(ctx context.Context) (*baseline, error) {
	if s.meta == nil {
		return nil, nil
	}
	s.baseMu.RLock()
	b := s.base
	s.baseMu.RUnlock()
	if b != nil {
		return b, nil
	}

	v, err, _ := s.baseGroup.Do("baseline", func() (any, error) {
		s.baseMu.RLock()
		b := s.base
		s.baseMu.RUnlock()
		if b != nil {
			return b, nil
		}
		sub, err := retry(ctx, s.opts.RetryDelay, "load default metadata", func() (*tree.Submission, error) {
			return s.meta.DefaultMetadata(ctx)
		})
		if err != nil {
			return nil, err
		}
		cfg, err := s.Build(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("default configuration: %w", err)
		}
		b = &baseline{cfg: cfg, fingerprints: cfg.Fingerprints()}
		s.baseMu.Lock()
		s.base = b
		s.baseMu.Unlock()
		log.Printf("baseline %s: %d indicators", cfg.Hash(), len(b.fingerprints))
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*baseline), nil
}

// retry runs fn, retrying once after delay unless the error came from ctx.
func retry[T any](ctx context.Context, delay time.Duration, what string, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || ctx.Err() != nil {
		return v, wrapErr(what, err)
	}
	log.Printf("%s: %v; retrying in %s", what, err, delay)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		var zero T
		return zero, wrapErr(what, ctx.Err())
	case <-t.C:
	}
	v, err = fn()
	return v, wrapErr(what, err)
}

func wrapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

func joinCodes(codes []string, limit int) string {
	if len(codes) <= limit {
		return strings.Join(codes, ", ")
	}
	return fmt.Sprintf("%s, ... (%d more)", strings.Join(codes[:limit], ", "), len(codes)-limit)
}
