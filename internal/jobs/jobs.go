// Package jobs runs scoring work on a fixed worker pool and streams each
// job's progress through a bounded event queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

var (
	ErrTimeout   = errors.New("timeout")
	ErrCancelled = errors.New("cancelled")
	ErrNotFound  = errors.New("job not found")
	ErrQueueFull = errors.New("job queue full")
	ErrClosed    = errors.New("job registry closed")
)

// Event types.
const (
	EventProgress  = "progress"
	EventCancelled = "cancelled"
	EventTimeout   = "timeout"
	EventComplete  = "complete"
)

// Event is one progress update. The last event of every job has type
// "complete" and a non-nil Success.
type Event struct {
	Type     string `json:"type"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Success  *bool  `json:"success,omitempty"`
	CacheHit bool   `json:"cache_hit,omitempty"`
	// ResultRef is the config hash of a successful job.
	ResultRef string `json:"result_ref,omitempty"`
}

// Job is a point-in-time view of a job.
type Job struct {
	ID         string     `json:"job_id"`
	Key        string     `json:"key"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message"`
	CacheHit   bool       `json:"cache_hit"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ResultRef  string     `json:"result_ref,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Func is the work of a job. It returns the result reference (the config
// hash) on success and should check ctx between stages.
type Func func(ctx context.Context, p *Reporter) (string, error)

type job struct {
	Job
	fn     Func
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
}

// Options configures a Registry.
type Options struct {
	Workers     int
	Queue       int
	EventBuffer int
	Timeout     time.Duration
	Retain      time.Duration
	Now         func() time.Time
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Queue <= 0 {
		o.Queue = 64
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.Retain <= 0 {
		o.Retain = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Registry is the in-process job table and worker pool.
type Registry struct {
	opts   Options
	base   context.Context
	stop   context.CancelFunc
	queue  chan *job
	wg     sync.WaitGroup
	mu     sync.Mutex
	jobs   map[string]*job
	byKey  map[string]*job
	closed bool
}

// New starts a Registry with opts.Workers workers.
func New(opts Options) *Registry {
	opts.defaults()
	base, stop := context.WithCancel(context.Background())
	r := &Registry{
		opts:  opts,
		base:  base,
		stop:  stop,
		queue: make(chan *job, opts.Queue),
		jobs:  make(map[string]*job),
		byKey: make(map[string]*job),
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit enqueues fn under key. If a job with the same key is queued,
// running, or succeeded within the retention window, its id is returned
// with existing=true and fn is not run.
func (r *Registry) Submit(key string, fn Func) (id string, existing bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", false, ErrClosed
	}
	r.prune()

	if j, ok := r.byKey[key]; ok && j.Status != StatusFailed {
		return j.ID, true, nil
	}

	ctx, cancel := context.WithCancel(r.base)
	j := &job{
		Job: Job{
			ID:        uuid.NewString(),
			Key:       key,
			Status:    StatusQueued,
			Message:   "queued",
			CreatedAt: r.opts.Now(),
		},
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, r.opts.EventBuffer),
	}
	select {
	case r.queue <- j:
	default:
		cancel()
		return "", false, ErrQueueFull
	}
	r.jobs[j.ID] = j
	r.byKey[key] = j
	log.Printf("job %s: queued (key %s)", j.ID, key)
	return j.ID, false, nil
}

// Forget detaches key from its latest job so the next Submit under key
// starts a new one. The job itself stays addressable by id.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	delete(r.byKey, key)
	r.mu.Unlock()
}

// prune forgets finished jobs older than the retention window.
// Caller holds r.mu.
func (r *Registry) prune() {
	cutoff := r.opts.Now().Add(-r.opts.Retain)
	for id, j := range r.jobs {
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			if r.byKey[j.Key] == j {
				delete(r.byKey, j.Key)
			}
		}
	}
}

// Get returns a snapshot of a job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return j.Job, nil
}

// Events returns the job's event stream. The channel is closed after the
// complete event. Intended for a single reader.
func (r *Registry) Events(id string) (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("events for job %s: %w", id, ErrNotFound)
	}
	return j.events, nil
}

// Cancel asks a job to stop. A queued job fails immediately; a running job
// stops at its next stage boundary. Cancelling a finished job is a no-op.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("cancel job %s: %w", id, ErrNotFound)
	}
	queued := j.Status == StatusQueued
	if queued {
		r.finishLocked(j, "", ErrCancelled)
	}
	r.mu.Unlock()
	j.cancel()
	return nil
}

// Close stops accepting jobs, cancels queued and running ones, and waits
// for every worker to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stop()
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		r.run(j)
	}
}

func (r *Registry) run(j *job) {
	r.mu.Lock()
	if j.Status != StatusQueued {
		r.mu.Unlock()
		return
	}
	if j.ctx.Err() != nil {
		r.finishLocked(j, "", ErrCancelled)
		r.mu.Unlock()
		return
	}
	now := r.opts.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.Message = "running"
	r.mu.Unlock()
	log.Printf("job %s: running", j.ID)

	ctx, cancel := context.WithTimeout(j.ctx, r.opts.Timeout)
	defer cancel()

	ref, err := j.fn(ctx, &Reporter{r: r, j: j})
	switch {
	case err == nil:
	case j.ctx.Err() != nil:
		err = ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = ErrTimeout
	}

	r.mu.Lock()
	r.finishLocked(j, ref, err)
	r.mu.Unlock()
}

// finishLocked records the terminal state and emits the terminal events.
// Caller holds r.mu.
func (r *Registry) finishLocked(j *job, ref string, err error) {
	if j.Status.Terminal() {
		return
	}
	now := r.opts.Now()
	j.FinishedAt = &now
	success := err == nil
	if success {
		j.Status = StatusSucceeded
		j.Progress = 100
		j.ResultRef = ref
		j.Message = "complete"
		log.Printf("job %s: succeeded (%s)", j.ID, ref)
	} else {
		j.Status = StatusFailed
		j.Error = err.Error()
		j.Message = err.Error()
		log.Printf("job %s: failed: %v", j.ID, err)
		switch {
		case errors.Is(err, ErrCancelled):
			push(j.events, Event{Type: EventCancelled, Progress: j.Progress, Message: "cancelled"})
		case errors.Is(err, ErrTimeout):
			push(j.events, Event{Type: EventTimeout, Progress: j.Progress, Message: "timeout"})
		}
	}
	push(j.events, Event{
		Type:      EventComplete,
		Progress:  j.Progress,
		Message:   j.Message,
		Success:   &success,
		CacheHit:  j.CacheHit,
		ResultRef: j.ResultRef,
	})
	close(j.events)
}

// push enqueues ev, dropping the oldest queued events when the buffer is
// full. Only the job's own goroutine or the registry under r.mu pushes, so
// the loop always makes room.
func push(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Reporter lets a running job publish progress.
type Reporter struct {
	r *Registry
	j *job
}

// Report publishes a progress update. Progress is clamped to 0..99; 100 is
// reserved for completion.
func (p *Reporter) Report(progress int, message string) {
	p.Send(Event{Type: EventProgress, Progress: progress, Message: message})
}

// Send publishes an arbitrary progress event.
func (p *Reporter) Send(ev Event) {
	if ev.Type == "" {
		ev.Type = EventProgress
	}
	if ev.Progress < 0 {
		ev.Progress = 0
	}
	if ev.Progress > 99 {
		ev.Progress = 99
	}
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	if p.j.Status.Terminal() {
		return
	}
	p.j.Progress = ev.Progress
	p.j.Message = ev.Message
	if ev.CacheHit {
		p.j.CacheHit = true
	}
	push(p.j.events, ev)
}
