// Package scheduler triggers the engine's periodic loops on cron or
// interval schedules. A run that is still in flight when its next trigger
// fires is skipped, never stacked.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "outreach/pkg/logx"
)

var (
	ErrDuplicate = errors.New("scheduler: job already registered")
	ErrUnknown   = errors.New("scheduler: unknown job")
	ErrBusy      = errors.New("scheduler: job still running")
)

type Job struct {
	Name     string
	Schedule string
	// Timeout bounds one run. Zero means no bound beyond the scheduler context.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Status is a point-in-time view of one job.
type Status struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skips    uint64        `json:"skips"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
	Next     time.Time     `json:"next"`
}

type entry struct {
	job     Job
	spec    ParsedSpec
	id      cron.EntryID
	spread  time.Duration
	running atomic.Bool

	mu   sync.Mutex
	stat Status
}

type Scheduler struct {
	mu     sync.Mutex
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	jobs   map[string]*entry
}

func New(loc *time.Location, log logx.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		log: log.Component("scheduler"),
		loc: loc,
		// SecondOptional accepts both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:    context.Background(),
		jobs:   map[string]*entry{},
	}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	spec, err := ParseSchedule(j.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: %s: %w", j.Name, err)
	}
	if spec.Kind == SpecCron {
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("scheduler: %s: %w", j.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, j.Name)
	}
	e := &entry{job: j, spec: spec, stat: Status{Name: j.Name, Schedule: j.Schedule}}
	s.jobs[j.Name] = e
	if s.c != nil {
		return s.registerLocked(e)
	}
	return nil
}

func (s *Scheduler) registerLocked(e *entry) error {
	run := cron.FuncJob(func() { s.run(s.ctx, e) })
	switch e.spec.Kind {
	case SpecInterval:
		sched, spread := intervalWithSpread(e.spec.Every, time.Now().In(s.loc), e.job.Name)
		e.spread = spread
		e.id = s.c.Schedule(sched, run)
	default:
		id, err := s.c.AddJob(e.spec.Cron, run)
		if err != nil {
			return fmt.Errorf("scheduler: %s: %w", e.job.Name, err)
		}
		e.id = id
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, name := range s.namesLocked() {
		if err := s.registerLocked(s.jobs[name]); err != nil {
			s.c = nil
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop stops triggering and waits for in-flight runs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with runs in flight")
	}
}

// RunNow runs a job synchronously, sharing its skip-if-running guard.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	if !s.run(ctx, e) {
		return ErrBusy
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stat.LastErr != "" {
		return errors.New(e.stat.LastErr)
	}
	return nil
}

// run executes one run and reports whether it ran (false when skipped).
func (s *Scheduler) run(parent context.Context, e *entry) bool {
	if !e.running.CompareAndSwap(false, true) {
		e.mu.Lock()
		e.stat.Skips++
		e.mu.Unlock()
		s.log.Debug("run skipped, previous still running", logx.String("job", e.job.Name))
		return false
	}
	defer e.running.Store(false)

	ctx := parent
	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := safeRun(ctx, e.job.Run)
	took := time.Since(start)

	e.mu.Lock()
	e.stat.Runs++
	e.stat.LastRun = start
	e.stat.LastTook = took
	e.stat.LastErr = ""
	if err != nil {
		e.stat.Failures++
		e.stat.LastErr = err.Error()
	}
	e.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("job failed", logx.String("job", e.job.Name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", e.job.Name), logx.Duration("took", took))
	}
	return true
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) namesLocked() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, name := range s.namesLocked() {
		e := s.jobs[name]
		e.mu.Lock()
		st := e.stat
		e.mu.Unlock()
		st.Running = e.running.Load()
		if s.c != nil && e.id != 0 {
			st.Next = s.c.Entry(e.id).Next
		}
		out = append(out, st)
	}
	return out
}
