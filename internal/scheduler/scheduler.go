// Package scheduler runs named background jobs on independent timers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
)

const (
	JobDataCollection = "data-collection"
	JobStrategy       = "strategy-calculation"
	JobKeepAlive      = "keep-alive"
)

// Job describes one recurring unit of work. Delay is the wait before the first
// run after Start; zero runs immediately.
type Job struct {
	Name     string
	Delay    time.Duration
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type JobStatus struct {
	Name      string        `json:"name"`
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	Runs      int           `json:"runs"`
	LastRun   time.Time     `json:"lastRun,omitempty"`
	LastTook  time.Duration `json:"lastTook,omitempty"`
	LastError string        `json:"lastError,omitempty"`
	NextRun   time.Time     `json:"nextRun,omitempty"`
}

type job struct {
	def Job

	mu       sync.Mutex
	running  bool
	interval time.Duration
	stopCh   chan struct{}
	resetCh  chan time.Duration
	cancel   context.CancelFunc
	runs     int
	lastRun  time.Time
	lastTook time.Duration
	lastErr  error
	nextRun  time.Time

	// runMu keeps a manual run from overlapping a scheduled one.
	runMu sync.Mutex
}

// Scheduler owns its jobs' timers; construct once and pass it by reference.
type Scheduler struct {
	log  *slog.Logger
	mu   sync.Mutex
	jobs map[string]*job
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:  log.With("component", "scheduler"),
		jobs: make(map[string]*job),
	}
}

// Register adds a job in the stopped state. Registering a name twice replaces
// the earlier job, which must not be running.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("job needs a name and a run func")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	if j.Timeout <= 0 {
		j.Timeout = j.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[j.Name]; ok && old.isRunning() {
		return fmt.Errorf("job %s is running", j.Name)
	}
	s.jobs[j.Name] = &job{def: j, interval: j.Interval}
	return nil
}

func (s *Scheduler) get(name string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "scheduler", "unknown job %q", name)
	}
	return j, nil
}

func (s *Scheduler) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Start begins a job's timer. Starting a running job is a logged no-op.
func (s *Scheduler) Start(name string) error {
	j, err := s.get(name)
	if err != nil {
		return err
	}

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		s.log.Info("job already running", "job", name)
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.running = true
	j.stopCh = make(chan struct{})
	j.resetCh = make(chan time.Duration, 1)
	j.cancel = cancel
	j.nextRun = time.Now().Add(j.def.Delay)
	stop, reset, interval := j.stopCh, j.resetCh, j.interval
	j.mu.Unlock()

	go s.loop(ctx, j, stop, reset)

	s.log.Info("job started", "job", name, "delay", j.def.Delay, "interval", interval)
	return nil
}

// Stop halts a job's timer and cancels an in-progress run.
func (s *Scheduler) Stop(name string) error {
	j, err := s.get(name)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return nil
	}
	close(j.stopCh)
	j.cancel()
	j.running = false
	j.nextRun = time.Time{}
	s.log.Info("job stopped", "job", name)
	return nil
}

func (s *Scheduler) StartAll() {
	for _, n := range s.names() {
		_ = s.Start(n)
	}
}

func (s *Scheduler) StopAll() {
	for _, n := range s.names() {
		_ = s.Stop(n)
	}
}

// SetInterval changes a job's cadence. A running job reschedules its next run
// to one new interval from now.
func (s *Scheduler) SetInterval(name string, d time.Duration) error {
	if d <= 0 {
		return marketdata.Errorf(marketdata.KindInvalidRequest, "scheduler", "interval must be positive, got %s", d)
	}
	j, err := s.get(name)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.interval == d {
		return nil
	}
	j.interval = d
	if j.running {
		select {
		case j.resetCh <- d:
		default:
		}
	}
	s.log.Info("job interval changed", "job", name, "interval", d)
	return nil
}

// RunNow runs a job once in the caller's goroutine, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, err := s.get(name)
	if err != nil {
		return err
	}
	s.log.Info("manual run triggered", "job", name)
	return s.runOnce(ctx, j)
}

func (s *Scheduler) Running(name string) bool {
	j, err := s.get(name)
	if err != nil {
		return false
	}
	return j.isRunning()
}

func (s *Scheduler) Status() []JobStatus {
	var out []JobStatus
	for _, n := range s.names() {
		j, err := s.get(n)
		if err != nil {
			continue
		}
		j.mu.Lock()
		st := JobStatus{
			Name:     n,
			Running:  j.running,
			Interval: j.interval,
			Runs:     j.runs,
			LastRun:  j.lastRun,
			LastTook: j.lastTook,
			NextRun:  j.nextRun,
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job, stop <-chan struct{}, reset <-chan time.Duration) {
	timer := time.NewTimer(j.def.Delay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case d := <-reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
			j.setNext(d)
		case <-timer.C:
			_ = s.runOnce(ctx, j)
			d := j.currentInterval()
			timer.Reset(d)
			j.setNext(d)
		}
	}
}

// runOnce never lets a failure or panic escape: the error is logged, recorded
// and returned to manual callers.
func (s *Scheduler) runOnce(parent context.Context, j *job) (err error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	ctx, cancel := context.WithTimeout(parent, j.def.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v", j.def.Name, r)
			s.log.Error("job panicked", "job", j.def.Name, "panic", r, "stack", string(debug.Stack()))
		}
		took := time.Since(start)
		j.record(start, took, err)
		if err != nil {
			s.log.Error("job run failed", "job", j.def.Name, "took", took.Round(time.Millisecond), "err", err)
		} else {
			s.log.Debug("job run finished", "job", j.def.Name, "took", took.Round(time.Millisecond))
		}
	}()

	return j.def.Run(ctx)
}

func (j *job) isRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *job) currentInterval() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.interval
}

func (j *job) setNext(d time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		j.nextRun = time.Now().Add(d)
	}
}

func (j *job) record(start time.Time, took time.Duration, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	j.lastRun = start
	j.lastTook = took
	j.lastErr = err
}
