package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Callback runs one job and returns a short result summary.
type Callback func(ctx context.Context, job Job) (string, error)

// idleWait bounds how long the scheduler sleeps when no job is due.
const idleWait = time.Minute

// Service persists jobs and fires them when due.
type Service struct {
	path  string
	onJob Callback

	mu   sync.Mutex
	jobs []*Job

	wake chan struct{}
	now  func() time.Time
}

// NewService loads (or initializes) the jobs file at path.
func NewService(path string, onJob Callback) (*Service, error) {
	s := &Service{
		path:  path,
		onJob: onJob,
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read jobs file: %w", err)
	}
	var file jobsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse jobs file %s: %w", s.path, err)
	}
	s.jobs = file.Jobs
	return nil
}

// saveLocked writes the jobs file atomically. Caller holds s.mu.
func (s *Service) saveLocked() error {
	data, err := json.MarshalIndent(jobsFile{Version: 1, Jobs: s.jobs}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// AddJob validates the schedule, computes the first run and persists the job.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload, deleteAfterRun bool) (*Job, error) {
	if err := validateSchedule(schedule); err != nil {
		return nil, err
	}
	nowMS := s.now().UnixMilli()
	job := &Job{
		ID:             uuid.NewString()[:8],
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		CreatedAtMS:    nowMS,
		UpdatedAtMS:    nowMS,
		DeleteAfterRun: deleteAfterRun,
	}
	job.State.NextRunAtMS = computeNextRun(schedule, nowMS)

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.signal()
	return job, nil
}

// RemoveJob deletes a job by id.
func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range s.jobs {
		if job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			if err := s.saveLocked(); err != nil {
				slog.Warn("cron save failed", "error", err)
			}
			return true
		}
	}
	return false
}

// EnableJob toggles a job; enabling recomputes the next run.
func (s *Service) EnableJob(id string, enabled bool) bool {
	s.mu.Lock()
	job := s.findLocked(id)
	if job == nil {
		s.mu.Unlock()
		return false
	}
	job.Enabled = enabled
	job.UpdatedAtMS = s.now().UnixMilli()
	if enabled {
		job.State.NextRunAtMS = computeNextRun(job.Schedule, s.now().UnixMilli())
	}
	if err := s.saveLocked(); err != nil {
		slog.Warn("cron save failed", "error", err)
	}
	s.mu.Unlock()
	s.signal()
	return true
}

// ListJobs returns a snapshot of all jobs.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// GetJob returns a copy of the job, if present.
func (s *Service) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job := s.findLocked(id); job != nil {
		return *job, true
	}
	return Job{}, false
}

func (s *Service) findLocked(id string) *Job {
	for _, job := range s.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// RunJob executes a job immediately. Unless force is set, the job must be
// enabled and due. Returns whether it ran.
func (s *Service) RunJob(ctx context.Context, id string, force bool) (bool, error) {
	nowMS := s.now().UnixMilli()

	s.mu.Lock()
	job := s.findLocked(id)
	if job == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("cron job %s not found", id)
	}
	if !force {
		due := job.Enabled && job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= nowMS
		if !due {
			s.mu.Unlock()
			return false, nil
		}
	}
	snapshot := *job
	s.mu.Unlock()

	_, err := s.onJob(ctx, snapshot)

	s.mu.Lock()
	// The job may have been removed while the callback ran.
	if job = s.findLocked(id); job == nil {
		s.mu.Unlock()
		return true, err
	}
	ranAt := s.now().UnixMilli()
	job.State.LastRunAtMS = &ranAt
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	job.State.NextRunAtMS = computeNextRun(job.Schedule, ranAt)
	job.UpdatedAtMS = ranAt

	if job.DeleteAfterRun || (job.Schedule.Kind == "at" && job.State.NextRunAtMS == nil) {
		s.removeLocked(job.ID)
	}
	if saveErr := s.saveLocked(); saveErr != nil {
		slog.Warn("cron save failed", "error", saveErr)
	}
	s.mu.Unlock()
	s.signal()
	return true, err
}

func (s *Service) removeLocked(id string) {
	for i, job := range s.jobs {
		if job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return
		}
	}
}

// Run fires due jobs until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	slog.Info("cron service started", "jobs_file", s.path)
	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.fireDue(ctx)
	}
}

// nextWait returns the time until the soonest due job, capped at idleWait.
func (s *Service) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMS := s.now().UnixMilli()
	wait := idleWait
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMS == nil {
			continue
		}
		d := time.Duration(*job.State.NextRunAtMS-nowMS) * time.Millisecond
		if d < 0 {
			d = 0
		}
		if d < wait {
			wait = d
		}
	}
	return wait
}

func (s *Service) fireDue(ctx context.Context) {
	nowMS := s.now().UnixMilli()

	s.mu.Lock()
	var due []string
	for _, job := range s.jobs {
		if job.Enabled && job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= nowMS {
			due = append(due, job.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		if _, err := s.RunJob(ctx, id, false); err != nil {
			slog.Error("cron job failed", "job_id", id, "error", err)
		}
	}
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func validateSchedule(s Schedule) error {
	switch s.Kind {
	case "every":
		if s.EveryMS <= 0 {
			return fmt.Errorf("every schedule needs every_ms > 0")
		}
	case "cron":
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("unknown timezone %q: %w", s.TZ, err)
			}
		}
	case "at":
		if s.AtMS <= 0 {
			return fmt.Errorf("at schedule needs at_ms")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// computeNextRun returns the next fire time in unix milliseconds, or nil when
// the job will never fire again.
func computeNextRun(s Schedule, nowMS int64) *int64 {
	switch s.Kind {
	case "every":
		if s.EveryMS <= 0 {
			return nil
		}
		next := nowMS + s.EveryMS
		return &next
	case "at":
		if s.AtMS > nowMS {
			at := s.AtMS
			return &at
		}
		return nil
	case "cron":
		ref := time.UnixMilli(nowMS).UTC()
		if s.TZ != "" {
			loc, err := time.LoadLocation(s.TZ)
			if err != nil {
				slog.Warn("cron timezone unavailable, using UTC", "tz", s.TZ, "error", err)
			} else {
				ref = ref.In(loc)
			}
		}
		next, err := gronx.NextTickAfter(s.Expr, ref, false)
		if err != nil {
			slog.Warn("cron next-tick computation failed", "expr", s.Expr, "error", err)
			return nil
		}
		ms := next.UnixMilli()
		return &ms
	}
	return nil
}
