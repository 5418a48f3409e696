package cron

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T, onJob Callback) *Service {
	t.Helper()
	if onJob == nil {
		onJob = func(ctx context.Context, job Job) (string, error) { return "ok", nil }
	}
	s, err := NewService(filepath.Join(t.TempDir(), "jobs.json"), onJob)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunJobUpdatesStateAndCallsCallback(t *testing.T) {
	var calls []string
	s := newTestService(t, func(ctx context.Context, job Job) (string, error) {
		calls = append(calls, job.ID)
		return "done", nil
	})

	job, err := s.AddJob("t1", Schedule{Kind: "every", EveryMS: 1000},
		Payload{Type: "agent_turn", Message: "hello"}, false)
	if err != nil {
		t.Fatal(err)
	}

	ran, err := s.RunJob(context.Background(), job.ID, true)
	if err != nil || !ran {
		t.Fatalf("RunJob = %v, %v", ran, err)
	}
	if len(calls) != 1 || calls[0] != job.ID {
		t.Errorf("calls = %v", calls)
	}

	got, ok := s.GetJob(job.ID)
	if !ok {
		t.Fatal("job vanished")
	}
	if got.State.LastStatus != "ok" || got.State.LastError != "" {
		t.Errorf("state = %+v", got.State)
	}
	if got.State.LastRunAtMS == nil || got.State.NextRunAtMS == nil {
		t.Errorf("run timestamps not recorded: %+v", got.State)
	}
}

func TestRunJobRecordsError(t *testing.T) {
	s := newTestService(t, func(ctx context.Context, job Job) (string, error) {
		return "", errors.New("agent busy")
	})
	job, err := s.AddJob("t", Schedule{Kind: "every", EveryMS: 1000}, Payload{Message: "x"}, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.RunJob(context.Background(), job.ID, true); err == nil {
		t.Fatal("expected callback error to propagate")
	}
	got, _ := s.GetJob(job.ID)
	if got.State.LastStatus != "error" || got.State.LastError != "agent busy" {
		t.Errorf("state = %+v", got.State)
	}
}

func TestRunJobNotDueWithoutForce(t *testing.T) {
	called := false
	s := newTestService(t, func(ctx context.Context, job Job) (string, error) {
		called = true
		return "", nil
	})
	job, err := s.AddJob("t", Schedule{Kind: "every", EveryMS: time.Hour.Milliseconds()}, Payload{}, false)
	if err != nil {
		t.Fatal(err)
	}

	ran, err := s.RunJob(context.Background(), job.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if ran || called {
		t.Error("job ran before its next_run_at")
	}
}

func TestOneShotJobRemovedAfterRun(t *testing.T) {
	s := newTestService(t, nil)
	future := time.Now().Add(time.Hour).UnixMilli()
	job, err := s.AddJob("once", Schedule{Kind: "at", AtMS: future}, Payload{Message: "x"}, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.RunJob(context.Background(), job.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetJob(job.ID); ok {
		t.Error("one-shot job should be removed after running")
	}
}

func TestStateSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	s, err := NewService(path, func(ctx context.Context, job Job) (string, error) { return "ok", nil })
	if err != nil {
		t.Fatal(err)
	}
	job, err := s.AddJob("persist", Schedule{Kind: "every", EveryMS: 5000}, Payload{Message: "m"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunJob(context.Background(), job.ID, true); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewService(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reloaded.GetJob(job.ID)
	if !ok {
		t.Fatal("job missing after reload")
	}
	if got.State.LastStatus != "ok" || got.State.LastRunAtMS == nil {
		t.Errorf("state not persisted: %+v", got.State)
	}
	if got.Payload.Message != "m" {
		t.Errorf("payload = %+v", got.Payload)
	}
}

func TestAddJobRejectsBadSchedules(t *testing.T) {
	s := newTestService(t, nil)
	bad := []Schedule{
		{Kind: "every"},
		{Kind: "cron", Expr: "not a cron"},
		{Kind: "cron", Expr: "0 9 * * *", TZ: "Mars/Olympus"},
		{Kind: "at"},
		{Kind: "sometimes"},
	}
	for _, sched := range bad {
		if _, err := s.AddJob("bad", sched, Payload{}, false); err == nil {
			t.Errorf("schedule %+v accepted", sched)
		}
	}
}

func TestComputeNextRunRespectsTimezone(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skip("tz database unavailable")
	}

	// Feb 6, 2026 is standard time in New York (UTC-5). With now at
	// 13:30 UTC, the next 09:00 New York is 14:00 UTC the same day.
	now := time.Date(2026, 2, 6, 13, 30, 0, 0, time.UTC)
	next := computeNextRun(Schedule{Kind: "cron", Expr: "0 9 * * *", TZ: "America/New_York"}, now.UnixMilli())
	if next == nil {
		t.Fatal("no next run")
	}
	want := time.Date(2026, 2, 6, 14, 0, 0, 0, time.UTC).UnixMilli()
	if *next != want {
		t.Errorf("next = %s, want %s", time.UnixMilli(*next).UTC(), time.UnixMilli(want).UTC())
	}
}

func TestComputeNextRunUsesReferenceTime(t *testing.T) {
	now := time.Date(2026, 2, 6, 8, 59, 0, 0, time.UTC)
	next := computeNextRun(Schedule{Kind: "cron", Expr: "0 9 * * *"}, now.UnixMilli())
	if next == nil {
		t.Fatal("no next run")
	}
	want := time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC).UnixMilli()
	if *next != want {
		t.Errorf("next = %s, want %s", time.UnixMilli(*next).UTC(), time.UnixMilli(want).UTC())
	}
}

func TestSchedulerFiresDueJob(t *testing.T) {
	fired := make(chan string, 1)
	s := newTestService(t, func(ctx context.Context, job Job) (string, error) {
		select {
		case fired <- job.ID:
		default:
		}
		return "ok", nil
	})
	job, err := s.AddJob("soon", Schedule{Kind: "every", EveryMS: 20}, Payload{Message: "x"}, false)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case id := <-fired:
		if id != job.ID {
			t.Errorf("fired %s, want %s", id, job.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler never fired the job")
	}
}

func TestLoadToleratesMissingFile(t *testing.T) {
	s, err := NewService(filepath.Join(t.TempDir(), "nope", "jobs.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ListJobs()) != 0 {
		t.Error("expected empty job list")
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewService(path, nil); err == nil {
		t.Error("corrupt jobs file accepted")
	}
}
