// Package cron schedules agent turns: recurring intervals, cron
// expressions and one-shot timers, persisted as a JSON jobs file.
package cron

// Schedule describes when a job fires.
type Schedule struct {
	Kind    string `json:"kind"` // "every", "cron", "at"
	EveryMS int64  `json:"every_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
	AtMS    int64  `json:"at_ms,omitempty"`
	TZ      string `json:"tz,omitempty"` // IANA name; empty means UTC
}

// Payload is what a fired job asks the agent to do.
type Payload struct {
	Type    string `json:"type"` // "agent_turn"
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	To      string `json:"to,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// JobState is mutated on every run and persisted with the job.
type JobState struct {
	NextRunAtMS *int64 `json:"next_run_at_ms,omitempty"`
	LastRunAtMS *int64 `json:"last_run_at_ms,omitempty"`
	LastStatus  string `json:"last_status,omitempty"` // "ok" or "error"
	LastError   string `json:"last_error,omitempty"`
}

// Job is one scheduled entry.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMS    int64    `json:"created_at_ms"`
	UpdatedAtMS    int64    `json:"updated_at_ms"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
}

// jobsFile is the on-disk format.
type jobsFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}
