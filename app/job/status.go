package job

import "fmt"

// Status of a job. Values are persisted and are part of the stable on-disk contract.
type Status string

// job statuses
const (
	StatusNew        Status = "new"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusRunning    Status = "running"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusKilled     Status = "killed"
	StatusRemoved    Status = "removed"
	StatusTemplate   Status = "template"
)

// transitions lists allowed target statuses for each status
var transitions = map[Status][]Status{
	StatusNew:        {StatusSubmitting, StatusRemoved},
	StatusSubmitting: {StatusNew, StatusSubmitted, StatusRunning, StatusFailed, StatusKilled, StatusRemoved},
	StatusSubmitted:  {StatusRunning, StatusCompleting, StatusCompleted, StatusFailed, StatusKilled, StatusSubmitting, StatusRemoved},
	StatusRunning:    {StatusCompleting, StatusCompleted, StatusFailed, StatusKilled, StatusSubmitting, StatusRemoved},
	StatusCompleting: {StatusCompleted, StatusFailed, StatusKilled, StatusRemoved},
	StatusCompleted:  {StatusFailed, StatusSubmitting, StatusRemoved},
	StatusFailed:     {StatusCompleted, StatusSubmitting, StatusRemoved},
	StatusKilled:     {StatusSubmitting, StatusRemoved},
	StatusTemplate:   {StatusRemoved},
}

// rollupOrder defines which subjob status wins when computing master status
var rollupOrder = []Status{StatusSubmitting, StatusSubmitted, StatusRunning, StatusCompleting,
	StatusFailed, StatusKilled, StatusCompleted, StatusNew}

// ParseStatus converts string to Status
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; ok || st == StatusRemoved {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// CanTransit checks if status change allowed. Same status is always allowed.
func (s Status) CanTransit(to Status) bool {
	if s == to {
		return true
	}
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IsFinal reports terminal statuses
func (s Status) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusRemoved:
		return true
	}
	return false
}

// IsActive reports statuses monitored by the poll loop
func (s Status) IsActive() bool {
	switch s {
	case StatusSubmitted, StatusRunning, StatusCompleting:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
