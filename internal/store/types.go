package store

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether a job in this status will never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job is one compute run as recorded by the daemon.
type Job struct {
	ID          string
	Recipe      string
	Cluster     string
	Params      json.RawMessage
	Status      Status
	Priority    int
	SubmittedBy string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
}

type SubmitRequest struct {
	Recipe      string
	Cluster     string
	Params      json.RawMessage
	Priority    int
	SubmittedBy string
}

// ListFilter narrows List. Zero value means everything, newest first.
type ListFilter struct {
	Status Status
	Limit  int
}

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNotCancelable = errors.New("job already finished")
)
