package models

import "time"

type JobStatus string

const (
	JobPending       JobStatus = "pending"
	JobRunning       JobStatus = "running"
	JobDone          JobStatus = "done"
	JobFailed        JobStatus = "failed"
	JobIndeterminate JobStatus = "indeterminate"
)

// Job tracks an asynchronous IP rotation of one device.
type Job struct {
	ID         string          `json:"id"`
	Serial     string          `json:"serial"`
	Status     JobStatus       `json:"status"`
	Rotation   *RotationResult `json:"rotation,omitempty"`
	IPs        []OpResult      `json:"ips,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
