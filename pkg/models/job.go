package models

import (
	"encoding/json"
	"time"
)

// JobStatus is a position in the job state machine.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusCancelling JobStatus = "CANCELLING"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// InFlight reports whether a worker currently owns a job in status s.
func (s JobStatus) InFlight() bool {
	return s == JobStatusRunning || s == JobStatusCancelling
}

// Priority is the scheduling class of a job. It never changes after creation.
type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority maps an API value to a Priority. The empty string means NORMAL.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case "", PriorityNormal:
		return PriorityNormal, true
	case PriorityUrgent:
		return PriorityUrgent, true
	}
	return "", false
}

// JobError describes why a job ended in FAILED.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is the durable record of one inference request. The caller-supplied
// ID is the only lookup key.
//
// Result is set only in SUCCEEDED and Error only in FAILED. StartedAt marks
// the claim by a worker; CreatedAt, StartedAt and EndedAt are each written once.
type Job struct {
	ID              string           `db:"job_id"           json:"job_id"`
	StudyReference  string           `db:"study_reference"  json:"study_reference"`
	ModelName       string           `db:"model_name"       json:"model"`
	ModelVersion    string           `db:"model_version"    json:"model_version"`
	Parameters      map[string]any   `db:"parameters"       json:"parameters"`
	ImageReferences []string         `db:"image_references" json:"images"`
	Priority        Priority         `db:"priority"         json:"priority"`
	CallbackURL     *string          `db:"callback_url"     json:"callback_url,omitempty"`
	Status          JobStatus        `db:"status"           json:"status"`
	Progress        int              `db:"progress"         json:"progress"`
	Result          json.RawMessage  `db:"result"           json:"result,omitempty"`
	Error           *JobError        `db:"error"            json:"error,omitempty"`
	RequestHash     string           `db:"request_hash"     json:"-"`
	Sequence        int64            `db:"sequence"         json:"sequence"`
	CreatedAt       time.Time        `db:"created_at"       json:"created_at"`
	StartedAt       *time.Time       `db:"started_at"       json:"started_at,omitempty"`
	EndedAt         *time.Time       `db:"ended_at"         json:"ended_at,omitempty"`
	ExpiresAt       *time.Time       `db:"expires_at"       json:"expires_at,omitempty"`
	Expired         bool             `db:"expired"          json:"-"`
	UpdatedAt       time.Time        `db:"updated_at"       json:"updated_at"`
}

// Clone returns a copy of j that shares no mutable state with it.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Parameters != nil {
		c.Parameters = make(map[string]any, len(j.Parameters))
		for k, v := range j.Parameters {
			c.Parameters[k] = v
		}
	}
	if j.ImageReferences != nil {
		c.ImageReferences = append([]string(nil), j.ImageReferences...)
	}
	if j.CallbackURL != nil {
		u := *j.CallbackURL
		c.CallbackURL = &u
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.EndedAt = cloneTime(j.EndedAt)
	c.ExpiresAt = cloneTime(j.ExpiresAt)
	return &c
}

// Version orders snapshots of the same job: it grows with every transition
// and with every progress increase in between.
func (j *Job) Version() int64 {
	return j.Sequence*101 + int64(j.Progress)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
