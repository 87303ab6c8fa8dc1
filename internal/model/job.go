package model

import "time"

// JobStatus is the lifecycle state of a Job. Transitions are monotonic:
// ACCEPTED -> RUNNING -> DONE_SUCCESS | DONE_FAILURE. Terminal states are
// immutable.
type JobStatus string

const (
	JobAccepted    JobStatus = "ACCEPTED"
	JobRunning     JobStatus = "RUNNING"
	JobDoneSuccess JobStatus = "DONE_SUCCESS"
	JobDoneFailure JobStatus = "DONE_FAILURE"
)

// IsTerminal reports whether s is a DONE_* status.
func (s JobStatus) IsTerminal() bool {
	return s == JobDoneSuccess || s == JobDoneFailure
}

// JobError is the {code,message} pair recorded on a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is a request-scoped, owner-bound record of a search's status and
// result. Written exclusively by the orchestrator; read by the result
// endpoint (owner-only) and by the push channel.
type Job struct {
	RequestID     string         `json:"requestId"`
	Status        JobStatus      `json:"status"`
	Progress      int            `json:"progress"`
	OwnerSessionID string        `json:"-"` // never echoed to clients
	OwnerUserID   string         `json:"-"`
	CreatedAt     time.Time      `json:"createdAt"`
	Result        *SearchResponse `json:"result,omitempty"`
	ResultCount   int            `json:"-"`
	Err           *JobError      `json:"error,omitempty"`
}

// OwnedBy reports whether sessionID is the session that created j. A job
// with no recorded owner (legacy) is owned by nobody.
func (j *Job) OwnedBy(sessionID string) bool {
	if j.OwnerSessionID == "" {
		return false
	}
	return j.OwnerSessionID == sessionID
}
