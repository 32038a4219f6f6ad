package scheduler

import (
	"errors"

	"calcgrid/internal/model"
)

var (
	ErrInvalidParams    = errors.New("invalid task params")
	ErrEmptyTaskSet     = errors.New("task params produced no tasks")
	ErrNoValidWorkers   = errors.New("none of the requested workers is connected")
	ErrRunInProgress    = errors.New("requester already has an active or waiting run")
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrRunNotFound      = errors.New("run not found")
)

// Reason codes sent to requesters
const (
	ReasonInvalidParams      = "invalid_params"
	ReasonEmptyTaskSet       = "empty_task_set"
	ReasonNoValidWorkers     = "no_valid_workers"
	ReasonRunInProgress      = "run_in_progress"
	ReasonNoWorkersAvailable = "no_workers_available"
	ReasonInternal           = "internal_error"
)

// Failure messages recorded for runs
const (
	MsgNoWorkersAfterDisconnect = "No workers available after disconnect"
	MsgNoWorkersToProcess       = "No workers available to process task"
	MsgFinalizeFallback         = "getResult failed, using sum instead"
)

// ReasonFor maps an admission error to its reason code
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParams), errors.Is(err, model.ErrInvalidParams), errors.Is(err, model.ErrUnknownMethod):
		return ReasonInvalidParams
	case errors.Is(err, ErrEmptyTaskSet):
		return ReasonEmptyTaskSet
	case errors.Is(err, ErrNoValidWorkers):
		return ReasonNoValidWorkers
	case errors.Is(err, ErrRunInProgress):
		return ReasonRunInProgress
	default:
		return ReasonInternal
	}
}
