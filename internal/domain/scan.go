package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTransitionDenied is returned by stores when a compare-and-set status
// update finds the job no longer in the expected state.
var ErrTransitionDenied = errors.New("scan status transition denied")

type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	}
	return false
}

func (s ScanStatus) Valid() bool {
	switch s {
	case ScanStatusPending, ScanStatusRunning, ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	}
	return false
}

// NonTerminalStatuses lists the states that hold a jurisdiction's single-flight slot.
var NonTerminalStatuses = []ScanStatus{ScanStatusPending, ScanStatusRunning}

var validTransitions = map[ScanStatus][]ScanStatus{
	ScanStatusPending: {ScanStatusRunning, ScanStatusFailed, ScanStatusCancelled},
	ScanStatusRunning: {ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled},
}

// CanTransition reports whether from -> to is a legal ScanJob status change.
func CanTransition(from, to ScanStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ScanJob records one scan execution over a jurisdiction.
type ScanJob struct {
	ID           uuid.UUID
	Jurisdiction string
	Status       ScanStatus

	StartedAt   time.Time
	CompletedAt *time.Time // set only once Status is terminal

	ListingsExamined int
	MatchesFound     int
	Error            string
}

// Transition returns a copy of j moved to status at now.
// The caller is responsible for checking CanTransition first.
func (j ScanJob) Transition(status ScanStatus, now time.Time) ScanJob {
	j.Status = status
	if status.IsTerminal() {
		t := now.UTC()
		j.CompletedAt = &t
	}
	return j
}
