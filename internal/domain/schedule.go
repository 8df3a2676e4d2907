package domain

import "time"

// ScheduleRecord is the persisted form of the deployment's single recurring scan policy.
type ScheduleRecord struct {
	Expression string
	TimeZone   string // IANA zone, defaults to UTC
	LastRun    *time.Time
	UpdatedAt  time.Time
}
