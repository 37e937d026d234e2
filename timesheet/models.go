package timesheet

import (
	"time"

	"github.com/shopspring/decimal"

	"payrollbridge/period"
)

// UnassignedProject buckets approved hours that carry no project reference.
const UnassignedProject = "unassigned"

// ApprovalApproved is the only approval status eligible for payroll.
const ApprovalApproved = "approved"

// TimeEntry is a single time record as reported by the time-tracking provider.
type TimeEntry struct {
	WorkerID       string
	ProjectID      string
	Date           time.Time
	Hours          decimal.Decimal
	ApprovalStatus string
}

// WorkerAggregate is the approved work of one worker inside one billing period.
type WorkerAggregate struct {
	WorkerID       string
	Period         period.Period
	TotalHours     decimal.Decimal
	HoursByProject map[string]decimal.Decimal
}
