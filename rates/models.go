package rates

import (
	"time"

	"github.com/shopspring/decimal"

	"payrollbridge/period"
)

// Classification decides how a worker's payable amount is computed.
type Classification string

const (
	ClassificationHourly      Classification = "hourly"
	ClassificationFixedSalary Classification = "fixed_salary"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	return c == ClassificationHourly || c == ClassificationFixedSalary
}

// RateProfile is a worker's classification and rate in major currency units.
// For fixed-salary workers Rate is the amount owed per billing period.
type RateProfile struct {
	WorkerID       string          `yaml:"worker_id" json:"worker_id"`
	Classification Classification  `yaml:"classification" json:"classification"`
	Rate           decimal.Decimal `yaml:"rate" json:"rate"`
	Currency       string          `yaml:"currency" json:"currency"`
}

// PayableAmount is what a worker is owed for a period, in minor units.
type PayableAmount struct {
	WorkerID       string
	Period         period.Period
	Amount         int64
	Currency       string
	Hours          decimal.Decimal
	Classification Classification
	ComputedAt     time.Time
}
