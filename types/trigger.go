package types

import "time"

// CronInterval is a fixed re-fire period.
type CronInterval string

const (
	Hourly  CronInterval = "hourly"
	Daily   CronInterval = "daily"
	Weekly  CronInterval = "weekly"
	Monthly CronInterval = "monthly"
)

// Seconds returns the interval's fixed second count. Unknown intervals
// map to 0; the scheduler skips them.
func (c CronInterval) Seconds() int64 {
	switch c {
	case Hourly:
		return 3600
	case Daily:
		return 86400
	case Weekly:
		return 604800
	case Monthly:
		return 2592000
	default:
		return 0
	}
}

// Period returns the interval as a duration.
func (c CronInterval) Period() time.Duration {
	return time.Duration(c.Seconds()) * time.Second
}

// Trigger attaches a periodic re-fire schedule to a node.
type Trigger struct {
	Interval CronInterval `json:"interval"`
}
