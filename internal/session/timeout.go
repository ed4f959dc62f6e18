package session

import "time"

// Expiry is the result of checking a run's deadlines.
type Expiry int

const (
	ExpiryNone Expiry = iota
	ExpiryHard
	ExpiryIdle
)

func (e Expiry) String() string {
	switch e {
	case ExpiryHard:
		return "hard"
	case ExpiryIdle:
		return "idle"
	default:
		return "none"
	}
}

// Deadlines tracks the two timeout policies of a run.
//
// Hard is fixed at start. Idle moves forward every time output arrives.
// A zero time disables the corresponding deadline.
type Deadlines struct {
	Hard      time.Time
	Idle      time.Time
	idleLimit time.Duration
}

// NewDeadlines sets both deadlines relative to start. A non-positive limit
// disables that deadline.
func NewDeadlines(start time.Time, hardLimit, idleLimit time.Duration) Deadlines {
	d := Deadlines{idleLimit: idleLimit}
	if hardLimit > 0 {
		d.Hard = start.Add(hardLimit)
	}
	d.Touch(start)
	return d
}

// Touch renews the idle deadline after output was received at now.
func (d *Deadlines) Touch(now time.Time) {
	if d.idleLimit > 0 {
		d.Idle = now.Add(d.idleLimit)
	}
}

// Check reports which deadline, if any, has passed at now.
// The hard deadline wins when both have passed.
func (d Deadlines) Check(now time.Time) Expiry {
	if !d.Hard.IsZero() && now.After(d.Hard) {
		return ExpiryHard
	}
	if !d.Idle.IsZero() && now.After(d.Idle) {
		return ExpiryIdle
	}
	return ExpiryNone
}
