// Package retry decides what happens to a task after a failed attempt or a
// negative completion check.
package retry

import (
	"fmt"
	"time"
)

// DefaultDelay is the gap between attempts when none is configured
const DefaultDelay = 3 * time.Second

// Decision is the outcome of a retry evaluation
type Decision int

const (
	// Retry re-attempts the task after the configured delay
	Retry Decision = iota
	// Disable moves the task to a terminal disabled state
	Disable
	// Unsatisfied gives up on an incomplete external task without retrying
	Unsatisfied
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Disable:
		return "disable"
	case Unsatisfied:
		return "unsatisfied"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Decide is the pure decision function. Rules are evaluated in order:
// an incomplete external task is unsatisfied when external retries are off;
// a task is disabled once consecutiveFailures reaches disableNumFailures
// (values <= 0 mean no ceiling); otherwise it is retried.
func Decide(consecutiveFailures int, externalIncomplete, retryExternal bool, disableNumFailures int) Decision {
	if externalIncomplete && !retryExternal {
		return Unsatisfied
	}
	if disableNumFailures > 0 && consecutiveFailures >= disableNumFailures {
		return Disable
	}
	return Retry
}

// Policy carries the retry configuration for one build
type Policy struct {
	RetryExternalTasks bool
	DisableNumFailures int
	RetryDelay         time.Duration
}

// Decide applies the policy to a task's current failure count
func (p Policy) Decide(consecutiveFailures int, externalIncomplete bool) Decision {
	return Decide(consecutiveFailures, externalIncomplete, p.RetryExternalTasks, p.DisableNumFailures)
}

// NextAttempt returns the earliest time the task may be attempted again
func (p Policy) NextAttempt(now time.Time) time.Time {
	delay := p.RetryDelay
	if delay < 0 {
		delay = 0
	}
	return now.Add(delay)
}
