package refresh

import (
	"fmt"
	"math"
	"time"
)

var (
	ErrAlreadyRefreshing = fmt.Errorf("a refresh is already in progress for this entity")
	ErrEntityNotFound    = fmt.Errorf("no wallet account or billable service with this id")
	ErrNoCredential      = fmt.Errorf("no credential stored for this account")
)

// CooldownActiveError is a control-flow rejection, not a defect: the
// entity was refreshed too recently and the caller should retry later.
type CooldownActiveError struct {
	Remaining time.Duration
}

func (e CooldownActiveError) Error() string {
	return fmt.Sprintf("please wait %ds before refreshing again", e.RemainingSeconds())
}

// RemainingSeconds rounds up so the caller never retries a moment early.
func (e CooldownActiveError) RemainingSeconds() int64 {
	return int64(math.Ceil(e.Remaining.Seconds()))
}

type QuotaExceededError struct {
	Limit   int64
	ResetAt time.Time
}

func (e QuotaExceededError) Error() string {
	return fmt.Sprintf("daily refresh limit of %d reached, try again tomorrow", e.Limit)
}
