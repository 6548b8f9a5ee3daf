package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is matched by every rejection of an open or saturated breaker
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned when the breaker rejects a delivery
type OpenError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s is half-open and at its trial limit", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s is open after %d failures, retry at %s",
		e.Name, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}
