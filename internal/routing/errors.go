package routing

import (
	"errors"
	"fmt"

	"cloudrt/internal/raystate"
)

// InvariantError reports a ray state in an impossible combination. It is a programming
// error and is never recovered from.
type InvariantError struct {
	Ray       raystate.RayState
	Condition string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("routing invariant violated: %s (%s)", e.Condition, e.Ray)
}

// IsInvariant reports whether err is or wraps an *InvariantError
func IsInvariant(err error) bool {
	var inv *InvariantError
	return errors.As(err, &inv)
}

func violation(rs raystate.RayState, format string, args ...any) error {
	return &InvariantError{Ray: rs, Condition: fmt.Sprintf(format, args...)}
}
