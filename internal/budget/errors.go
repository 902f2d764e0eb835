package budget

import "fmt"

// ErrExceeded is returned when a user's period spend has reached their
// ceiling. It is surfaced distinctly so callers can prompt an upgrade or a
// wait instead of a generic failure.
type ErrExceeded struct {
	UserID  string
	Spent   float64
	Ceiling float64
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("budget exceeded for user %s: spent=$%.4f ceiling=$%.4f", e.UserID, e.Spent, e.Ceiling)
}
