package connection

import "fmt"

// Error is returned when the registry cannot produce a handle for an alias:
// settings are missing, the settings are invalid, or the driver failed to
// construct or reach the deployment.
type Error struct {
	Alias  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection %q: %s: %v", e.Alias, e.Reason, e.Err)
	}
	return fmt.Sprintf("connection %q: %s", e.Alias, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }
