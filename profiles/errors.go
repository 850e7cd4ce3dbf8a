package profiles

import "fmt"

// ErrProfileNotFound is returned when no profile is stored under ID.
type ErrProfileNotFound struct {
	ID string
}

func (e *ErrProfileNotFound) Error() string {
	return fmt.Sprintf("profiles: profile not found: %s", e.ID)
}

// ErrInvalidProfile describes one validation failure.
type ErrInvalidProfile struct {
	Field  string
	Reason string
}

func (e *ErrInvalidProfile) Error() string {
	return fmt.Sprintf("profiles: invalid profile: %s: %s", e.Field, e.Reason)
}

// Details flattens a validation error into one message per problem.
func Details(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
