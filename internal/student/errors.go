package student

import "errors"

var (
	// ErrConnection is returned when storage cannot be reached at startup.
	ErrConnection = errors.New("storage unavailable")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrConstraintViolation is returned when a roll number is already registered.
	ErrConstraintViolation = errors.New("roll number already registered")
	// ErrNotFound is returned when no student has the requested id.
	ErrNotFound = errors.New("student not found")
	// ErrStorage wraps any other query failure.
	ErrStorage = errors.New("storage error")
	// ErrInvalidCredentials is returned for an unknown roll number or a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ValidationError carries a message that is safe to show to the user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Is lets errors.Is(err, ErrValidation) match any validation failure.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
