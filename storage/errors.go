package storage

import "errors"

// Storage error constants
var (
	// ErrUserNotFound is returned when a user is not found
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidCredentials covers a wrong password, an unknown user and an
	// inactive account alike so callers cannot tell them apart
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrMFARequired is returned when an MFA-enabled account supplied no code
	ErrMFARequired = errors.New("MFA code required")

	// ErrInvalidMFACode is returned for a wrong or expired TOTP code
	ErrInvalidMFACode = errors.New("invalid MFA code")

	// ErrRoleNotFound is returned when a role is not in the table
	ErrRoleNotFound = errors.New("role not found")

	// ErrPatientNotFound is returned when a patient record is not found
	ErrPatientNotFound = errors.New("patient not found")
)
