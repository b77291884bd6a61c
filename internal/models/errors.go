package models

import "errors"

// Store errors shared by every store implementation.
var (
	ErrJobNotFound        = errors.New("job not found")
	ErrProductNotFound    = errors.New("product not found")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrNoPendingJob       = errors.New("no pending job")
	// ErrJobNotActive is returned when writing to a job that is stopped or finished.
	ErrJobNotActive = errors.New("job is not active")
)
