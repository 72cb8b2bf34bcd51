// Package id provides unique identifier generation for jobs.
package id

import "github.com/google/uuid"

// Generate creates a new unique job ID.
// Format: random (version 4) UUID, e.g. 0b6a2c8e-7f1d-4c5a-9e3b-2d4f6a8c0e1f
func Generate() string {
	return uuid.NewString()
}

// Valid reports whether s has the shape of a generated ID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
