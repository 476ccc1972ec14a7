// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a write that contradicts the entity's current state,
// such as a second, different terminal status for a job.
var ErrConflict = errors.New("conflict: resource is in an incompatible state")

// ErrValidation indicates invalid caller input.
var ErrValidation = errors.New("validation failed")
