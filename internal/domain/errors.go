// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict or a state that
// forbids the requested mutation.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrForbidden indicates the caller lacks the role required for the operation.
var ErrForbidden = errors.New("forbidden")
