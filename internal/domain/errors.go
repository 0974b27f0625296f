// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	ErrInvalidDocumentName = errors.New("invalid document name")
	ErrInvalidIdentity     = errors.New("invalid identity")
	ErrInvalidToken        = errors.New("invalid token")
	ErrUnauthorized        = errors.New("not authorized")
	ErrNotAdmin            = errors.New("administrator only")
	ErrNoIdentity          = errors.New("message has no sender identity")
)
