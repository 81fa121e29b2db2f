package models

import "errors"

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAlreadyExists       = errors.New("account already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrSameAccount         = errors.New("cannot transfer to the same account")
	ErrUnauthorized        = errors.New("invalid credentials")
	ErrEventNotFound       = errors.New("event not found")

	// ErrTransient marks storage failures that are safe to retry (deadlocks,
	// serialization failures, connections lost before commit).
	ErrTransient = errors.New("transient storage failure")

	// ErrOutcomeUnknown is returned when a commit was sent but its result was lost.
	ErrOutcomeUnknown = errors.New("commit outcome unknown")

	// ErrConsistencyFailure is fatal: a balance mutation could not be confirmed or
	// a claimed credit could not be applied. It must reach an operator.
	ErrConsistencyFailure = errors.New("ledger consistency failure")
)
