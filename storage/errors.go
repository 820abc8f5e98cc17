package storage

import "errors"

var (
	// ErrNotFound is returned when a connection or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConnectionExists is returned when an active connection already pairs
	// the same remote key under the same protocol.
	ErrConnectionExists = errors.New("active connection already exists for remote key")
	// ErrInvalidTransition is returned when an outcome would move a record
	// backwards through its lifecycle.
	ErrInvalidTransition = errors.New("invalid request state transition")
	// ErrNoBudget is returned when debiting a connection with no daily limit.
	ErrNoBudget = errors.New("connection has no budget configured")
)
