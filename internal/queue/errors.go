package queue

import "errors"

var (
	// ErrNotFound is returned when a local id is unknown to the store.
	ErrNotFound = errors.New("queue item not found")
	// ErrDuplicate is returned when registering a local id twice.
	ErrDuplicate = errors.New("queue item already registered")
	// ErrAlreadyBound is returned when an item is bound to a different remote pair.
	ErrAlreadyBound = errors.New("queue item already bound")
)
