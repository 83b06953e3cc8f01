package core

import "errors"

var (
	// ErrInvalidName is returned when a set name is empty, too long or holds
	// whitespace.
	ErrInvalidName = errors.New("core: invalid set name")
	// ErrAlreadyExists is returned by Create when the name is taken by a live set.
	ErrAlreadyExists = errors.New("core: set already exists")
	// ErrDeletionInProgress is returned by Create while a dropped set with the
	// same name awaits reclamation.
	ErrDeletionInProgress = errors.New("core: set deletion in progress")
	// ErrSetDoesNotExist is returned for operations on unknown or dropped sets.
	ErrSetDoesNotExist = errors.New("core: set does not exist")
	// ErrNotProxiedOrNotClosed is returned by Clear unless the set is a closed,
	// persisted set.
	ErrNotProxiedOrNotClosed = errors.New("core: set is not proxied or not closed")
	// ErrBadOptions is returned when create options or size arguments are invalid.
	ErrBadOptions = errors.New("core: invalid set options")
	// ErrNotSliding is returned for windowed sizes of sets created without a
	// sliding window.
	ErrNotSliding = errors.New("core: set is not sliding")
	// ErrManagerClosed is returned once the manager has been shut down.
	ErrManagerClosed = errors.New("core: manager closed")
)
