package caches

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache failed for reason : %s ", ve.Reason)
}

// Is reports ErrValidation as a match so callers can test with errors.Is.
func (ve ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var (
	ErrValidation   = errors.New("invalid cache configuration")
	ErrNoCacheItem  = errors.New("no value found in cache")
	ErrStoreMissing = errors.New("cache store does not exist")
)
