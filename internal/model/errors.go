package model

import (
	"errors"
)

var (
	ErrISOFormat    = errors.New("invalid ISO8601 duration")
	ErrUndefinedKey = errors.New("key is undefined")
	ErrInterval     = errors.New("interval must be positive")
)
