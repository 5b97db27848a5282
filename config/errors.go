package config

import "errors"

var (
	// ErrMissingEnv indicates a ${VAR} reference to an unset variable.
	ErrMissingEnv = errors.New("config: missing required environment variables")

	// ErrInvalidEnv indicates a PROXYOPS_* override that could not be parsed.
	ErrInvalidEnv = errors.New("config: invalid environment override")

	// ErrInvalid indicates Validate failed.
	ErrInvalid = errors.New("config: invalid")
)
