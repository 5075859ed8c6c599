package sim

import "errors"

// Sentinel errors for the simulator app layer.
var (
	// ErrConfigInvalid indicates a config file that parsed but failed
	// validation.
	ErrConfigInvalid = errors.New("invalid config")

	// ErrConfigFileNotFound indicates an explicitly requested config file
	// that does not exist.
	ErrConfigFileNotFound = errors.New("config file not found")

	// ErrUsage indicates a command invoked with missing or malformed
	// arguments.
	ErrUsage = errors.New("usage error")
)
