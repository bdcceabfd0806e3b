package config

import "errors"

// Sentinel errors for configuration validation.
var (
	ErrInvalidConfig      = errors.New("invalid config")
	ErrMnemonicFileNotSet = errors.New("mnemonic file path not configured")
	ErrNoValidatorKeys    = errors.New("no anchoring validator keys configured")
)

// Error codes — stable identifiers surfaced on the status API.
const (
	ErrorInvalidConfig = "ERROR_INVALID_CONFIG"
	ErrorInternal      = "ERROR_INTERNAL"
)
