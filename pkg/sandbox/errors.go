package sandbox

import "errors"

var (
	// ErrDenied is returned (wrapped) when the sandbox blocked the
	// operation. This is the only error class the orchestrator escalates
	// on; everything else is a plain execution failure.
	ErrDenied = errors.New("sandbox denied operation")

	// ErrEmptyCommand is returned when a request carries no argv.
	ErrEmptyCommand = errors.New("empty command")

	// ErrInvalidTier is returned for an unknown sandbox tier.
	ErrInvalidTier = errors.New("invalid sandbox tier")
)

// IsDenied reports whether err means the sandbox blocked the operation.
func IsDenied(err error) bool {
	return errors.Is(err, ErrDenied)
}
