package server

import "errors"

// Error taxonomy from spec §7. Drivers translate transport-specific
// failures into these sentinels via errors.Is/As wrapping, so the
// Deployer can react (retry a TransportError, abort on ConnectionError)
// without knowing which driver it is talking to.
var (
	// ErrConnection is returned by Connect on establishment/auth
	// failure.
	ErrConnection = errors.New("server: connection error")

	// ErrTransport is returned on a retryable mid-session I/O failure.
	ErrTransport = errors.New("server: transport error")

	// ErrNotFound is returned when an expected remote resource is
	// absent.
	ErrNotFound = errors.New("server: not found")

	// ErrUnsupported is returned by Execute on drivers with no
	// remote-shell concept (pure FTP).
	ErrUnsupported = errors.New("server: operation unsupported by this driver")
)
