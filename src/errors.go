package spatialengine

import "errors"

// Sentinel errors for the taxonomy in the error-handling design: configuration,
// device, and source errors map to distinct process exit codes. Runtime
// transients (stream underrun, degenerate direction) are never represented as
// errors — they are atomic counters/flags drained by the main thread.
var (
	ErrConfig = errors.New("configuration error")
	ErrDevice = errors.New("device error")
	ErrSource = errors.New("source error")
)

// ExitCode maps an error produced during startup to the process exit code
// mandated by the CLI contract: 1 configuration, 2 device, 3 source, 0 for nil.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrDevice):
		return 2
	case errors.Is(err, ErrSource):
		return 3
	case errors.Is(err, ErrConfig):
		return 1
	default:
		return 1
	}
}
