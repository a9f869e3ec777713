package profiler

import "github.com/pkg/errors"

// Error classes. Returned errors wrap one of these; test with errors.Is.
var (
	// ErrConfiguration marks a bad option, a non-positive interval size or
	// an output file that cannot be created. It is fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrProtocolViolation marks an impossible event from the host, such as
	// a block without instructions. The event is dropped and the run goes
	// on.
	ErrProtocolViolation = errors.New("protocol violation")
)

func configErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}
