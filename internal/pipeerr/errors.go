// Package pipeerr defines the failure taxonomy shared by pipeline stages,
// sources, parsers and the engine. Every type unwraps to its cause so callers
// can combine errors.As on the kind with errors.Is on the root error.
package pipeerr

import (
	"errors"
	"fmt"
)

// ErrNoPipeline is the root of UnexpectedStateError when data arrives while
// no block-mode input is open.
var ErrNoPipeline = errors.New("no active pipeline")

// ConfigError reports a bad option, a validator failure or an unknown kind.
type ConfigError struct {
	Option string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %q: %v", e.Option, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SourceError reports a source stage that cannot open or produce data.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// UpstreamError carries a failure signalled by an earlier pipeline in a chain.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return e.Message + " from upstream"
}

// UnexpectedStateError reports input that does not fit the block-mode state.
type UnexpectedStateError struct {
	Reason string
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("unexpected state: %s", e.Reason)
}

func (e *UnexpectedStateError) Unwrap() error { return ErrNoPipeline }

// TransportError reports a connection or session failure of a command source.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NonZeroExitError reports an external command whose exit status exceeds
// the configured threshold.
type NonZeroExitError struct {
	Command   string
	Status    int
	Threshold int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d (threshold %d)", e.Command, e.Status, e.Threshold)
}

// Kind returns a short classification for logs and run history.
func Kind(err error) string {
	var (
		cfgErr   *ConfigError
		srcErr   *SourceError
		upErr    *UpstreamError
		stateErr *UnexpectedStateError
		trErr    *TransportError
		exitErr  *NonZeroExitError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &upErr):
		return "upstream"
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &stateErr):
		return "unexpected_state"
	case errors.As(err, &exitErr):
		return "non_zero_exit"
	case errors.As(err, &trErr):
		return "transport"
	case errors.As(err, &srcErr):
		return "source"
	default:
		return "internal"
	}
}
