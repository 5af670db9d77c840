// Package proc runs external commands as pipeline stages.
//
// A command's stdout is the main data path and its stderr an auxiliary
// branch. The same Stream serves as a generator source (nothing on stdin)
// and as a parser stage (pipeline data piped to stdin).
//
// Termination handling:
//   - Cancelling the run context sends SIGTERM to the command's process group
//   - After a grace period SIGKILL is sent if the command is still running
//   - Remote commands implement the same Handle contract over their session
//
// Exit status handling:
//   - A status above the configured threshold fails the run with
//     pipeerr.NonZeroExitError
//   - Start and wait failures fail the run with pipeerr.TransportError
//   - Completion is the command's exit, after stdout and stderr drained
package proc
