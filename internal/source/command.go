package source

import (
	"errors"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/pipeline"
	"github.com/mattjoyce/bigstream/internal/proc"
)

// Command generator option names, shared with the remote generator.
const (
	OptCommand       = "command"
	OptExitThreshold = "exit_threshold"
	OptShell         = "shell"
)

// Command runs a local shell command and streams its stdout, with stderr as
// the first auxiliary channel.
func Command() *Generator {
	return &Generator{
		Name:    "command",
		Trigger: OptCommand,
		Options: config.Options{
			{Name: OptCommand},
			{Name: OptExitThreshold, Default: 0, Validate: config.NonNegativeInt},
			{Name: OptShell, Default: "/bin/sh"},
		},
		Open: func(cfg config.Resolved) (pipeline.Source, error) {
			command := cfg.String(OptCommand, "")
			if command == "" {
				return nil, &pipeerr.ConfigError{Option: OptCommand, Err: errors.New("no command to run")}
			}
			start := proc.Local(command, proc.LocalOptions{
				Shell:  cfg.String(OptShell, "/bin/sh"),
				Logger: log.WithGenerator("command"),
			})
			return proc.NewStream("command", command, int(cfg.Int(OptExitThreshold, 0)), start), nil
		},
	}
}
