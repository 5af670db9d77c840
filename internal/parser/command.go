package parser

import (
	"fmt"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/pipeline"
	"github.com/mattjoyce/bigstream/internal/proc"
)

// CommandName is the registry name of the external command parser.
const CommandName = "command"

// Parser option names of the command parser.
const (
	OptParserCommand   = "parser_command"
	OptParserThreshold = "parser_exit_threshold"
)

// Command returns the parser piping run data through a local command. Its
// stdout continues down the pipeline, its stderr becomes an auxiliary
// branch, and the stage completes when the command exits.
func Command() *Parser {
	return &Parser{
		Name: CommandName,
		Options: config.Options{
			{Name: OptParserCommand},
			{Name: OptParserThreshold, Default: 0, Validate: config.NonNegativeInt},
		},
		New: func(cfg config.Resolved) (pipeline.Stage, error) {
			command := cfg.String(OptParserCommand, "")
			if command == "" {
				return nil, &pipeerr.ConfigError{Option: OptParserCommand, Err: fmt.Errorf("required by the %s parser", CommandName)}
			}
			start := proc.Local(command, proc.LocalOptions{
				WithStdin: true,
				Logger:    log.WithComponent("parser").With("parser", CommandName),
			})
			return proc.NewStream(CommandName, command, int(cfg.Int(OptParserThreshold, 0)), start), nil
		},
	}
}
