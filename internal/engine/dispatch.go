package engine

import (
	"fmt"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/pipeline"
	"github.com/mattjoyce/bigstream/internal/protocol"
	"github.com/mattjoyce/bigstream/internal/queue"
)

// generatorJob builds the job for a generator-mode request. It returns nil
// when the request has no generator role: no kind configured or no trigger
// value found.
func (e *Engine) generatorJob(msg *protocol.Message) (*queue.Job, error) {
	eng, err := config.Resolve(e.opts.Base, msg.Config, e.opts.Credentials, config.EngineOptions())
	if err != nil {
		return nil, err
	}

	kind := eng.String(config.OptGenerator, "")
	if kind == "" {
		return nil, nil
	}
	key := eng.String(config.OptStartPointType, "filename")
	trigger, ok := e.trigger(msg, key)
	if !ok {
		return nil, nil
	}

	gen, ok := e.opts.Generators.Get(kind)
	if !ok {
		return nil, &pipeerr.ConfigError{Option: config.OptGenerator, Err: fmt.Errorf("unknown generator %q", kind)}
	}

	parserName := eng.String(config.OptParser, "")
	if gen.Parser != "" {
		parserName = gen.Parser
	}
	declared := append(config.EngineOptions(), gen.Options...)
	parserFactory, parserOpts, err := e.parser(parserName)
	if err != nil {
		return nil, err
	}
	declared = append(declared, parserOpts...)

	overrides := config.Merge(msg.Config, map[string]any{gen.Trigger: trigger})
	if parserName != "" {
		overrides[config.OptParser] = parserName
	}
	cfg, err := config.Resolve(e.opts.Base, overrides, e.opts.Credentials, declared)
	if err != nil {
		return nil, err
	}

	return &queue.Job{
		Generator: gen.Name,
		Trigger:   trigger,
		Request: pipeline.Request{
			Message:    msg,
			Config:     cfg,
			Source:     gen.Open,
			Middleware: []pipeline.StageFactory{pipeline.Size},
			Parser:     parserFactory,
		},
	}, nil
}

// trigger finds the generator's start value: the request config, then the
// request field, then the static config, then a string payload.
func (e *Engine) trigger(msg *protocol.Message, key string) (string, bool) {
	if v, ok := nonEmpty(msg.Config[key]); ok {
		return v, true
	}
	if v, ok := msg.Field(key); ok {
		if s, ok := nonEmpty(v); ok {
			return s, true
		}
	}
	if v, ok := nonEmpty(e.opts.Base[key]); ok {
		return v, true
	}
	if s, ok := msg.Payload.(string); ok && s != "" {
		return s, true
	}
	return "", false
}

// parser looks up a parser kind. An empty name means no parser.
func (e *Engine) parser(name string) (pipeline.ParserFactory, config.Options, error) {
	if name == "" {
		return nil, nil, nil
	}
	p, ok := e.opts.Parsers.Get(name)
	if !ok {
		return nil, nil, &pipeerr.ConfigError{Option: config.OptParser, Err: fmt.Errorf("unknown parser %q", name)}
	}
	return p.New, p.Options, nil
}

func nonEmpty(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, s != ""
	default:
		return fmt.Sprint(v), true
	}
}
