package api

import (
	"github.com/mattjoyce/bigstream/internal/engine"
	"github.com/mattjoyce/bigstream/internal/history"
)

// MessageResponse is returned when POST /messages accepts a message.
type MessageResponse struct {
	Status     string `json:"status"`
	Busy       bool   `json:"busy"`
	QueueDepth int    `json:"queue_depth"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	engine.Status
	EventsDropped int64 `json:"events_dropped"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Runs []history.Entry `json:"runs"`
}

// OptionInfo describes one declared option of a generator or parser.
type OptionInfo struct {
	Name    string `json:"name"`
	Default any    `json:"default,omitempty"`
}

// KindInfo describes a registered generator or parser kind.
type KindInfo struct {
	Name    string       `json:"name"`
	Trigger string       `json:"trigger,omitempty"`
	Parser  string       `json:"parser,omitempty"`
	Options []OptionInfo `json:"options"`
}

// CatalogResponse is returned by GET /generators.
type CatalogResponse struct {
	Generators []KindInfo `json:"generators"`
	Parsers    []KindInfo `json:"parsers"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Busy          bool   `json:"busy"`
	QueueDepth    int    `json:"queue_depth"`
}
