package config

// Config represents the complete bigstream service configuration.
type Config struct {
	Service     ServiceConfig  `yaml:"service"`
	State       StateConfig    `yaml:"state"`
	API         APIConfig      `yaml:"api,omitempty"`
	Engine      EngineConfig   `yaml:"engine"`
	Credentials map[string]any `yaml:"credentials,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines run history storage settings. An empty path disables history.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings. APIKey is the admin token;
// Tokens carry narrower scopes.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	APIKey  string        `yaml:"api_key"`
	Tokens  []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig is a scoped bearer token.
type TokenConfig struct {
	Name   string   `yaml:"name"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// EngineConfig defines the node-level engine settings. Defaults is the base
// configuration every request override is merged onto.
type EngineConfig struct {
	Generator      string         `yaml:"generator,omitempty"`
	Parser         string         `yaml:"parser,omitempty"`
	Progress       string         `yaml:"progress,omitempty"` // filesize | records
	QueueOrder     string         `yaml:"queue_order,omitempty"`
	TemplateFields []string       `yaml:"template_fields,omitempty"`
	Defaults       map[string]any `yaml:"defaults,omitempty"`
}

// Engine option names always recognized on top of generator/parser options.
const (
	OptCheckpoint     = "checkpoint"
	OptStatusRate     = "status_rate"
	OptControlRate    = "control_rate"
	OptStartPointType = "start_point_type"
	OptFormat         = "format"
	OptGenerator      = "generator"
	OptParser         = "parser"
)

// Queue orders.
const (
	QueueLIFO = "lifo"
	QueueFIFO = "fifo"
)

// Progress renderings for status text.
const (
	ProgressFilesize = "filesize"
	ProgressRecords  = "records"
)

// DefaultTemplateFields are copied from the first request of a run onto every
// message the run emits.
var DefaultTemplateFields = []string{"_msgid", "topic", "correlation_id"}

// EngineOptions declares the options every run resolves.
func EngineOptions() Options {
	return Options{
		{Name: OptCheckpoint, Default: 100, Validate: PositiveIntOr(100)},
		{Name: OptStatusRate, Default: 1000, Validate: PositiveIntOr(1000)},
		{Name: OptControlRate, Default: 1000, Validate: PositiveIntOr(1000)},
		{Name: OptStartPointType, Default: "filename"},
		{Name: OptFormat, Default: "utf8", Validate: OneOf("utf8", "binary", "base64")},
		{Name: OptGenerator},
		{Name: OptParser},
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "bigstream",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/bigstream.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Engine: EngineConfig{
			Progress:       ProgressFilesize,
			QueueOrder:     QueueLIFO,
			TemplateFields: append([]string(nil), DefaultTemplateFields...),
			Defaults:       make(map[string]any),
		},
	}
}
