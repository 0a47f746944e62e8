package config

import "time"

// Config represents the complete exthost configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Extensions ExtensionsConfig `yaml:"extensions"`
	State      StateConfig      `yaml:"state"`
	Events     EventsConfig     `yaml:"events"`
	API        APIConfig        `yaml:"api,omitempty"`

	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ExtensionsConfig controls where extensions come from and what they may do.
type ExtensionsConfig struct {
	Roots              []string       `yaml:"roots"`
	AllowedPermissions []string       `yaml:"allowed_permissions"`
	Platform           PlatformConfig `yaml:"platform"`
	Resolver           ResolverConfig `yaml:"resolver"`
	ActivateOnStart    bool           `yaml:"activate_on_start"`
}

// PlatformConfig names the host for manifest engines checks.
type PlatformConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ResolverConfig selects how extension entry points are turned into modules.
type ResolverConfig struct {
	Default     string        `yaml:"default"` // auto, static, lua, exec
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// StateConfig defines journal storage settings. An empty path disables the journal.
type StateConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig sizes the in-memory event ring.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with every default filled in.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "exthost",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Extensions: ExtensionsConfig{
			Roots: []string{"./extensions"},
			Platform: PlatformConfig{
				Name:    "exthost",
				Version: "1.0.0",
			},
			Resolver: ResolverConfig{
				Default:     "auto",
				ExecTimeout: 30 * time.Second,
			},
			ActivateOnStart: true,
		},
		State: StateConfig{
			Path: "./data/exthost.db",
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
