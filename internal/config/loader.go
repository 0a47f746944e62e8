package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/exthost/internal/manifest"
)

// ConfigFilename is the file looked for inside a config directory.
const ConfigFilename = "config.yaml"

// EnvConfigDir overrides config discovery.
const EnvConfigDir = "EXTHOST_CONFIG_DIR"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml when configPath
// is a directory. Values overlay Defaults, relative paths are resolved
// against the file's directory, and a .checksums file next to it is
// enforced when present.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyChecksums(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	cfg.resolvePaths(filepath.Dir(absPath))

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over Defaults after ${VAR} interpolation. Unknown keys
// are rejected. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// ResolvePath turns a file or directory argument into the absolute path of
// the config file.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, ConfigFilename)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", ConfigFilename, absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config location by checking standard places.
// Priority order: $EXTHOST_CONFIG_DIR, ~/.config/exthost, /etc/exthost, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "exthost")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/exthost"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./" + ConfigFilename); err == nil {
		return "./" + ConfigFilename, nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/exthost, /etc/exthost, ./%s)", EnvConfigDir, ConfigFilename)
}

func (c *Config) resolvePaths(baseDir string) {
	for i, root := range c.Extensions.Roots {
		c.Extensions.Roots[i] = resolveAgainst(baseDir, root)
	}
	if c.State.Path != "" && c.State.Path != ":memory:" {
		c.State.Path = resolveAgainst(baseDir, c.State.Path)
	}
}

func resolveAgainst(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(baseDir, p)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks a configuration for values the host cannot run with.
func Validate(cfg *Config) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, cfg.Service.LogLevel) {
		return fmt.Errorf("service.log_level must be one of: %s (got %q)", strings.Join(validLogLevels, ", "), cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	ext := cfg.Extensions
	if len(ext.Roots) == 0 {
		return fmt.Errorf("extensions.roots must list at least one directory")
	}
	for i, root := range ext.Roots {
		if strings.TrimSpace(root) == "" {
			return fmt.Errorf("extensions.roots[%d] is empty", i)
		}
		if err := unresolved(fmt.Sprintf("extensions.roots[%d]", i), root); err != nil {
			return err
		}
	}
	for i, p := range ext.AllowedPermissions {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("extensions.allowed_permissions[%d] is empty", i)
		}
	}
	if ext.Platform.Version != "" && !manifest.ValidVersion(ext.Platform.Version) {
		return fmt.Errorf("extensions.platform.version %q is not a semantic version", ext.Platform.Version)
	}
	validResolvers := []string{"auto", "static", "lua", "exec"}
	if !slices.Contains(validResolvers, ext.Resolver.Default) {
		return fmt.Errorf("extensions.resolver.default must be one of: %s (got %q)", strings.Join(validResolvers, ", "), ext.Resolver.Default)
	}
	if ext.Resolver.ExecTimeout <= 0 {
		return fmt.Errorf("extensions.resolver.exec_timeout must be positive")
	}

	if err := unresolved("state.path", cfg.State.Path); err != nil {
		return err
	}
	if cfg.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be positive")
	}

	if cfg.API.Enabled {
		if strings.TrimSpace(cfg.API.Listen) == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d]", i)
			if tok.Token == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := unresolved(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must be non-empty", field)
			}
		}
	}
	return nil
}

func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
