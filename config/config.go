package config

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport    string  `mapstructure:"transport"`
	HTTPPort     int     `mapstructure:"http_port"`
	APIEnabled   bool    `mapstructure:"api_enabled"`
	APIPort      int     `mapstructure:"api_port"`
	APIRateLimit float64 `mapstructure:"api_rate_limit"`
	APIBurst     int     `mapstructure:"api_burst"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend              string  `mapstructure:"backend"`
	EnableProcessBackend bool    `mapstructure:"enable_process_backend"`
	AllowProcessFallback bool    `mapstructure:"allow_process_fallback"`
	TimeoutSec           int     `mapstructure:"timeout_sec"`
	CompileTimeoutSec    int     `mapstructure:"compile_timeout_sec"`
	MemoryMB             int     `mapstructure:"memory_mb"`
	CPUs                 float64 `mapstructure:"cpus"`
	PidsLimit            int64   `mapstructure:"pids_limit"`
	MaxOpenFiles         int64   `mapstructure:"max_open_files"`
	MaxProcesses         int64   `mapstructure:"max_processes"`
	MaxFileSizeMB        int64   `mapstructure:"max_file_size_mb"`
	MaxOutputBytes       int64   `mapstructure:"max_output_bytes"`
	MaxConcurrent        int     `mapstructure:"max_concurrent"`
	QueueTimeoutSec      int     `mapstructure:"queue_timeout_sec"`
	NetworkEnabled       bool    `mapstructure:"network_enabled"`
	StderrIsFailure      bool    `mapstructure:"stderr_is_failure"`
	WorkDir              string  `mapstructure:"work_dir"`
	ContainerRuntime     string  `mapstructure:"container_runtime"`
	ContainerUser        string  `mapstructure:"container_user"`
	RunAsUID             int     `mapstructure:"run_as_uid"`
	RunAsGID             int     `mapstructure:"run_as_gid"`
	PullImages           bool    `mapstructure:"pull_images"`
	LanguagesFile        string  `mapstructure:"languages_file"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language holds the execution settings of one supported language.
// Command templates are argument vectors; see sandbox.Profile for placeholders.
type Language struct {
	DisplayName       string            `mapstructure:"display_name" yaml:"display_name"`
	Extension         string            `mapstructure:"extension" yaml:"extension"`
	FileName          string            `mapstructure:"file_name" yaml:"file_name"`
	FileNamePattern   string            `mapstructure:"file_name_pattern" yaml:"file_name_pattern"`
	Image             string            `mapstructure:"image" yaml:"image"`
	CompileCmd        []string          `mapstructure:"compile_cmd" yaml:"compile_cmd"`
	RunCmd            []string          `mapstructure:"run_cmd" yaml:"run_cmd"`
	Environment       map[string]string `mapstructure:"environment" yaml:"environment"`
	CompileTimeoutSec int               `mapstructure:"compile_timeout_sec" yaml:"compile_timeout_sec"`
	Disabled          bool              `mapstructure:"disabled" yaml:"disabled"`
}

const envPrefix = "SCRIPTORIUM"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from config.yaml in . and ./config
// when path is empty. A missing default config file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	languages := DefaultLanguages()
	mergeLanguages(languages, config.Languages)

	if config.Sandbox.LanguagesFile != "" {
		fromFile, err := LoadLanguagesFile(config.Sandbox.LanguagesFile)
		if err != nil {
			return nil, err
		}
		mergeLanguages(languages, fromFile)
	}
	config.Languages = languages

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.api_enabled", false)
	v.SetDefault("server.api_port", 8081)
	v.SetDefault("server.api_rate_limit", 5.0)
	v.SetDefault("server.api_burst", 10)
	v.SetDefault("server.max_body_bytes", 256*1024)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.enable_process_backend", false)
	v.SetDefault("sandbox.allow_process_fallback", false)
	v.SetDefault("sandbox.timeout_sec", 5)
	v.SetDefault("sandbox.compile_timeout_sec", 20)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpus", 0.5)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.max_open_files", 64)
	v.SetDefault("sandbox.max_processes", 64)
	v.SetDefault("sandbox.max_file_size_mb", 16)
	v.SetDefault("sandbox.max_output_bytes", 50*1024)
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.queue_timeout_sec", 10)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.stderr_is_failure", true)
	v.SetDefault("sandbox.work_dir", "")
	v.SetDefault("sandbox.container_runtime", "podman")
	v.SetDefault("sandbox.container_user", "65534:65534")
	v.SetDefault("sandbox.run_as_uid", 65534)
	v.SetDefault("sandbox.run_as_gid", 65534)
	v.SetDefault("sandbox.pull_images", false)
	v.SetDefault("sandbox.languages_file", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// mergeLanguages overlays non-empty fields of overrides onto base. Unknown
// languages are added as-is.
func mergeLanguages(base, overrides map[string]Language) {
	for name, o := range overrides {
		key := strings.ToLower(name)
		l, ok := base[key]
		if !ok {
			l = Language{}
		}
		if o.DisplayName != "" {
			l.DisplayName = o.DisplayName
		}
		if o.Extension != "" {
			l.Extension = o.Extension
		}
		if o.FileName != "" {
			l.FileName = o.FileName
		}
		if o.FileNamePattern != "" {
			l.FileNamePattern = o.FileNamePattern
		}
		if o.Image != "" {
			l.Image = o.Image
		}
		if len(o.CompileCmd) > 0 {
			l.CompileCmd = o.CompileCmd
		}
		if len(o.RunCmd) > 0 {
			l.RunCmd = o.RunCmd
		}
		if o.CompileTimeoutSec > 0 {
			l.CompileTimeoutSec = o.CompileTimeoutSec
		}
		if len(o.Environment) > 0 {
			env := make(map[string]string, len(l.Environment)+len(o.Environment))
			for k, val := range l.Environment {
				env[k] = val
			}
			// viper lowercases map keys; environment variable names are upper case
			for k, val := range o.Environment {
				env[strings.ToUpper(k)] = val
			}
			l.Environment = env
		}
		l.Disabled = o.Disabled
		base[key] = l
	}
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.APIEnabled && (c.Server.APIPort <= 0 || c.Server.APIPort > 65535) {
		return fmt.Errorf("invalid server.api_port: %d", c.Server.APIPort)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.CompileTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.compile_timeout_sec must be positive, got: %d", c.Sandbox.CompileTimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.QueueTimeoutSec < 0 {
		return fmt.Errorf("sandbox.queue_timeout_sec must not be negative, got: %d", c.Sandbox.QueueTimeoutSec)
	}

	if c.Sandbox.CPUs < 0 {
		return fmt.Errorf("sandbox.cpus must not be negative, got: %g", c.Sandbox.CPUs)
	}

	for name, v := range map[string]int64{
		"pids_limit":       c.Sandbox.PidsLimit,
		"max_open_files":   c.Sandbox.MaxOpenFiles,
		"max_processes":    c.Sandbox.MaxProcesses,
		"max_file_size_mb": c.Sandbox.MaxFileSizeMB,
	} {
		if v < 0 {
			return fmt.Errorf("sandbox.%s must not be negative, got: %d", name, v)
		}
	}

	supportedBackends := map[string]bool{
		"docker":  true,
		"podman":  true,
		"process": c.Sandbox.EnableProcessBackend, // process only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.AllowProcessFallback && !c.Sandbox.EnableProcessBackend {
		return fmt.Errorf("sandbox.allow_process_fallback requires sandbox.enable_process_backend")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	for name, lang := range c.Languages {
		if lang.Disabled {
			continue
		}
		if err := lang.validate(c.Sandbox.Backend); err != nil {
			return fmt.Errorf("languages.%s: %w", name, err)
		}
	}

	return nil
}

func (l Language) validate(backend string) error {
	if !strings.HasPrefix(l.Extension, ".") {
		return fmt.Errorf("extension must start with '.', got: %q", l.Extension)
	}
	if len(l.RunCmd) == 0 {
		return fmt.Errorf("run_cmd must not be empty")
	}
	if l.FileName != "" && !identPattern.MatchString(l.FileName) {
		return fmt.Errorf("invalid file_name: %q", l.FileName)
	}
	if l.FileNamePattern != "" {
		re, err := regexp.Compile(l.FileNamePattern)
		if err != nil {
			return fmt.Errorf("invalid file_name_pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("file_name_pattern must have a capture group")
		}
	}
	if backend != "process" && l.Image == "" {
		return fmt.Errorf("image is required for the %s backend", backend)
	}
	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetCompileTimeout returns the default compile phase timeout
func (c *Config) GetCompileTimeout() time.Duration {
	return time.Duration(c.Sandbox.CompileTimeoutSec) * time.Second
}

// GetQueueTimeout returns how long a request may wait for an execution slot
func (c *Config) GetQueueTimeout() time.Duration {
	return time.Duration(c.Sandbox.QueueTimeoutSec) * time.Second
}
