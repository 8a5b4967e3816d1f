package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/gridftp/internal/bytesize"
)

// Config represents the gridftp client configuration.
//
// It captures everything the CLI needs before issuing an operation:
//   - Logging configuration
//   - Telemetry/tracing and profiling configuration
//   - Prometheus metrics endpoint
//   - Default transfer attributes (mode, parallelism, buffers, timeouts)
//   - X.509 credentials for gsiftp:// endpoints
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (GRIDFTP_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Client holds the default attributes applied to every operation
	Client ClientConfig `mapstructure:"client" yaml:"client"`

	// Credentials locates the X.509 credential used for gsiftp:// URLs
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, one span per operation is exported to an OTLP-compatible
// collector (e.g., Jaeger, Tempo, or any OTLP receiver).
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling. Useful when
// tuning parallelism and buffer sizes on long transfers.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in for profiling)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040" (standard Pyroscope port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Valid values: cpu, alloc_objects, alloc_space, inuse_objects, inuse_space,
	//               goroutines, mutex_count, mutex_duration, block_count, block_duration
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ClientConfig holds the default operation attributes. CLI flags override
// individual fields.
type ClientConfig struct {
	// CacheConnections keeps control connections open between operations
	// of one CLI invocation (e.g. a recursive copy).
	CacheConnections bool `mapstructure:"cache_connections" yaml:"cache_connections"`

	// Mode is the data channel mode
	// Valid values: stream, extended_block
	Mode string `mapstructure:"mode" validate:"required,oneof=stream extended_block" yaml:"mode"`

	// Type is the representation type
	// Valid values: binary, ascii (ascii requires stream mode)
	Type string `mapstructure:"type" validate:"required,oneof=binary ascii" yaml:"type"`

	// Parallelism is the number of data streams per stripe in extended block mode
	// Default: 4
	Parallelism int `mapstructure:"parallelism" validate:"min=1,max=64" yaml:"parallelism"`

	// TCPBuffer is the socket buffer requested with SBUF; 0 keeps the server default
	// Supports human-readable formats: "1Mi", "4MB"
	TCPBuffer bytesize.ByteSize `mapstructure:"tcp_buffer" yaml:"tcp_buffer"`

	// BlockSize is the size of each transfer buffer and extended block
	// Default: 1Mi
	BlockSize bytesize.ByteSize `mapstructure:"block_size" validate:"gt=0" yaml:"block_size"`

	// Buffers is how many block-sized buffers get/put keep in flight
	// Default: 0 (two per data stream)
	Buffers int `mapstructure:"buffers" validate:"gte=0" yaml:"buffers"`

	// Striped requests striped passive mode (SPAS/SPOR) when the server supports it
	Striped bool `mapstructure:"striped" yaml:"striped"`

	// DiskStack selects the server storage stack (SITE SETDISKSTACK)
	DiskStack string `mapstructure:"disk_stack" yaml:"disk_stack,omitempty"`

	// Timeout bounds every operation; 0 disables it
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0" yaml:"timeout"`

	// AbortTimeout bounds how long an abort waits for the server
	// Default: 10s, minimum 1s
	AbortTimeout time.Duration `mapstructure:"abort_timeout" yaml:"abort_timeout"`

	// MarkerInterval is the period of locally computed performance markers
	// Default: 1s
	MarkerInterval time.Duration `mapstructure:"marker_interval" validate:"gte=0" yaml:"marker_interval"`
}

// CredentialsConfig locates the X.509 credential presented on gsiftp://
// control channels. Empty fields fall back to the X509_USER_PROXY,
// X509_USER_CERT, X509_USER_KEY and X509_CERT_DIR environment variables.
type CredentialsConfig struct {
	ProxyFile      string `mapstructure:"proxy_file" yaml:"proxy_file,omitempty"`
	CertFile       string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile        string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	PKCS12File     string `mapstructure:"pkcs12_file" yaml:"pkcs12_file,omitempty"`
	PKCS12Password string `mapstructure:"pkcs12_password" yaml:"pkcs12_password,omitempty"`

	// CADir is the trusted CA directory, usually /etc/grid-security/certificates
	CADir string `mapstructure:"ca_dir" yaml:"ca_dir,omitempty"`

	// InsecureSkipVerify disables server certificate verification
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (GRIDFTP_*)
//  2. Configuration file
//  3. Default values
//
// Unlike a server, the client works without any configuration file: a
// missing file yields the defaults, still overridable from the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration, failing with instructions when an
// explicitly requested file does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  gridftp config init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold a PKCS#12 password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: GRIDFTP_CLIENT_PARALLELISM=8
	v.SetEnvPrefix("GRIDFTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about, so
	// register every leaf key with its default.
	for key, value := range defaultKeys() {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// defaultKeys flattens the default configuration into viper keys.
func defaultKeys() map[string]any {
	def := GetDefaultConfig()
	return map[string]any{
		"logging.level":                     def.Logging.Level,
		"logging.format":                    def.Logging.Format,
		"logging.output":                    def.Logging.Output,
		"telemetry.enabled":                 def.Telemetry.Enabled,
		"telemetry.endpoint":                def.Telemetry.Endpoint,
		"telemetry.insecure":                def.Telemetry.Insecure,
		"telemetry.sample_rate":             def.Telemetry.SampleRate,
		"telemetry.profiling.enabled":       def.Telemetry.Profiling.Enabled,
		"telemetry.profiling.endpoint":      def.Telemetry.Profiling.Endpoint,
		"telemetry.profiling.profile_types": def.Telemetry.Profiling.ProfileTypes,
		"metrics.enabled":                   def.Metrics.Enabled,
		"metrics.port":                      def.Metrics.Port,
		"client.cache_connections":          def.Client.CacheConnections,
		"client.mode":                       def.Client.Mode,
		"client.type":                       def.Client.Type,
		"client.parallelism":                def.Client.Parallelism,
		"client.tcp_buffer":                 uint64(def.Client.TCPBuffer),
		"client.block_size":                 uint64(def.Client.BlockSize),
		"client.buffers":                    def.Client.Buffers,
		"client.striped":                    def.Client.Striped,
		"client.disk_stack":                 def.Client.DiskStack,
		"client.timeout":                    def.Client.Timeout,
		"client.abort_timeout":              def.Client.AbortTimeout,
		"client.marker_interval":            def.Client.MarkerInterval,
		"credentials.proxy_file":            "",
		"credentials.cert_file":             "",
		"credentials.key_file":              "",
		"credentials.pkcs12_file":           "",
		"credentials.pkcs12_password":       "",
		"credentials.ca_dir":                def.Credentials.CADir,
		"credentials.insecure_skip_verify":  false,
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize, so
// config files can say "1Mi", "4MB", or a plain number of bytes.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/gridftp, ~/.config/gridftp, or "."
// when no home directory can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gridftp")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "gridftp")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
