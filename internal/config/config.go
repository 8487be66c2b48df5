package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/realmpool/internal/backends/nfs"
	"github.com/objectfs/realmpool/internal/backends/s3"
	"github.com/objectfs/realmpool/internal/backends/sftp"
	"github.com/objectfs/realmpool/internal/metrics"
	"github.com/objectfs/realmpool/pkg/errors"
	"github.com/objectfs/realmpool/pkg/pool"
	"github.com/objectfs/realmpool/pkg/utils"
)

// EnvPrefix prefixes every environment variable LoadFromEnv reads.
const EnvPrefix = "REALMPOOL_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global   GlobalConfig    `yaml:"global"`
	Pool     PoolConfig      `yaml:"pool"`
	Backends BackendsConfig  `yaml:"backends"`
	Metrics  *metrics.Config `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string               `yaml:"log_level"`
	LogFormat   string               `yaml:"log_format"`
	LogFile     string               `yaml:"log_file"`
	LogRotation utils.RotationConfig `yaml:"log_rotation"`

	// ComponentLevels overrides LogLevel per component (pool, s3, sftp, nfs, metrics)
	ComponentLevels map[string]string `yaml:"component_levels,omitempty"`
}

// PoolConfig represents connection pool settings
type PoolConfig struct {
	MonitorPeriod         time.Duration `yaml:"monitor_period"`
	MaxMaintenanceWorkers int           `yaml:"max_maintenance_workers"`
	MaintenanceTimeout    time.Duration `yaml:"maintenance_timeout"`
	OpenTimeout           time.Duration `yaml:"open_timeout"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

// BackendsConfig holds per-protocol settings. Each carries its own idle and keep-alive policy.
type BackendsConfig struct {
	S3   *s3.Config   `yaml:"s3"`
	SFTP *sftp.Config `yaml:"sftp"`
	NFS  *nfs.Config  `yaml:"nfs"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			LogFile:   "",
			LogRotation: utils.RotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				Compress:   true,
			},
		},
		Pool: PoolConfig{
			MonitorPeriod:         pool.DefaultMonitorPeriod,
			MaxMaintenanceWorkers: pool.DefaultMaxMaintenanceWorkers,
			MaintenanceTimeout:    pool.DefaultMaintenanceTimeout,
			OpenTimeout:           pool.DefaultOpenTimeout,
			ShutdownTimeout:       30 * time.Second,
		},
		Backends: BackendsConfig{
			S3:   s3.NewDefaultConfig(),
			SFTP: sftp.NewDefaultConfig(),
			NFS:  nfs.NewDefaultConfig(),
		},
		Metrics: metrics.NewDefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file. Keys missing from the file keep their current values.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").
			WithContext("file", filename).
			WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").
			WithContext("file", filename).
			WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from REALMPOOL_* environment variables
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	// Global settings
	env.str("LOG_LEVEL", &c.Global.LogLevel)
	env.str("LOG_FORMAT", &c.Global.LogFormat)
	env.str("LOG_FILE", &c.Global.LogFile)
	env.levels("COMPONENT_LEVELS", &c.Global.ComponentLevels)

	// Pool settings
	env.duration("MONITOR_PERIOD", &c.Pool.MonitorPeriod)
	env.integer("MAX_MAINTENANCE_WORKERS", &c.Pool.MaxMaintenanceWorkers)
	env.duration("MAINTENANCE_TIMEOUT", &c.Pool.MaintenanceTimeout)
	env.duration("OPEN_TIMEOUT", &c.Pool.OpenTimeout)
	env.duration("SHUTDOWN_TIMEOUT", &c.Pool.ShutdownTimeout)

	// Backend settings
	if s := c.Backends.S3; s != nil {
		env.str("S3_REGION", &s.Region)
		env.str("S3_ENDPOINT", &s.Endpoint)
		env.duration("S3_CLOSE_ON_INACTIVITY", &s.Policy.CloseOnInactivity)
		env.duration("S3_KEEP_ALIVE_INTERVAL", &s.Policy.KeepAliveInterval)
	}
	if s := c.Backends.SFTP; s != nil {
		env.str("SFTP_KNOWN_HOSTS_FILE", &s.KnownHostsFile)
		env.str("SFTP_PRIVATE_KEY_FILE", &s.PrivateKeyFile)
		env.boolean("SFTP_INSECURE_IGNORE_HOST_KEY", &s.InsecureIgnoreHostKey)
		env.duration("SFTP_CLOSE_ON_INACTIVITY", &s.Policy.CloseOnInactivity)
		env.duration("SFTP_KEEP_ALIVE_INTERVAL", &s.Policy.KeepAliveInterval)
	}
	if s := c.Backends.NFS; s != nil {
		env.duration("NFS_CLOSE_ON_INACTIVITY", &s.Policy.CloseOnInactivity)
		env.duration("NFS_KEEP_ALIVE_INTERVAL", &s.Policy.KeepAliveInterval)
	}

	// Metrics
	if m := c.Metrics; m != nil {
		env.boolean("METRICS_ENABLED", &m.Enabled)
		env.str("METRICS_ADDRESS", &m.Address)
		env.integer("METRICS_PORT", &m.Port)
	}

	if len(env.errs) > 0 {
		return errors.NewError(errors.ErrCodeConfigLoad, "invalid environment variables").
			WithComponent("config").
			WithContext("variables", strings.Join(env.errs, ", "))
	}
	return nil
}

// envReader collects the names of variables that are set but unparsable.
type envReader struct {
	errs []string
}

func (e *envReader) lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) integer(name string, dst *int) {
	if val, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.errs = append(e.errs, EnvPrefix+name)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if val, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.errs = append(e.errs, EnvPrefix+name)
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if val, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.errs = append(e.errs, EnvPrefix+name)
			return
		}
		*dst = b
	}
}

// levels reads a comma separated component=LEVEL list.
func (e *envReader) levels(name string, dst *map[string]string) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	parsed := make(map[string]string)
	for _, pair := range strings.Split(val, ",") {
		component, level, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || component == "" {
			e.errs = append(e.errs, EnvPrefix+name)
			return
		}
		parsed[component] = level
	}
	*dst = parsed
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("global.log_level", err.Error())
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("global.log_format", err.Error())
	}
	for component, level := range c.Global.ComponentLevels {
		if _, err := utils.ParseLogLevel(level); err != nil {
			return invalid("global.component_levels."+component, err.Error())
		}
	}
	if c.Global.LogRotation.MaxSizeMB < 0 || c.Global.LogRotation.MaxBackups < 0 {
		return invalid("global.log_rotation", "sizes and counts cannot be negative")
	}

	if c.Pool.MonitorPeriod <= 0 {
		return invalid("pool.monitor_period", "must be greater than 0")
	}
	if c.Pool.MaxMaintenanceWorkers <= 0 {
		return invalid("pool.max_maintenance_workers", "must be greater than 0")
	}
	if c.Pool.MaintenanceTimeout <= 0 {
		return invalid("pool.maintenance_timeout", "must be greater than 0")
	}
	if c.Pool.OpenTimeout < 0 {
		return invalid("pool.open_timeout", "cannot be negative")
	}

	if c.Backends.S3 != nil {
		if c.Backends.S3.Region == "" {
			return invalid("backends.s3.region", "is required")
		}
		if c.Backends.S3.MaxRetries < 0 {
			return invalid("backends.s3.max_retries", "cannot be negative")
		}
	}
	if c.Backends.SFTP != nil && !c.Backends.SFTP.InsecureIgnoreHostKey && c.Backends.SFTP.KnownHostsFile == "" {
		return invalid("backends.sftp.known_hosts_file", "is required unless insecure_ignore_host_key is set")
	}
	if c.Backends.NFS != nil && c.Backends.NFS.Version == 0 {
		return invalid("backends.nfs.version", "is required")
	}

	if c.Metrics != nil && c.Metrics.Enabled {
		if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
			return invalid("metrics.port", fmt.Sprintf("out of range: %d", c.Metrics.Port))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return invalid("metrics.path", "must start with /")
		}
	}

	return nil
}

func invalid(field, reason string) error {
	return errors.NewError(errors.ErrCodeConfigValidation, field+" "+reason).
		WithComponent("config").
		WithContext("field", field)
}

// Logger builds the structured logger described by the global section. The returned closer releases the
// log file and is a no-op when logging to stderr.
func (c *Configuration) Logger(stderr io.Writer) (*utils.StructuredLogger, io.Closer, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, nil, invalid("global.log_level", err.Error())
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, nil, invalid("global.log_format", err.Error())
	}

	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if c.Global.LogFile != "" {
		rotator, err := utils.NewLogRotator(c.Global.LogFile, c.Global.LogRotation)
		if err != nil {
			return nil, nil, errors.NewError(errors.ErrCodeConfigLoad, "cannot open log file").
				WithComponent("config").
				WithContext("file", c.Global.LogFile).
				WithCause(err)
		}
		out, closer = rotator, rotator
	}

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:         level,
		Output:        out,
		Format:        format,
		IncludeCaller: level <= utils.DEBUG,
	})
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	for component, name := range c.Global.ComponentLevels {
		componentLevel, err := utils.ParseLogLevel(name)
		if err != nil {
			_ = closer.Close()
			return nil, nil, invalid("global.component_levels."+component, err.Error())
		}
		logger.SetComponentLevel(component, componentLevel)
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// PoolOptions turns the pool section into pool options.
func (c *Configuration) PoolOptions(logger *utils.StructuredLogger, observer pool.Observer) []pool.Option {
	opts := []pool.Option{
		pool.WithMonitorPeriod(c.Pool.MonitorPeriod),
		pool.WithMaxMaintenanceWorkers(c.Pool.MaxMaintenanceWorkers),
		pool.WithMaintenanceTimeout(c.Pool.MaintenanceTimeout),
		pool.WithOpenTimeout(c.Pool.OpenTimeout),
	}
	if logger != nil {
		opts = append(opts, pool.WithLogger(logger))
	}
	if observer != nil {
		opts = append(opts, pool.WithObserver(observer))
	}
	return opts
}

// Factories returns a factory for every configured backend, keyed by scheme.
func (c *Configuration) Factories(logger *utils.StructuredLogger) pool.SchemeFactories {
	factories := pool.SchemeFactories{}
	if c.Backends.S3 != nil {
		factories[s3.Scheme] = s3.NewFactory(c.Backends.S3, logger)
	}
	if c.Backends.SFTP != nil {
		f := sftp.NewFactory(c.Backends.SFTP, logger)
		for _, scheme := range f.Schemes() {
			factories[scheme] = f
		}
	}
	if c.Backends.NFS != nil {
		factories[nfs.Scheme] = nfs.NewFactory(c.Backends.NFS, logger)
	}
	return factories
}
