package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage drivers
const (
	StorageDriverFS    = "fs"
	StorageDriverMinIO = "minio"
)

// Processor drivers
const (
	ProcessorDriverLanczos = "lanczos"
	ProcessorDriverRemote  = "remote"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Upload    UploadConfig    `yaml:"upload"`
	Admission AdmissionConfig `yaml:"admission"`
	Processor ProcessorConfig `yaml:"processor"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	URL        string           `yaml:"url"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds the progress side-channel connection
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	ProgressTTL time.Duration `yaml:"progress_ttl"`
}

// StorageConfig selects and configures the artifact store
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	FS     FSConfig    `yaml:"fs"`
	MinIO  MinIOConfig `yaml:"minio"`
}

// FSConfig holds the filesystem artifact store root
type FSConfig struct {
	Root string `yaml:"root"`
}

// MinIOConfig holds S3-compatible artifact store settings
type MinIOConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	BucketName string `yaml:"bucket_name"`
	UseSSL     bool   `yaml:"use_ssl"`
}

// UploadConfig holds submission validation limits
type UploadConfig struct {
	MaxFileSize       int64    `yaml:"max_file_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// MaxFileSizeMB returns the size limit in megabytes
func (u UploadConfig) MaxFileSizeMB() float64 {
	return float64(u.MaxFileSize) / 1024 / 1024
}

// AdmissionConfig holds gateway backpressure settings
type AdmissionConfig struct {
	MaxInFlight   int     `yaml:"max_in_flight"`
	QueueFactor   int     `yaml:"queue_factor"`
	RatePerMinute float64 `yaml:"rate_per_minute"`
	Burst         int     `yaml:"burst"`
}

// ProcessorConfig holds External Processor settings
type ProcessorConfig struct {
	Driver   string        `yaml:"driver"`
	Device   string        `yaml:"device"`
	Scale    int           `yaml:"scale"`
	TileSize int           `yaml:"tile_size"`
	TilePad  int           `yaml:"tile_pad"`
	Remote   RemoteConfig  `yaml:"remote"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RemoteConfig points at an HTTP enhancement server
type RemoteConfig struct {
	URL           string `yaml:"url"`
	RetryAttempts int    `yaml:"retry_attempts"`
}

// RetentionConfig holds the artifact retention sweep settings
type RetentionConfig struct {
	Enabled           bool          `yaml:"enabled"`
	CleanupAfterHours int           `yaml:"cleanup_after_hours"`
	Interval          time.Duration `yaml:"interval"`
	BatchSize         int           `yaml:"batch_size"`
}

// Window returns the retention age threshold
func (r RetentionConfig) Window() time.Duration {
	return time.Duration(r.CleanupAfterHours) * time.Hour
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxTasksPerChild  int           `yaml:"max_tasks_per_child"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	SoftGrace         time.Duration `yaml:"soft_grace"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	Retry             RetryConfig   `yaml:"retry"`
}

// SoftTimeout returns the point at which the task is asked to stop
func (w WorkerConfig) SoftTimeout() time.Duration {
	soft := w.JobTimeout - w.SoftGrace
	if soft <= 0 {
		return w.JobTimeout
	}
	return soft
}

// RetryConfig holds the task retry policy
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Delay      time.Duration `yaml:"delay"`
}

// Default returns a configuration populated with the stock deployment values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            38291,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Port:  5672,
			VHost: "/",
			Exchange: ExchangeConfig{
				Name:    "enhance_exchange",
				Type:    "direct",
				Durable: true,
			},
			Queue: QueueConfig{
				Name:    "enhance_queue",
				Durable: true,
			},
			RoutingKey: "enhance",
			Connection: ConnectionConfig{
				RetryAttempts:     5,
				RetryInterval:     2 * time.Second,
				Heartbeat:         10 * time.Second,
				ConnectionTimeout: 10 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     100 * time.Millisecond,
				BackoffMultiplier: 2,
			},
		},
		Redis: RedisConfig{
			ProgressTTL: time.Hour,
		},
		Storage: StorageConfig{
			Driver: StorageDriverFS,
			FS:     FSConfig{Root: "./data"},
		},
		Upload: UploadConfig{
			MaxFileSize:       50 * 1024 * 1024,
			AllowedExtensions: []string{"jpg", "jpeg", "png", "webp"},
		},
		Admission: AdmissionConfig{
			QueueFactor: 4,
		},
		Processor: ProcessorConfig{
			Driver:   ProcessorDriverLanczos,
			Device:   "cpu",
			Scale:    4,
			TileSize: 400,
			TilePad:  10,
		},
		Retention: RetentionConfig{
			CleanupAfterHours: 24,
			Interval:          time.Hour,
			BatchSize:         500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		App: AppConfig{
			Name:        "image-enhancer",
			Version:     "2.0.0",
			Environment: "development",
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			MaxTasksPerChild:  10,
			JobTimeout:        300 * time.Second,
			SoftGrace:         30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			Retry: RetryConfig{
				MaxRetries: 3,
				Delay:      60 * time.Second,
			},
		},
	}
}

// Load reads and parses the configuration file on top of Default, then
// applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}

// applyEnv overrides deploy-time settings from the environment
func (c *Config) applyEnv() error {
	if v, ok := lookupEnv("HOST"); ok {
		c.Server.Host = v
	}
	if err := envInt("PORT", &c.Server.Port); err != nil {
		return err
	}
	if v, ok := lookupEnv("BROKER_URL"); ok {
		c.RabbitMQ.URL = v
	}
	if v, ok := lookupEnv("DATABASE_URL"); ok {
		c.Database.URL = v
	}
	if v, ok := lookupEnv("REDIS_URL"); ok {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
	if v, ok := lookupEnv("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := lookupEnv("MAX_FILE_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_FILE_SIZE: %w", err)
		}
		c.Upload.MaxFileSize = n
	}
	if v, ok := lookupEnv("ALLOWED_EXTENSIONS"); ok {
		c.Upload.AllowedExtensions = splitList(v)
	}
	if err := envInt("MAX_CONCURRENT_JOBS", &c.Worker.Concurrency); err != nil {
		return err
	}
	if v, ok := lookupEnv("JOB_TIMEOUT"); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("JOB_TIMEOUT: %w", err)
		}
		c.Worker.JobTimeout = d
	}
	if err := envInt("CLEANUP_AFTER_HOURS", &c.Retention.CleanupAfterHours); err != nil {
		return err
	}
	if v, ok := lookupEnv("DEVICE"); ok {
		c.Processor.Device = v
	}
	if err := envInt("SCALE", &c.Processor.Scale); err != nil {
		return err
	}
	return nil
}

// lookupEnv treats an empty variable as unset
func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envInt(key string, dst *int) error {
	v, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// parseSeconds accepts a bare number of seconds or a Go duration string
func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the sections every service depends on
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	switch c.Storage.Driver {
	case StorageDriverFS:
		if c.Storage.FS.Root == "" {
			return fmt.Errorf("storage fs root is required")
		}
	case StorageDriverMinIO:
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.BucketName == "" {
			return fmt.Errorf("storage minio endpoint and bucket_name are required")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis url is required when redis is enabled")
	}

	return nil
}

// validateBroker checks the RabbitMQ section
func (c *Config) validateBroker() error {
	if c.RabbitMQ.URL == "" {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.validateBroker(); err != nil {
		return err
	}

	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("upload max_file_size must be greater than 0")
	}

	if len(c.Upload.AllowedExtensions) == 0 {
		return fmt.Errorf("upload allowed_extensions must not be empty")
	}

	if c.Admission.MaxInFlight < 0 || c.Admission.QueueFactor < 0 {
		return fmt.Errorf("admission limits must not be negative")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.validateBroker(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxTasksPerChild <= 0 {
		return fmt.Errorf("worker max_tasks_per_child must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.SoftGrace < 0 || c.Worker.SoftGrace >= c.Worker.JobTimeout {
		return fmt.Errorf("worker soft_grace must be between 0 and job_timeout")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.Retry.MaxRetries < 0 || c.Worker.Retry.Delay < 0 {
		return fmt.Errorf("worker retry settings must not be negative")
	}

	if c.Processor.Scale < 1 {
		return fmt.Errorf("processor scale must be at least 1")
	}

	switch c.Processor.Driver {
	case ProcessorDriverLanczos:
	case ProcessorDriverRemote:
		if c.Processor.Remote.URL == "" {
			return fmt.Errorf("processor remote url is required")
		}
	default:
		return fmt.Errorf("unknown processor driver: %q", c.Processor.Driver)
	}

	if c.Retention.Enabled {
		if err := c.ValidateRetentionConfig(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateRetentionConfig checks the retention sweep settings. The window must
// comfortably exceed the hard task limit so the sweep never races a live task.
func (c *Config) ValidateRetentionConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Retention.CleanupAfterHours <= 0 {
		return fmt.Errorf("retention cleanup_after_hours must be greater than 0")
	}

	if c.Retention.Window() <= 2*c.Worker.JobTimeout {
		return fmt.Errorf("retention window %s must exceed twice the job timeout %s", c.Retention.Window(), c.Worker.JobTimeout)
	}

	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention interval must be greater than 0")
	}

	return nil
}

// MaxInFlight returns the admission limit, derived from worker concurrency when unset
func (c *Config) MaxInFlight() int {
	if c.Admission.MaxInFlight > 0 {
		return c.Admission.MaxInFlight
	}
	factor := c.Admission.QueueFactor
	if factor <= 0 {
		factor = 1
	}
	return c.Worker.Concurrency * factor
}
