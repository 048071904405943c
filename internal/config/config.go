package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/automaton-compliance/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. COMPLY_SERVER_PORT.
const EnvPrefix = "COMPLY"

type Config struct {
	Server struct {
		Port            int           `yaml:"port" envconfig:"PORT" validate:"gte=1,lte=65535"`
		ReadTimeout     time.Duration `yaml:"readTimeout" envconfig:"READ_TIMEOUT"`
		IdleTimeout     time.Duration `yaml:"idleTimeout" envconfig:"IDLE_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
		CORSOrigins     []string      `yaml:"corsOrigins" envconfig:"CORS_ORIGINS"`
	} `yaml:"server" envconfig:"SERVER"`

	Database struct {
		Driver   string `yaml:"driver" envconfig:"DRIVER" validate:"oneof=mysql postgres sqlite"`
		Host     string `yaml:"host" envconfig:"HOST"`
		Port     int    `yaml:"port" envconfig:"PORT"`
		User     string `yaml:"user" envconfig:"USER"`
		Password string `yaml:"password" envconfig:"PASSWORD"`
		Name     string `yaml:"name" envconfig:"NAME"`
		SSLMode  string `yaml:"sslMode" envconfig:"SSL_MODE"`
		// Path is the sqlite file; empty means in-memory.
		Path string `yaml:"path" envconfig:"PATH"`
		// Migrate runs the embedded migrations on startup.
		Migrate bool `yaml:"migrate" envconfig:"MIGRATE"`
	} `yaml:"database" envconfig:"DATABASE"`

	Minio struct {
		Endpoint   string `yaml:"endpoint" envconfig:"ENDPOINT"`
		AccessKey  string `yaml:"accessKey" envconfig:"ACCESS_KEY"`
		SecretKey  string `yaml:"secretKey" envconfig:"SECRET_KEY"`
		BucketName string `yaml:"bucketName" envconfig:"BUCKET_NAME" validate:"required_with=Endpoint"`
		Region     string `yaml:"region" envconfig:"REGION"`
		UseSSL     bool   `yaml:"useSSL" envconfig:"USE_SSL"`
		Prefix     string `yaml:"prefix" envconfig:"PREFIX"`
	} `yaml:"minio" envconfig:"MINIO"`

	Redis struct {
		Addr     string `yaml:"addr" envconfig:"ADDR"`
		Password string `yaml:"password" envconfig:"PASSWORD"`
		DB       int    `yaml:"db" envconfig:"DB"`
	} `yaml:"redis" envconfig:"REDIS"`

	Dispatcher struct {
		Kind    string `yaml:"kind" envconfig:"KIND" validate:"oneof=inprocess redis"`
		Workers int    `yaml:"workers" envconfig:"WORKERS" validate:"gte=1"`
		Queue   string `yaml:"queue" envconfig:"QUEUE"`
		// Consume runs the redis consumer loop inside `serve`.
		Consume bool `yaml:"consume" envconfig:"CONSUME"`
	} `yaml:"dispatcher" envconfig:"DISPATCHER"`

	Checker struct {
		Binary       string        `yaml:"binary" envconfig:"BINARY" validate:"required"`
		Args         []string      `yaml:"args" envconfig:"ARGS"`
		DockerImage  string        `yaml:"dockerImage" envconfig:"DOCKER_IMAGE"`
		Timeout      time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
		CallbackBase string        `yaml:"callbackBase" envconfig:"CALLBACK_BASE" validate:"omitempty,url"`
		WorkDir      string        `yaml:"workDir" envconfig:"WORK_DIR"`
	} `yaml:"checker" envconfig:"CHECKER"`

	Reaper struct {
		Enabled   bool          `yaml:"enabled" envconfig:"ENABLED"`
		Schedule  string        `yaml:"schedule" envconfig:"SCHEDULE"`
		Threshold time.Duration `yaml:"threshold" envconfig:"THRESHOLD"`
	} `yaml:"reaper" envconfig:"REAPER"`

	Stream struct {
		PollInterval     time.Duration `yaml:"pollInterval" envconfig:"POLL_INTERVAL"`
		SubscriberBuffer int           `yaml:"subscriberBuffer" envconfig:"SUBSCRIBER_BUFFER"`
		EventLogSize     int           `yaml:"eventLogSize" envconfig:"EVENT_LOG_SIZE"`
	} `yaml:"stream" envconfig:"STREAM"`

	Auth struct {
		// APIKeys maps tenant id to its API key.
		APIKeys  map[string]string `yaml:"apiKeys" envconfig:"API_KEYS"`
		AdminKey string            `yaml:"adminKey" envconfig:"ADMIN_KEY"`
	} `yaml:"auth" envconfig:"AUTH"`

	RateLimit struct {
		RPS   float64 `yaml:"rps" envconfig:"RPS" validate:"gte=0"`
		Burst int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
	} `yaml:"rateLimit" envconfig:"RATE_LIMIT"`

	CatalogPath string `yaml:"catalogPath" envconfig:"CATALOG_PATH" validate:"required"`

	Log logging.Config `yaml:"log" envconfig:"LOG"`
}

// Load baca file config.yaml, lalu override dari env
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// env-only deployments have no file
	default:
		return nil, err
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	cfg.applyDefaults()
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "postgres":
			c.Database.Port = 5432
		case "mysql":
			c.Database.Port = 3306
		}
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Dispatcher.Kind == "" {
		c.Dispatcher.Kind = "inprocess"
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 64
	}
	if c.Dispatcher.Queue == "" {
		c.Dispatcher.Queue = "compliance:scans"
	}
	if c.Checker.Timeout == 0 {
		c.Checker.Timeout = 4 * time.Hour
	}
	if c.Reaper.Schedule == "" {
		c.Reaper.Schedule = "@every 10m"
	}
	if c.Reaper.Threshold == 0 {
		c.Reaper.Threshold = 2 * time.Hour
	}
	if c.Stream.PollInterval == 0 {
		c.Stream.PollInterval = 2 * time.Second
	}
	if c.Stream.SubscriberBuffer == 0 {
		c.Stream.SubscriberBuffer = 32
	}
	if c.Stream.EventLogSize == 0 {
		c.Stream.EventLogSize = 256
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.CatalogPath == "" {
		c.CatalogPath = "catalog.yaml"
	}
}

// DSN builds the driver-specific data source name.
func (c *Config) DSN() string {
	d := c.Database
	switch d.Driver {
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.User, d.Password),
			Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
			Path:     "/" + d.Name,
			RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
		}
		return u.String()
	case "sqlite":
		return d.Path
	}
	return c.MySQLDSN()
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}
