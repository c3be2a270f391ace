// Package config loads process configuration from .env, an optional YAML file
// and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type Database struct {
	Driver string `yaml:"driver"` // postgres|mysql|sqlite
	DSN    string `yaml:"dsn"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AMQP struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type Bus struct {
	Driver              string `yaml:"driver"` // redis|amqp|postgres|memory
	NotificationChannel string `yaml:"notificationChannel"`
	PGNotifyDSN         string `yaml:"pgNotifyDsn"`
	Redis               Redis  `yaml:"redis"`
	AMQP                AMQP   `yaml:"amqp"`
}

type IDs struct {
	// NodeID is assigned per instance by the deployment. Two live instances must never share one.
	NodeID int64     `yaml:"nodeId"`
	Epoch  time.Time `yaml:"epoch"`
	// nodeSet tells an explicit 0 apart from a missing value.
	nodeSet bool
}

type Chat struct {
	MaxBody     int `yaml:"maxBody"`
	SendRetries int `yaml:"sendRetries"`
}

type Push struct {
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	Buffer      int           `yaml:"buffer"`
}

type Auth struct {
	JWTSecret string        `yaml:"jwtSecret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"tokenTtl"`
}

type Logging struct {
	Env   string `yaml:"env"` // development|production
	Level string `yaml:"level"`
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	Database Database `yaml:"database"`
	Bus      Bus      `yaml:"bus"`
	IDs      IDs      `yaml:"ids"`
	Chat     Chat     `yaml:"chat"`
	Push     Push     `yaml:"push"`
	Auth     Auth     `yaml:"auth"`
	Logging  Logging  `yaml:"logging"`
	Locale   string   `yaml:"locale"`
}

// Load reads .env (if present), then CONFIG_PATH (if set), then environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{}
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		var probe struct {
			IDs map[string]any `yaml:"ids"`
		}
		if yaml.Unmarshal(data, &probe) == nil {
			_, cfg.IDs.nodeSet = probe.IDs["nodeId"]
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	dur("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	str("BUS_DRIVER", &c.Bus.Driver)
	str("NOTIFICATION_CHANNEL", &c.Bus.NotificationChannel)
	str("PG_NOTIFY_DSN", &c.Bus.PGNotifyDSN)
	str("REDIS_ADDR", &c.Bus.Redis.Addr)
	str("REDIS_PASSWORD", &c.Bus.Redis.Password)
	num("REDIS_DB", &c.Bus.Redis.DB)
	str("AMQP_URL", &c.Bus.AMQP.URL)
	str("AMQP_EXCHANGE", &c.Bus.AMQP.Exchange)
	num("CHAT_MAX_BODY", &c.Chat.MaxBody)
	num("CHAT_SEND_RETRIES", &c.Chat.SendRetries)
	dur("SSE_IDLE_TIMEOUT", &c.Push.IdleTimeout)
	num("SSE_BUFFER", &c.Push.Buffer)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_ISSUER", &c.Auth.Issuer)
	dur("JWT_TTL", &c.Auth.TokenTTL)
	str("LOG_ENV", &c.Logging.Env)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOCALE", &c.Locale)

	if v, ok := lookup("NODE_ID"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("NODE_ID: %w", err))
		} else {
			c.IDs.NodeID = n
			c.IDs.nodeSet = true
		}
	}
	if v, ok := lookup("ID_EPOCH"); ok && v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ID_EPOCH: %w", err))
		} else {
			c.IDs.Epoch = t
		}
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDBDriver
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = DefaultBusDriver
	}
	if c.Bus.NotificationChannel == "" {
		c.Bus.NotificationChannel = DefaultNotificationChannel
	}
	if c.Bus.AMQP.Exchange == "" {
		c.Bus.AMQP.Exchange = DefaultAMQPExchange
	}
	if c.Bus.PGNotifyDSN == "" && c.Database.Driver == "postgres" {
		c.Bus.PGNotifyDSN = c.Database.DSN
	}
	if c.IDs.Epoch.IsZero() {
		c.IDs.Epoch = DefaultIDEpoch
	}
	if c.Chat.MaxBody <= 0 {
		c.Chat.MaxBody = DefaultChatMaxBody
	}
	if c.Chat.SendRetries <= 0 {
		c.Chat.SendRetries = DefaultSendRetries
	}
	if c.Push.IdleTimeout <= 0 {
		c.Push.IdleTimeout = DefaultSSEIdleTimeout
	}
	if c.Push.Buffer <= 0 {
		c.Push.Buffer = DefaultSSEBuffer
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultJWTIssuer
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "development"
	}
	if c.Locale == "" {
		c.Locale = "en"
	}
}

// Validate checks ranges and driver-specific requirements.
func (c *Config) Validate() error {
	var errs []error

	if c.IDs.NodeID < 0 || c.IDs.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("ids.nodeId must be within 0..1023, got %d", c.IDs.NodeID))
	}
	if !c.IDs.nodeSet && c.IsProduction() {
		errs = append(errs, errors.New("NODE_ID is required in production"))
	}

	switch c.Database.Driver {
	case "postgres", "mysql":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	case "sqlite":
		if c.Database.DSN == "" {
			c.Database.DSN = "file::memory:?cache=shared"
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	switch c.Bus.Driver {
	case "redis":
		if c.Bus.Redis.Addr == "" {
			errs = append(errs, errors.New("bus.redis.addr is required for the redis bus"))
		}
	case "amqp":
		if c.Bus.AMQP.URL == "" {
			errs = append(errs, errors.New("bus.amqp.url is required for the amqp bus"))
		}
	case "postgres":
		if c.Bus.PGNotifyDSN == "" {
			errs = append(errs, errors.New("bus.pgNotifyDsn is required for the postgres bus"))
		}
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("the memory bus cannot fan out across processes; not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", c.Bus.Driver))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	return errors.Join(errs...)
}

// NodeIDExplicit reports whether the node id came from configuration rather than the zero default.
func (c *Config) NodeIDExplicit() bool { return c.IDs.nodeSet }

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Logging.Env, "production")
}
