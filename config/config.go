package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration of a coachnode. Values come from the
// defaults, then the YAML file, then the environment; command-line flags are
// applied last by the caller.
type Config struct {
	NodeID string      `yaml:"node_id"`
	Store  StoreConfig `yaml:"store"`
	Lease  LeaseConfig `yaml:"lease"`
	Tasks  TaskConfig  `yaml:"tasks"`
	HTTP   HTTPConfig  `yaml:"http"`
	AMQP   AMQPConfig  `yaml:"amqp"`
	Mail   MailConfig  `yaml:"mail"`
	Log    LogConfig   `yaml:"log"`
}

type StoreConfig struct {
	// Kind is "memory" or "postgres".
	Kind string `yaml:"kind"`
	// Driver is the database/sql driver: "postgres" (lib/pq) or "pgx".
	Driver    string `yaml:"driver"`
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
}

type LeaseConfig struct {
	Name         string        `yaml:"name"`
	RenewBuffer  time.Duration `yaml:"renew_buffer"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
	RenewTimeout time.Duration `yaml:"renew_timeout"`
	// Schedule is a cron expression for background Ensure calls. Empty disables them.
	Schedule string `yaml:"schedule"`
}

type TaskConfig struct {
	// ClaimTimeout makes stale claims claimable again. Zero keeps them claimed.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

type HTTPConfig struct {
	Addr                string        `yaml:"addr"`
	NotificationRate    int           `yaml:"notification_rate"`
	NotificationWindow  time.Duration `yaml:"notification_window"`
	ScheduleCooldown    time.Duration `yaml:"schedule_cooldown"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

type AMQPConfig struct {
	// URL enables the queue consumer when set.
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

type MailConfig struct {
	BotAddress       string        `yaml:"bot_address"`
	PortalURL        string        `yaml:"portal_url"`
	RedirectCooldown time.Duration `yaml:"redirect_cooldown"`
	GradeTimeout     time.Duration `yaml:"grade_timeout"`
}

type LogConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Kind:      "memory",
			Driver:    "postgres",
			Namespace: "coach",
		},
		Lease: LeaseConfig{
			Name:         "mail_watch",
			RenewBuffer:  24 * time.Hour,
			ClaimTimeout: 60 * time.Second,
			RenewTimeout: 30 * time.Second,
			Schedule:     "@every 1h",
		},
		HTTP: HTTPConfig{
			Addr:                ":8080",
			NotificationRate:    5,
			NotificationWindow:  time.Second,
			ScheduleCooldown:    5 * time.Second,
			ShutdownGracePeriod: 10 * time.Second,
		},
		AMQP: AMQPConfig{
			Queue:    "mail.notifications",
			Prefetch: 1,
		},
		Mail: MailConfig{
			RedirectCooldown: 60 * time.Second,
			GradeTimeout:     2 * time.Minute,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	var cfg = Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	var set = func(target *string, name string) {
		if value := strings.TrimSpace(getenv(name)); value != "" {
			*target = value
		}
	}

	set(&c.NodeID, "COACHNODE_NODE_ID")
	set(&c.Store.Kind, "COACHNODE_STORE")
	set(&c.Store.Driver, "COACHNODE_DB_DRIVER")
	set(&c.Store.URL, "DB_URL")
	set(&c.Store.Namespace, "COACHNODE_NAMESPACE")
	set(&c.HTTP.Addr, "COACHNODE_HTTP_ADDR")
	set(&c.AMQP.URL, "RABBITMQ_URL")
	set(&c.Mail.BotAddress, "COACHNODE_BOT_ADDRESS")
	set(&c.Mail.PortalURL, "COACHNODE_PORTAL_URL")
	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Log.Format, "LOG_FORMAT")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Kind {
	case "memory":
	case "postgres":
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for the postgres store"))
		}
		if c.Store.Driver != "postgres" && c.Store.Driver != "pgx" {
			errs = append(errs, fmt.Errorf("store.driver must be postgres or pgx, got %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind must be memory or postgres, got %q", c.Store.Kind))
	}

	if c.Lease.Name == "" {
		errs = append(errs, errors.New("lease.name is required"))
	}
	if c.Lease.RenewBuffer <= 0 || c.Lease.ClaimTimeout <= 0 || c.Lease.RenewTimeout <= 0 {
		errs = append(errs, errors.New("lease durations must be positive"))
	}
	if c.Lease.RenewTimeout >= c.Lease.ClaimTimeout {
		errs = append(errs, fmt.Errorf("lease.renew_timeout (%s) must be shorter than lease.claim_timeout (%s)", c.Lease.RenewTimeout, c.Lease.ClaimTimeout))
	}
	if c.Tasks.ClaimTimeout < 0 {
		errs = append(errs, errors.New("tasks.claim_timeout must not be negative"))
	}
	if c.HTTP.NotificationRate <= 0 || c.HTTP.NotificationWindow <= 0 {
		errs = append(errs, errors.New("http notification rate and window must be positive"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
