package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr        string   `yaml:"addr"`
	AuthToken   string   `yaml:"authToken"` // optional, guards mutating routes
	CORSOrigins []string `yaml:"corsOrigins"`
}

type Transport struct {
	URL          string        `yaml:"url"`
	RetryDelay   time.Duration `yaml:"retryDelay"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	ReadLimit    int64         `yaml:"readLimit"`
	AutoConnect  bool          `yaml:"autoConnect"`
}

type Window struct {
	Granularity   time.Duration   `yaml:"granularity"`
	Horizon       time.Duration   `yaml:"horizon"`
	MaxBuckets    int             `yaml:"maxBuckets"` // 0 = horizon/granularity
	Continuous    bool            `yaml:"continuous"`
	Granularities []time.Duration `yaml:"granularities"`
	Refresh       string          `yaml:"refresh"` // cron spec
}

type Recent struct {
	Size int `yaml:"size"`
}

type Query struct {
	BaseURL     string        `yaml:"baseURL"`
	Timeout     time.Duration `yaml:"timeout"`
	RecentLimit int           `yaml:"recentLimit"`
	SeedOnStart bool          `yaml:"seedOnStart"`
}

type Slack struct {
	Enabled bool   `yaml:"enabled"`
	Webhook string `yaml:"webhook"`
}

type EmailConfig struct {
	SMTPHost string `yaml:"smtpHost"`
	SMTPPort int    `yaml:"smtpPort"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	// Recipients maps an anomaly type (IO_ERROR, PERFORMANCE, ...) to
	// addresses; the "default" key catches the rest.
	Recipients map[string][]string `yaml:"recipients"`
}

type Alerts struct {
	Slack       Slack         `yaml:"slack"`
	Email       EmailConfig   `yaml:"email"`
	Cooldown    time.Duration `yaml:"cooldown"`
	GroupWindow time.Duration `yaml:"groupWindow"`
}

type Tracing struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	Insecure     bool    `yaml:"insecure"`
	Sampler      string  `yaml:"sampler"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

type Kafka struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupID"`
}

type Simulator struct {
	Addr          string        `yaml:"addr"`
	StoragePath   string        `yaml:"storagePath"`
	RulesFile     string        `yaml:"rulesFile"`
	MinDelay      time.Duration `yaml:"minDelay"`
	MaxDelay      time.Duration `yaml:"maxDelay"`
	Retention     time.Duration `yaml:"retention"`
	PurgeSchedule string        `yaml:"purgeSchedule"`
	Kafka         Kafka         `yaml:"kafka"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Transport Transport `yaml:"transport"`
	Window    Window    `yaml:"window"`
	Recent    Recent    `yaml:"recent"`
	Query     Query     `yaml:"query"`
	Alerts    Alerts    `yaml:"alerts"`
	Tracing   Tracing   `yaml:"tracing"`
	Simulator Simulator `yaml:"simulator"`
}

func Default() *Config {
	return &Config{
		Server: Server{Addr: ":8080", CORSOrigins: []string{"http://localhost:3000"}},
		Transport: Transport{
			URL: "ws://localhost:8000/ws", RetryDelay: 2 * time.Second, MaxAttempts: 5,
			DialTimeout: 10 * time.Second, WriteTimeout: 5 * time.Second, ReadLimit: 1 << 20, AutoConnect: true,
		},
		Window: Window{
			Granularity: 5 * time.Minute, Horizon: time.Hour,
			Granularities: []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
			Refresh:       "@every 30s",
		},
		Recent: Recent{Size: 10},
		Query:  Query{BaseURL: "http://localhost:8000", Timeout: 5 * time.Second, RecentLimit: 50, SeedOnStart: true},
		Alerts: Alerts{Cooldown: time.Minute, GroupWindow: 10 * time.Second},
		Tracing: Tracing{
			ServiceName: "anomalyd", OTLPEndpoint: "localhost:4317", Insecure: true,
			Sampler: "parentbased_ratio", SampleRatio: 1.0,
		},
		Simulator: Simulator{
			Addr: ":8000", StoragePath: "data/anomalies.db", RulesFile: "configs/rules.yaml",
			MinDelay: time.Second, MaxDelay: 3 * time.Second,
			Retention: 24 * time.Hour, PurgeSchedule: "@every 10m",
			Kafka: Kafka{Brokers: []string{"localhost:29092"}, Topic: "hadoop-logs", GroupID: "anomalyd-simulator"},
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Transport.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("transport.retryDelay must be positive"))
	}
	if c.Transport.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("transport.maxAttempts must be at least 1"))
	}
	if c.Window.Granularity <= 0 || c.Window.Horizon <= 0 {
		errs = append(errs, fmt.Errorf("window.granularity and window.horizon must be positive"))
	} else if c.Window.Horizon%c.Window.Granularity != 0 {
		errs = append(errs, fmt.Errorf("window.granularity %s does not divide horizon %s", c.Window.Granularity, c.Window.Horizon))
	}
	for _, g := range c.Window.Granularities {
		if g <= 0 || g > c.Window.Horizon {
			errs = append(errs, fmt.Errorf("window.granularities: %s out of range", g))
		}
	}
	if c.Recent.Size < 1 {
		errs = append(errs, fmt.Errorf("recent.size must be at least 1"))
	}
	if c.Query.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("query.timeout must be positive"))
	}
	if c.Simulator.MinDelay <= 0 || c.Simulator.MaxDelay < c.Simulator.MinDelay {
		errs = append(errs, fmt.Errorf("simulator delays must satisfy 0 < minDelay <= maxDelay"))
	}
	return errors.Join(errs...)
}

// Allowed reports whether g is one of the selectable granularities.
func (w Window) Allowed(g time.Duration) bool {
	if len(w.Granularities) == 0 {
		return g > 0 && g <= w.Horizon
	}
	for _, x := range w.Granularities {
		if x == g {
			return true
		}
	}
	return false
}
