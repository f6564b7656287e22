// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tpd/orderrelay/internal/models"
)

// Mailbox providers.
const (
	ProviderGraph = "graph"
	ProviderGmail = "gmail"
	ProviderSMTP  = "smtp"
)

// Ledger drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GraphConfig holds the Entra ID app registration used for Microsoft Graph.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// User is the mailbox id or UPN.
	User string
}

// GmailConfig holds the OAuth2 desktop client files for the Gmail API.
type GmailConfig struct {
	CredentialsPath string
	TokenPath       string
	Query           string
}

// MailboxConfig selects and configures the inbound source.
type MailboxConfig struct {
	Provider           string
	Graph              GraphConfig
	Gmail              GmailConfig
	PageSize           int
	MaxPages           int
	IncludeAttachments bool
	Timeout            time.Duration
}

// SMTPConfig holds submission server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// TransportConfig selects and configures outbound delivery.
type TransportConfig struct {
	Provider       string
	From           string
	SMTP           SMTPConfig
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	// SaveSentCopy stores each dispatched message in the mailbox's sent
	// folder. Requires a graph or gmail mailbox.
	SaveSentCopy bool
}

// ClassifierConfig overrides the vendor markers. Empty fields keep the
// built-in defaults.
type ClassifierConfig struct {
	AllowedSenders []string
	SubjectMarker  string
	BodyMarker     string
}

// ExtractionConfig configures the structured-extraction backend.
type ExtractionConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	MaxAttempts    int
	InitialBackoff time.Duration
	Timeout        time.Duration
	// RatePerMinute caps backend calls; zero disables the limit.
	RatePerMinute int
}

// RenderConfig enables the headless Chrome fill technique.
type RenderConfig struct {
	Enabled   bool
	RemoteURL string
	NoSandbox bool
}

// FormatterConfig configures the Laticrete document strategy.
type FormatterConfig struct {
	TemplatePath string
	Timeout      time.Duration
	Render       RenderConfig
}

// LedgerConfig selects the ledger store.
type LedgerConfig struct {
	Driver string
	Path   string
	DSN    string
}

// RedisConfig enables the cross-process cycle lock and the event queue.
// An empty URL disables both.
type RedisConfig struct {
	URL         string
	LockEnabled bool
	LockTTL     time.Duration
	EventsQueue string
}

// Config holds all configuration for the order relay.
type Config struct {
	LogLevel string

	PollInterval time.Duration
	Lookback     time.Duration
	FetchTimeout time.Duration

	Mailbox    MailboxConfig
	Transport  TransportConfig
	Recipients map[models.ProductLine]string
	Classifier ClassifierConfig
	Extraction ExtractionConfig
	Catalog    string
	Formatter  FormatterConfig
	Ledger     LedgerConfig
	Redis      RedisConfig

	// Port serves /health and /cycle.
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	LogLevel string `yaml:"log_level"`
	Poll     struct {
		Interval     string `yaml:"interval"`
		Lookback     string `yaml:"lookback"`
		FetchTimeout string `yaml:"fetch_timeout"`
	} `yaml:"poll"`
	Mailbox struct {
		Provider string `yaml:"provider"`
		Graph    struct {
			TenantID     string `yaml:"tenant_id"`
			ClientID     string `yaml:"client_id"`
			ClientSecret string `yaml:"client_secret"`
			User         string `yaml:"user"`
		} `yaml:"graph"`
		Gmail struct {
			CredentialsPath string `yaml:"credentials_path"`
			TokenPath       string `yaml:"token_path"`
			Query           string `yaml:"query"`
		} `yaml:"gmail"`
		PageSize           int    `yaml:"page_size"`
		MaxPages           int    `yaml:"max_pages"`
		IncludeAttachments bool   `yaml:"include_attachments"`
		Timeout            string `yaml:"timeout"`
	} `yaml:"mailbox"`
	Transport struct {
		Provider string `yaml:"provider"`
		From     string `yaml:"from"`
		SMTP     struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		} `yaml:"smtp"`
		MaxAttempts    int    `yaml:"max_attempts"`
		InitialBackoff string `yaml:"initial_backoff"`
		MaxBackoff     string `yaml:"max_backoff"`
		Timeout        string `yaml:"timeout"`
		SaveSentCopy   bool   `yaml:"save_sent_copy"`
	} `yaml:"transport"`
	Recipients map[string]string `yaml:"recipients"`
	Classifier struct {
		AllowedSenders []string `yaml:"allowed_senders"`
		SubjectMarker  string   `yaml:"subject_marker"`
		BodyMarker     string   `yaml:"body_marker"`
	} `yaml:"classifier"`
	Extraction struct {
		APIKey         string `yaml:"api_key"`
		BaseURL        string `yaml:"base_url"`
		Model          string `yaml:"model"`
		MaxTokens      int    `yaml:"max_tokens"`
		MaxAttempts    int    `yaml:"max_attempts"`
		InitialBackoff string `yaml:"initial_backoff"`
		Timeout        string `yaml:"timeout"`
		RatePerMinute  int    `yaml:"rate_per_minute"`
	} `yaml:"extraction"`
	Catalog struct {
		Path string `yaml:"path"`
	} `yaml:"catalog"`
	Formatter struct {
		TemplatePath string `yaml:"template_path"`
		Timeout      string `yaml:"timeout"`
		Render       struct {
			Enabled   bool   `yaml:"enabled"`
			RemoteURL string `yaml:"remote_url"`
			NoSandbox bool   `yaml:"no_sandbox"`
		} `yaml:"render"`
	} `yaml:"formatter"`
	Ledger struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"ledger"`
	Redis struct {
		URL  string `yaml:"url"`
		Lock struct {
			Enabled bool   `yaml:"enabled"`
			TTL     string `yaml:"ttl"`
		} `yaml:"lock"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for operational settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

// Parse expands ${VAR} references in data, applies defaults and env
// fallbacks, and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	var errs []error
	dur := func(field, value string, fallback time.Duration) time.Duration {
		if strings.TrimSpace(value) == "" {
			return fallback
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return fallback
		}
		return d
	}

	cfg := &Config{
		LogLevel:     firstNonEmpty(os.Getenv("LOG_LEVEL"), raw.LogLevel, "info"),
		PollInterval: envOrDefaultDuration("POLL_INTERVAL", dur("poll.interval", raw.Poll.Interval, 5*time.Minute)),
		Lookback:     envOrDefaultDuration("POLL_LOOKBACK", dur("poll.lookback", raw.Poll.Lookback, 24*time.Hour)),
		FetchTimeout: dur("poll.fetch_timeout", raw.Poll.FetchTimeout, 2*time.Minute),
		Mailbox: MailboxConfig{
			Provider: strings.ToLower(firstNonEmpty(raw.Mailbox.Provider, ProviderGraph)),
			Graph: GraphConfig{
				TenantID:     raw.Mailbox.Graph.TenantID,
				ClientID:     raw.Mailbox.Graph.ClientID,
				ClientSecret: raw.Mailbox.Graph.ClientSecret,
				User:         raw.Mailbox.Graph.User,
			},
			Gmail: GmailConfig{
				CredentialsPath: firstNonEmpty(raw.Mailbox.Gmail.CredentialsPath, "credentials.json"),
				TokenPath:       firstNonEmpty(raw.Mailbox.Gmail.TokenPath, "token.json"),
				Query:           raw.Mailbox.Gmail.Query,
			},
			PageSize:           raw.Mailbox.PageSize,
			MaxPages:           raw.Mailbox.MaxPages,
			IncludeAttachments: raw.Mailbox.IncludeAttachments,
			Timeout:            dur("mailbox.timeout", raw.Mailbox.Timeout, 30*time.Second),
		},
		Transport: TransportConfig{
			Provider: strings.ToLower(firstNonEmpty(raw.Transport.Provider, ProviderSMTP)),
			From:     raw.Transport.From,
			SMTP: SMTPConfig{
				Host:     raw.Transport.SMTP.Host,
				Port:     raw.Transport.SMTP.Port,
				Username: raw.Transport.SMTP.Username,
				Password: raw.Transport.SMTP.Password,
			},
			MaxAttempts:    raw.Transport.MaxAttempts,
			InitialBackoff: dur("transport.initial_backoff", raw.Transport.InitialBackoff, 0),
			MaxBackoff:     dur("transport.max_backoff", raw.Transport.MaxBackoff, 0),
			Timeout:        dur("transport.timeout", raw.Transport.Timeout, 30*time.Second),
			SaveSentCopy:   raw.Transport.SaveSentCopy,
		},
		Recipients: make(map[models.ProductLine]string),
		Classifier: ClassifierConfig{
			AllowedSenders: raw.Classifier.AllowedSenders,
			SubjectMarker:  raw.Classifier.SubjectMarker,
			BodyMarker:     raw.Classifier.BodyMarker,
		},
		Extraction: ExtractionConfig{
			APIKey:         firstNonEmpty(raw.Extraction.APIKey, os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL:        raw.Extraction.BaseURL,
			Model:          raw.Extraction.Model,
			MaxTokens:      raw.Extraction.MaxTokens,
			MaxAttempts:    raw.Extraction.MaxAttempts,
			InitialBackoff: dur("extraction.initial_backoff", raw.Extraction.InitialBackoff, 0),
			Timeout:        dur("extraction.timeout", raw.Extraction.Timeout, 60*time.Second),
			RatePerMinute:  raw.Extraction.RatePerMinute,
		},
		Catalog: firstNonEmpty(raw.Catalog.Path, "catalog.csv"),
		Formatter: FormatterConfig{
			TemplatePath: raw.Formatter.TemplatePath,
			Timeout:      dur("formatter.timeout", raw.Formatter.Timeout, 60*time.Second),
			Render: RenderConfig{
				Enabled:   raw.Formatter.Render.Enabled,
				RemoteURL: raw.Formatter.Render.RemoteURL,
				NoSandbox: raw.Formatter.Render.NoSandbox,
			},
		},
		Ledger: LedgerConfig{
			Driver: strings.ToLower(raw.Ledger.Driver),
			Path:   firstNonEmpty(raw.Ledger.Path, "orderrelay.db"),
			DSN:    firstNonEmpty(raw.Ledger.DSN, os.Getenv("DATABASE_URL")),
		},
		Redis: RedisConfig{
			URL:         firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
			LockEnabled: raw.Redis.Lock.Enabled,
			LockTTL:     dur("redis.lock.ttl", raw.Redis.Lock.TTL, 10*time.Minute),
			EventsQueue: firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "orderrelay:dispatches")),
		},
		Port: envOrDefaultInt("PORT", raw.Server.Port),
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = DriverSQLite
		if cfg.Ledger.DSN != "" {
			cfg.Ledger.Driver = DriverPostgres
		}
	}

	for name, addr := range raw.Recipients {
		line, err := models.ParseProductLine(name)
		if err != nil || !line.Tracked() {
			errs = append(errs, fmt.Errorf("recipients: unknown product line %q", name))
			continue
		}
		if addr = strings.TrimSpace(addr); addr != "" {
			cfg.Recipients[line] = addr
		}
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}

	switch c.Mailbox.Provider {
	case ProviderGraph:
		g := c.Mailbox.Graph
		if g.TenantID == "" || g.ClientID == "" || g.ClientSecret == "" || g.User == "" {
			errs = append(errs, errors.New("mailbox.graph: tenant_id, client_id, client_secret and user are required"))
		}
	case ProviderGmail:
	default:
		errs = append(errs, fmt.Errorf("mailbox.provider: unsupported %q", c.Mailbox.Provider))
	}

	if c.Transport.From == "" {
		errs = append(errs, errors.New("transport.from is required"))
	}
	switch c.Transport.Provider {
	case ProviderSMTP:
		if c.Transport.SMTP.Host == "" {
			errs = append(errs, errors.New("transport.smtp.host is required"))
		}
	case ProviderGraph:
		if c.Mailbox.Provider != ProviderGraph {
			errs = append(errs, errors.New("transport.provider graph requires the graph mailbox"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.provider: unsupported %q", c.Transport.Provider))
	}

	if len(c.Recipients) == 0 {
		errs = append(errs, errors.New("recipients: at least one product line needs an address"))
	}
	if c.Recipients[models.LineLaticrete] != "" && c.Formatter.TemplatePath == "" {
		errs = append(errs, errors.New("formatter.template_path is required when laticrete orders are dispatched"))
	}
	if c.Extraction.APIKey == "" {
		errs = append(errs, errors.New("extraction.api_key is required (or set ANTHROPIC_API_KEY)"))
	}

	switch c.Ledger.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn is required for postgres (or set DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver: unsupported %q", c.Ledger.Driver))
	}

	if c.Redis.LockEnabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.lock requires redis.url"))
	}
	return errs
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
