package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-web-ui/internal/handlers"
	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = "8080"
	defaultBackendURL     = "http://localhost:8001"
	defaultBackendTimeout = 5 * time.Minute
	defaultSessionTTL     = 24 * time.Hour

	apiKeyEnv = "PRIVATEGPT_API_KEY"
)

type config struct {
	Port          string            `yaml:"port"`
	Backend       backendConfig     `yaml:"backend"`
	HistoryWindow int               `yaml:"historyWindow"`
	Search        searchConfig      `yaml:"search"`
	Store         storeConfig       `yaml:"store"`
	SessionTTL    time.Duration     `yaml:"sessionTTL"`
	DefaultMode   models.Mode       `yaml:"defaultMode"`
	SystemPrompts map[string]string `yaml:"systemPrompts"`
	LogLevel      string            `yaml:"logLevel"`
	LogFormat     string            `yaml:"logFormat"`
}

type backendConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`

	// MaxEventSize bounds a single chat stream event, in bytes.
	MaxEventSize int `yaml:"maxEventSize"`
}

type searchConfig struct {
	Limit          int `yaml:"limit"`
	PrevNextChunks int `yaml:"prevNextChunks"`
	PreviewLength  int `yaml:"previewLength"`
}

type storeConfig struct {
	// Path of the BoltDB file holding the sessions. Sessions are kept in memory when empty.
	Path string `yaml:"path"`
}

func defaultConfig() config {
	return config{
		Port: defaultPort,
		Backend: backendConfig{
			URL:          defaultBackendURL,
			APIKey:       os.Getenv(apiKeyEnv),
			Timeout:      defaultBackendTimeout,
			MaxEventSize: services.DefaultMaxStreamEventSize,
		},
		HistoryWindow: conversation.DefaultHistoryWindow,
		SessionTTL:    defaultSessionTTL,
		DefaultMode:   models.ModeRAG,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig config

	raw := rawConfig(defaultConfig())
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = config(raw)

	if c.Backend.APIKey == "" {
		c.Backend.APIKey = os.Getenv(apiKeyEnv)
	}
	return c.validate()
}

func (c *config) validate() error {
	if c.Port == "" {
		c.Port = defaultPort
	}

	if c.Backend.URL == "" {
		c.Backend.URL = defaultBackendURL
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend url: %q", c.Backend.URL)
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = defaultBackendTimeout
	}
	if c.Backend.MaxEventSize <= 0 {
		c.Backend.MaxEventSize = services.DefaultMaxStreamEventSize
	}

	if c.HistoryWindow <= 0 {
		c.HistoryWindow = conversation.DefaultHistoryWindow
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}

	mode, ok := models.ParseMode(string(c.DefaultMode))
	if !ok {
		if c.DefaultMode != "" {
			return fmt.Errorf("unknown default mode: %s", c.DefaultMode)
		}
		mode = models.ModeRAG
	}
	c.DefaultMode = mode

	for name := range c.SystemPrompts {
		mode, ok := models.ParseMode(name)
		if !ok || !mode.IsChat() {
			return fmt.Errorf("system prompt for unknown chat mode: %s", name)
		}
	}

	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.LogFormat)
	}

	return nil
}

func loadConfig(r io.Reader) (config, error) {
	cfg := defaultConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		if err == io.EOF {
			return cfg, cfg.validate()
		}
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c config) prompts() conversation.Prompts {
	overrides := make(conversation.Prompts, len(c.SystemPrompts))
	for name, prompt := range c.SystemPrompts {
		mode, _ := models.ParseMode(name)
		overrides[mode] = prompt
	}
	return conversation.DefaultPrompts().Merge(overrides)
}

func (c config) handlerOptions() handlers.Options {
	return handlers.Options{
		DefaultMode:          c.DefaultMode,
		SearchLimit:          c.Search.Limit,
		SearchPrevNextChunks: c.Search.PrevNextChunks,
		SearchPreviewLength:  c.Search.PreviewLength,
	}
}

func (c config) logger(w io.Writer) *slog.Logger {
	level, _ := parseLogLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToLower(c.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level: %s", s)
	}
	return level, nil
}
