package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Retention  RetentionConfig  `yaml:"retention"`
	Validation ValidationConfig `yaml:"validation"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address      string    `yaml:"address"`
	Port         int       `yaml:"port"`
	ReadTimeout  Duration  `yaml:"read_timeout"`
	WriteTimeout Duration  `yaml:"write_timeout"`
	TLS          TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig locates the patch journal.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// DeliveryConfig shapes sessions and the patch pipeline.
type DeliveryConfig struct {
	// QueueCapacity bounds each session's ingest queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// SubscriberBuffer bounds each websocket subscriber's send queue.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// MaxPooledBuffer caps payload buffers returned to the pool.
	MaxPooledBuffer SizeBytes `yaml:"max_pooled_buffer"`
	// Containers seeds a blank mirror for every new session.
	Containers []string `yaml:"containers"`
	// PageTemplateFile, when set, is parsed as the initial page instead
	// of a blank mirror.
	PageTemplateFile string `yaml:"page_template_file"`
	// PrependContainers lists container ids that grow newest-first.
	PrependContainers []string `yaml:"prepend_containers"`
	// ModifiedMarker overrides the stamp appended to updated items.
	ModifiedMarker string `yaml:"modified_marker"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	APIKeys     struct {
		Backend     []string `yaml:"backend"`
		Frontend    []string `yaml:"frontend"`
		Admin       []string `yaml:"admin"`
		AllowUnauth bool     `yaml:"allow_unauth"`
	} `yaml:"api_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// RetentionConfig holds configuration for the journal trim runner.
type RetentionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// Keep is how many journaled patches to retain per session.
	Keep   int  `yaml:"keep"`
	DryRun bool `yaml:"dry_run"`
	Paused bool `yaml:"paused"`
}

// ValidationConfig holds patch policy settings.
type ValidationConfig struct {
	MaxContentBytes   SizeBytes `yaml:"max_content_bytes"`
	MaxAuthorLen      int       `yaml:"max_author_len"`
	MaxDependencies   int       `yaml:"max_dependencies"`
	AllowedContainers []string  `yaml:"allowed_containers"`
	RequireAuthor     bool      `yaml:"require_author"`
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
