// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the full configuration for one Turnstile process.
type Config struct {
	Environment  Environment        `yaml:"environment"`
	Device       DeviceConfig       `yaml:"device"`
	Broker       BrokerConfig       `yaml:"broker"`
	TokenService TokenServiceConfig `yaml:"token_service"`
	Storage      StorageConfig      `yaml:"storage"`
	Session      SessionConfig      `yaml:"session"`
	Access       AccessConfig       `yaml:"access"`
	Healthcheck  HealthcheckConfig  `yaml:"healthcheck"`
	API          APIConfig          `yaml:"api"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`

	DevelopmentOverrides *Overrides `yaml:"development,omitempty"`
	ProductionOverrides  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the fields an environment section may replace.
type Overrides struct {
	Broker       *BrokerConfig       `yaml:"broker,omitempty"`
	TokenService *TokenServiceConfig `yaml:"token_service,omitempty"`
	API          *APIConfig          `yaml:"api,omitempty"`
}

// DeviceConfig identifies this device.
type DeviceConfig struct {
	// ID is the device identifier, normally the MAC address. It is
	// the MQTT client ID, the token request's macAddress, and the
	// owner of every credential pushed to this device.
	ID string `yaml:"id"`

	// Room is the human-readable location advertised in device_info
	// broadcasts.
	Room string `yaml:"room"`

	// Salt is appended to ID before hashing for the token request.
	// SaltFile, if set, takes precedence and is read at load time.
	Salt     string `yaml:"salt"`
	SaltFile string `yaml:"salt_file"`
}

// BrokerConfig locates the MQTT broker.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// TokenServiceConfig locates the HTTP token endpoint.
type TokenServiceConfig struct {
	Scheme  string        `yaml:"scheme"`
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// SessionConfig tunes the device session.
type SessionConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// StateFile persists the last broker credentials. Empty disables
	// persistence.
	StateFile string `yaml:"state_file"`

	// IdentityFile is an age identity used to seal StateFile. Empty
	// stores the state unencrypted.
	IdentityFile string `yaml:"identity_file"`
}

// AccessConfig tunes evaluation and the sensors.
type AccessConfig struct {
	FaceThreshold  float64       `yaml:"face_threshold"`
	FaceDimensions int           `yaml:"face_dimensions"`
	FingerCapacity int           `yaml:"finger_capacity"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	DoorDebounce   time.Duration `yaml:"door_debounce"`
	UnlockDuration time.Duration `yaml:"unlock_duration"`
}

// HealthcheckConfig sets the healthcheck cadence.
type HealthcheckConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// APIConfig is the device daemon's local HTTP listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// DiscoveryConfig configures the room directory used by enrollment
// stations. An empty RedisURL keeps the directory in memory.
type DiscoveryConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// Default returns the base configuration that the file is merged over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Broker: BrokerConfig{
			Port: 1883,
		},
		TokenService: TokenServiceConfig{
			Scheme:  "http",
			Port:    8080,
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Path:     "${TURNSTILE_ROOT:-/var/lib/turnstile}/turnstile.db",
			PoolSize: 4,
		},
		Session: SessionConfig{
			ReconnectDelay: 5 * time.Second,
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 5 * time.Second,
			StateFile:      "${TURNSTILE_ROOT:-/var/lib/turnstile}/session.state",
		},
		Access: AccessConfig{
			FaceThreshold:  0.5,
			FaceDimensions: 512,
			FingerCapacity: 1000,
			ScanTimeout:    30 * time.Second,
			DoorDebounce:   500 * time.Millisecond,
			UnlockDuration: 3 * time.Second,
		},
		Healthcheck: HealthcheckConfig{
			Interval: 30 * time.Second,
		},
		API: APIConfig{
			Listen: "127.0.0.1:9100",
		},
		Discovery: DiscoveryConfig{
			TTL: 10 * time.Minute,
		},
	}
}

// Load reads the file named by TURNSTILE_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("TURNSTILE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("TURNSTILE_CONFIG environment variable not set; " +
			"set it to the path of your turnstile.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads, merges, expands, and validates the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse merges YAML data over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	if cfg.Device.SaltFile != "" {
		salt, err := os.ReadFile(cfg.Device.SaltFile)
		if err != nil {
			return nil, fmt.Errorf("config: reading device.salt_file: %w", err)
		}
		cfg.Device.Salt = strings.TrimSpace(string(salt))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.DevelopmentOverrides
	case Production:
		overrides = c.ProductionOverrides
		if overrides == nil {
			overrides = &Overrides{Broker: &BrokerConfig{TLS: true}}
		}
	}
	if overrides == nil {
		return
	}

	if broker := overrides.Broker; broker != nil {
		if broker.Host != "" {
			c.Broker.Host = broker.Host
		}
		if broker.Port != 0 {
			c.Broker.Port = broker.Port
		}
		if broker.ClientID != "" {
			c.Broker.ClientID = broker.ClientID
		}
		// TLS is a bool, so the override always applies.
		c.Broker.TLS = broker.TLS
	}
	if tokens := overrides.TokenService; tokens != nil {
		if tokens.Scheme != "" {
			c.TokenService.Scheme = tokens.Scheme
		}
		if tokens.Host != "" {
			c.TokenService.Host = tokens.Host
		}
		if tokens.Port != 0 {
			c.TokenService.Port = tokens.Port
		}
		if tokens.Timeout != 0 {
			c.TokenService.Timeout = tokens.Timeout
		}
	}
	if api := overrides.API; api != nil && api.Listen != "" {
		c.API.Listen = api.Listen
	}
}

func (c *Config) expandVariables() {
	c.Storage.Path = expandVars(c.Storage.Path)
	c.Session.StateFile = expandVars(c.Session.StateFile)
	c.Session.IdentityFile = expandVars(c.Session.IdentityFile)
	c.Device.SaltFile = expandVars(c.Device.SaltFile)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Device.ID == "" {
		errs = append(errs, fmt.Errorf("device.id is required"))
	}
	if c.Broker.Host == "" {
		errs = append(errs, fmt.Errorf("broker.host is required"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port out of range: %d", c.Broker.Port))
	}
	if c.TokenService.Host == "" {
		errs = append(errs, fmt.Errorf("token_service.host is required"))
	}
	if c.TokenService.Scheme != "http" && c.TokenService.Scheme != "https" {
		errs = append(errs, fmt.Errorf("token_service.scheme must be http or https"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}
	if c.Session.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("session.reconnect_delay must be positive"))
	}
	if c.Access.FaceDimensions <= 0 {
		errs = append(errs, fmt.Errorf("access.face_dimensions must be positive"))
	}
	if c.Access.FingerCapacity <= 0 {
		errs = append(errs, fmt.Errorf("access.finger_capacity must be positive"))
	}
	if c.Access.FaceThreshold < -1 || c.Access.FaceThreshold > 1 {
		errs = append(errs, fmt.Errorf("access.face_threshold must be within [-1, 1]"))
	}
	if c.Healthcheck.Interval <= 0 {
		errs = append(errs, fmt.Errorf("healthcheck.interval must be positive"))
	}

	return errors.Join(errs...)
}

// ClientID returns the MQTT client ID, defaulting to the device ID.
func (c *Config) ClientID() string {
	if c.Broker.ClientID != "" {
		return c.Broker.ClientID
	}
	return c.Device.ID
}

// BrokerURL returns the broker address in paho's scheme://host:port
// form. TLS is used when configured or when the port is 8883.
func (c *Config) BrokerURL() string {
	scheme := "tcp"
	if c.Broker.TLS || c.Broker.Port == 8883 {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(c.Broker.Host, strconv.Itoa(c.Broker.Port))
}

// TokenURL returns the base URL of the identity service.
func (c *Config) TokenURL() string {
	return c.TokenService.Scheme + "://" + net.JoinHostPort(c.TokenService.Host, strconv.Itoa(c.TokenService.Port))
}
