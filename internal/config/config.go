// Package config handles configuration loading, validation, and persistence
// for srcquery.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
	DefaultGamePort   = 27015
	DefaultMasterPort = 27011
)

// Config is the root configuration structure for srcquery.
type Config struct {
	mu   sync.RWMutex
	path string

	Query   QueryConfig    `json:"query"`
	RCON    RCONConfig     `json:"rcon"`
	Master  MasterConfig   `json:"master"`
	Servers []ServerConfig `json:"servers"`
	API     APIConfig      `json:"api"`
	MQTT    MQTTConfig     `json:"mqtt"`
	Timers  TimerConfig    `json:"timers"`
	Logging LoggingConfig  `json:"logging"`
}

// QueryConfig holds A2S transport settings.
type QueryConfig struct {
	TimeoutMS   int    `json:"timeout_ms"`
	InfoGraceMS int    `json:"info_grace_ms"`
	Family      string `json:"family"`
	LogPackets  bool   `json:"log_packets"`
}

// RCONConfig holds defaults shared by every RCON session.
type RCONConfig struct {
	TimeoutMS int  `json:"timeout_ms"`
	BackoffMS int  `json:"reconnect_backoff_ms"`
	LogAuth   bool `json:"log_auth_packets"`
}

// MasterConfig describes the master server used for listings.
type MasterConfig struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Region   string `json:"region"`
	Filter   string `json:"filter"`
	Quantity int    `json:"quantity"`
}

// ServerConfig is one monitored game server. IP must be a literal; name
// resolution happens before the configuration is written.
type ServerConfig struct {
	Name         string `json:"name"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	Family       string `json:"family,omitempty"`
	RCONPort     int    `json:"rcon_port,omitempty"`
	RCONPassword string `json:"rcon_password,omitempty"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	MetricsEnabled bool     `json:"metrics_enabled"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// TimerConfig holds poller intervals.
type TimerConfig struct {
	PollInterval          int `json:"poll_interval_sec"`
	RCONKeepaliveInterval int `json:"rcon_keepalive_interval_sec"`
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Query: QueryConfig{
			TimeoutMS:   2000,
			InfoGraceMS: 500,
			Family:      "ipv4",
		},
		RCON: RCONConfig{
			TimeoutMS: 5000,
			BackoffMS: 1000,
		},
		Master: MasterConfig{
			Address:  "hl2master.steampowered.com",
			Port:     DefaultMasterPort,
			Region:   "other",
			Quantity: 500,
		},
		Servers: []ServerConfig{},
		API: APIConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           DefaultAPIPort,
			RateLimitRPS:   100,
			MetricsEnabled: true,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			ClientID:    "srcquery",
			TopicPrefix: "srcquery",
		},
		Timers: TimerConfig{
			PollInterval:          30,
			RCONKeepaliveInterval: 15,
			HeartbeatInterval:     60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Int("servers", len(cfg.Servers)).Msg("configuration loaded")

	// Re-save so the file picks up options added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Server entries may hold RCON passwords.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServers returns a copy of the monitored server list.
func (c *Config) GetServers() []ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ServerConfig(nil), c.Servers...)
}

// AddServer appends a server, replacing an entry with the same address.
func (c *Config) AddServer(s ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.Servers {
		if existing.Address() == s.Address() {
			c.Servers[i] = s
			return
		}
	}
	c.Servers = append(c.Servers, s)
}

// RemoveServer deletes the server with the given "ip:port" address and
// reports whether it was present.
func (c *Config) RemoveServer(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.Servers {
		if existing.Address() == addr {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return true
		}
	}
	return false
}

// GetQuery returns a copy of the query configuration.
func (c *Config) GetQuery() QueryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Query
}

// GetRCON returns a copy of the RCON configuration.
func (c *Config) GetRCON() RCONConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RCON
}

// GetMaster returns a copy of the master server configuration.
func (c *Config) GetMaster() MasterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Master
}

// SetMaster updates the master server configuration.
func (c *Config) SetMaster(m MasterConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Master = m
}

// GetTimers returns a copy of the timer configuration.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return api
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdateField sets key inside section ("query", "rcon", "master", "timers")
// by round-tripping the section through JSON.
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target interface{}
	switch section {
	case "query":
		target = &c.Query
	case "rcon":
		target = &c.RCON
	case "master":
		target = &c.Master
	case "timers":
		target = &c.Timers
	default:
		return fmt.Errorf("unknown config section %q", section)
	}

	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal section %s: %w", section, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section %s: %w", section, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s.%s", section, key)
	}

	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Address returns the server's "ip:port".
func (s ServerConfig) Address() string {
	return joinHostPort(s.IP, s.Port)
}

// RCONAddress returns the RCON "ip:port", defaulting to the game port.
func (s ServerConfig) RCONAddress() string {
	port := s.RCONPort
	if port == 0 {
		port = s.Port
	}
	return joinHostPort(s.IP, port)
}

// QueryTimeout returns the configured timeout as a duration.
func (q QueryConfig) QueryTimeout() time.Duration {
	return time.Duration(q.TimeoutMS) * time.Millisecond
}

// InfoGrace returns the GoldSource grace window as a duration.
func (q QueryConfig) InfoGrace() time.Duration {
	return time.Duration(q.InfoGraceMS) * time.Millisecond
}

// Timeout returns the RCON timeout as a duration.
func (r RCONConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Backoff returns the reconnect backoff as a duration.
func (r RCONConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMS) * time.Millisecond
}
