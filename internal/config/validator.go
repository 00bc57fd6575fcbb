package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateQuery(&cfg.Query, result)
	validateRCON(&cfg.RCON, result)
	validateMaster(&cfg.Master, result)
	validateServers(cfg.Servers, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateTimers(&cfg.Timers, result)

	return result
}

func validateQuery(q *QueryConfig, result *ValidationResult) {
	if q.TimeoutMS < 100 {
		result.AddError("query.timeout_ms", "timeout must be at least 100ms")
	} else if q.TimeoutMS > 30000 {
		result.AddWarning("query.timeout_ms", "timeouts above 30s delay failure detection")
	}
	if q.InfoGraceMS < 0 {
		result.AddError("query.info_grace_ms", "grace window cannot be negative")
	}
	if _, err := ParseFamily(q.Family); err != nil {
		result.AddError("query.family", err.Error())
	}
	if q.LogPackets {
		result.AddWarning("query.log_packets", "packet logging is verbose, enable only while debugging")
	}
}

func validateRCON(r *RCONConfig, result *ValidationResult) {
	if r.TimeoutMS < 100 {
		result.AddError("rcon.timeout_ms", "timeout must be at least 100ms")
	}
	if r.BackoffMS < 0 {
		result.AddError("rcon.reconnect_backoff_ms", "backoff cannot be negative")
	}
	if r.LogAuth {
		result.AddWarning("rcon.log_auth_packets", "auth packets are logged with the password masked")
	}
}

func validateMaster(m *MasterConfig, result *ValidationResult) {
	if strings.TrimSpace(m.Address) == "" {
		result.AddError("master.address", "master server address is required")
	}
	validatePort(m.Port, "master.port", result)
	if m.Quantity <= 0 {
		result.AddWarning("master.quantity", "no quantity set, listings run until the end marker")
	}
	if m.Filter != "" && !strings.HasPrefix(m.Filter, `\`) {
		result.AddWarning("master.filter", `filter expressions normally start with a backslash, e.g. \appid\730`)
	}
}

func validateServers(servers []ServerConfig, result *ValidationResult) {
	seen := make(map[string]bool)
	for i, s := range servers {
		field := fmt.Sprintf("servers[%d]", i)

		ip, err := netip.ParseAddr(s.IP)
		if err != nil {
			result.AddError(field+".ip", fmt.Sprintf("not an IP literal: %q", s.IP))
			continue
		}
		validatePort(s.Port, field+".port", result)
		if s.RCONPort != 0 {
			validatePort(s.RCONPort, field+".rcon_port", result)
		}

		if s.Family != "" {
			fam, err := ParseFamily(s.Family)
			if err != nil {
				result.AddError(field+".family", err.Error())
			} else if (fam == "ipv4") != ip.Unmap().Is4() {
				result.AddError(field+".family", fmt.Sprintf("%s does not match address %s", s.Family, s.IP))
			}
		}

		addr := s.Address()
		if seen[addr] {
			result.AddError(field, fmt.Sprintf("duplicate server %s", addr))
		}
		seen[addr] = true
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)

	if a.TLSEnabled && (strings.TrimSpace(a.TLSCertFile) == "" || strings.TrimSpace(a.TLSKeyFile) == "") {
		result.AddWarning("api.tls_cert_file", "no key pair configured, a self-signed certificate will be generated")
	}

	if a.Token == "" && a.Host != "127.0.0.1" && a.Host != "localhost" {
		result.AddWarning("api.token", "API listens beyond loopback without a token, RCON is exposed")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddError("mqtt.topic_prefix", "topic prefix is required when enabled")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.PollInterval < 1 {
		result.AddError("timers.poll_interval_sec", "poll interval must be at least 1s")
	} else if timers.PollInterval < 5 {
		result.AddWarning("timers.poll_interval_sec",
			"poll interval less than 5s may get the manager rate limited by servers")
	}
	if timers.RCONKeepaliveInterval < 1 {
		result.AddError("timers.rcon_keepalive_interval_sec", "keepalive interval must be at least 1s")
	}
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval_sec",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
	}
}

// ParseFamily normalizes "ipv4"/"4"/"ipv6"/"6" to "ipv4" or "ipv6". An empty
// string means IPv4.
func ParseFamily(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "4", "ipv4", "udp4":
		return "ipv4", nil
	case "6", "ipv6", "udp6":
		return "ipv6", nil
	}
	return "", fmt.Errorf("unknown address family %q", s)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
