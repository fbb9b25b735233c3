// Package uci loads the drivedetect UCI configuration file.
package uci

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/api"
	"github.com/markus-lassfolk/drivedetect/pkg/location"
	"github.com/markus-lassfolk/drivedetect/pkg/mqtt"
	"github.com/markus-lassfolk/drivedetect/pkg/telemetry"
)

// DefaultPath is the production configuration file
const DefaultPath = "/etc/config/drivedetect"

// EnvPrefix prefixes environment overrides, e.g. DRIVEDETECT_TELEMETRY_URL
const EnvPrefix = "DRIVEDETECT_"

// Config is the daemon configuration
type Config struct {
	// Main section (config drivedetect 'main')
	LogLevel           string `json:"log_level"`
	StatePath          string `json:"state_path"`
	PIDFile            string `json:"pid_file"`
	APIListen          string `json:"api_listen"`
	APIAuthKey         string `json:"api_auth_key"`
	MetricsEnabled     bool   `json:"metrics"`
	LocationPermission bool   `json:"location_permission"`
	PermissionFile     string `json:"permission_file"`
	EventsCapacity     int    `json:"events_capacity"`
	EventsRetentionH   int    `json:"events_retention_h"`

	// Classifier section
	SpeedThreshold float64 `json:"speed_threshold"`
	WindowSize     int     `json:"window_size"`

	// Location section
	Providers        []string `json:"providers"`
	MinIntervalMS    int      `json:"min_interval_ms"`
	MinDistanceM     float64  `json:"min_distance_m"`
	ProviderRecheckS int      `json:"provider_recheck_s"`
	QueueSize        int      `json:"queue_size"`

	Telemetry TelemetryConfig `json:"telemetry"`
	MQTT      MQTTConfig      `json:"mqtt"`

	// Notification section
	StatusFile string `json:"status_file"`

	providersSet bool
}

// TelemetryConfig is the telemetry section
type TelemetryConfig struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url"`
	TimeoutS  int    `json:"timeout_s"`
	UserAgent string `json:"user_agent"`
}

// MQTTConfig is the mqtt section
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
}

// LoadConfig reads the UCI file at path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigWithEnv(path, "")
}

// LoadConfigWithEnv is LoadConfig with an optional env file loaded first.
// Variables already present in the environment win over the file.
func LoadConfigWithEnv(path, envFile string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if path == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cfg.parseUCI(path); err != nil {
			return nil, fmt.Errorf("failed to parse UCI config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.Environ()); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.LogLevel = "info"
	c.StatePath = "/etc/drivedetect/state.db"
	c.PIDFile = "/var/run/drivedetectd.pid"
	c.APIListen = api.DefaultConfig().Listen
	c.MetricsEnabled = true
	c.LocationPermission = true
	c.EventsCapacity = 500
	c.EventsRetentionH = 24

	def := location.DefaultConfig()
	c.SpeedThreshold = def.SpeedThreshold
	c.WindowSize = def.WindowSize
	c.Providers = nil
	for _, p := range def.Providers {
		c.Providers = append(c.Providers, string(p))
	}
	c.MinIntervalMS = int(def.MinInterval / time.Millisecond)
	c.MinDistanceM = def.MinDistance
	c.ProviderRecheckS = int(def.ProviderRecheck / time.Second)
	c.QueueSize = def.QueueSize

	tel := telemetry.DefaultConfig()
	c.Telemetry = TelemetryConfig{
		Enabled:   tel.Enabled,
		URL:       tel.URL,
		TimeoutS:  int(tel.Timeout / time.Second),
		UserAgent: tel.UserAgent,
	}

	mq := mqtt.DefaultConfig()
	c.MQTT = MQTTConfig{
		Enabled:     mq.Enabled,
		Broker:      mq.Broker,
		Port:        mq.Port,
		ClientID:    mq.ClientID,
		TopicPrefix: mq.TopicPrefix,
		QoS:         mq.QoS,
	}
}

func (c *Config) parseUCI(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var sectionType string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			sectionType, _ = splitWord(rest)
			sectionType = unquote(sectionType)
		case "option", "list":
			name, value := splitWord(rest)
			if err := c.parseOption(sectionType, unquote(name), unquote(value), keyword == "list"); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
	}
	return scanner.Err()
}

// parseOption routes options to the parser for their section
func (c *Config) parseOption(sectionType, option, value string, list bool) error {
	switch sectionType {
	case "drivedetect", "":
		return c.parseMainOption(option, value)
	case "classifier":
		return c.parseClassifierOption(option, value)
	case "location":
		return c.parseLocationOption(option, value, list)
	case "telemetry":
		return c.parseTelemetryOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	case "notification":
		if option == "status_file" {
			c.StatusFile = value
		}
	}
	return nil
}

func (c *Config) parseMainOption(option, value string) error {
	var err error
	switch option {
	case "log_level":
		c.LogLevel = value
	case "state_path":
		c.StatePath = value
	case "pid_file":
		c.PIDFile = value
	case "api_listen":
		c.APIListen = value
	case "api_auth_key":
		c.APIAuthKey = value
	case "metrics":
		c.MetricsEnabled = value == "1"
	case "location_permission":
		c.LocationPermission = value == "1"
	case "permission_file":
		c.PermissionFile = value
	case "events_capacity":
		c.EventsCapacity, err = parseInt(option, value)
	case "events_retention_h":
		c.EventsRetentionH, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseClassifierOption(option, value string) error {
	var err error
	switch option {
	case "speed_threshold":
		c.SpeedThreshold, err = parseFloat(option, value)
	case "window_size":
		c.WindowSize, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseLocationOption(option, value string, list bool) error {
	var err error
	switch option {
	case "providers", "provider":
		// the first entry replaces the defaults, later ones append
		if !c.providersSet {
			c.Providers = nil
			c.providersSet = true
		}
		if list {
			c.Providers = append(c.Providers, value)
		} else {
			c.Providers = append(c.Providers, splitList(value)...)
		}
	case "min_interval_ms":
		c.MinIntervalMS, err = parseInt(option, value)
	case "min_distance_m":
		c.MinDistanceM, err = parseFloat(option, value)
	case "provider_recheck_s":
		c.ProviderRecheckS, err = parseInt(option, value)
	case "queue_size":
		c.QueueSize, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseTelemetryOption(option, value string) error {
	var err error
	switch option {
	case "enabled":
		c.Telemetry.Enabled = value == "1"
	case "url":
		c.Telemetry.URL = value
	case "timeout_s":
		c.Telemetry.TimeoutS, err = parseInt(option, value)
	case "user_agent":
		c.Telemetry.UserAgent = value
	}
	return err
}

func (c *Config) parseMQTTOption(option, value string) error {
	var err error
	switch option {
	case "enabled":
		c.MQTT.Enabled = value == "1"
	case "broker":
		c.MQTT.Broker = value
	case "port":
		c.MQTT.Port, err = parseInt(option, value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "qos":
		c.MQTT.QoS, err = parseInt(option, value)
	}
	return err
}

var envSections = []string{"classifier", "location", "telemetry", "mqtt", "notification"}

// applyEnv maps DRIVEDETECT_<SECTION>_<OPTION> onto section options and
// DRIVEDETECT_<OPTION> onto the main section
func (c *Config) applyEnv(environ []string) error {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}

		name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		section := "drivedetect"
		for _, s := range envSections {
			if strings.HasPrefix(name, s+"_") {
				section = s
				name = strings.TrimPrefix(name, s+"_")
				break
			}
		}

		if section == "location" && (name == "providers" || name == "provider") {
			c.providersSet = false
		}
		if err := c.parseOption(section, name, value, false); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.StatePath == "" {
		return fmt.Errorf("state_path must be set")
	}
	if c.SpeedThreshold <= 0 || c.SpeedThreshold > 100 {
		return fmt.Errorf("speed_threshold must be between 0 and 100 m/s")
	}
	if c.WindowSize < 1 || c.WindowSize > 100 {
		return fmt.Errorf("window_size must be between 1 and 100")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one location provider is required")
	}
	if c.MinIntervalMS < 0 {
		return fmt.Errorf("min_interval_ms must not be negative")
	}
	if c.MinDistanceM < 0 {
		return fmt.Errorf("min_distance_m must not be negative")
	}
	if c.ProviderRecheckS < 1 || c.ProviderRecheckS > 3600 {
		return fmt.Errorf("provider_recheck_s must be between 1 and 3600")
	}
	if c.QueueSize < 1 || c.QueueSize > 10000 {
		return fmt.Errorf("queue_size must be between 1 and 10000")
	}
	if c.EventsCapacity < 1 || c.EventsCapacity > 10000 {
		return fmt.Errorf("events_capacity must be between 1 and 10000")
	}
	if c.EventsRetentionH < 1 || c.EventsRetentionH > 168 {
		return fmt.Errorf("events_retention_h must be between 1 and 168")
	}
	if c.Telemetry.Enabled && c.Telemetry.URL == "" {
		return fmt.Errorf("telemetry url must be set when telemetry is enabled")
	}
	if c.Telemetry.TimeoutS < 1 || c.Telemetry.TimeoutS > 300 {
		return fmt.Errorf("telemetry timeout_s must be between 1 and 300")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker must be set when mqtt is enabled")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt port must be between 1 and 65535")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2")
		}
	}
	return nil
}

// SessionConfig returns the location session configuration
func (c *Config) SessionConfig() *location.Config {
	providers := make([]pkg.ProviderID, 0, len(c.Providers))
	for _, p := range c.Providers {
		providers = append(providers, pkg.ProviderID(p))
	}
	return &location.Config{
		Providers:       providers,
		MinInterval:     time.Duration(c.MinIntervalMS) * time.Millisecond,
		MinDistance:     c.MinDistanceM,
		WindowSize:      c.WindowSize,
		SpeedThreshold:  c.SpeedThreshold,
		ProviderRecheck: time.Duration(c.ProviderRecheckS) * time.Second,
		QueueSize:       c.QueueSize,
	}
}

// TelemetryConfig returns the telemetry reporter configuration
func (c *Config) TelemetryConfig() *telemetry.Config {
	return &telemetry.Config{
		Enabled:   c.Telemetry.Enabled,
		URL:       c.Telemetry.URL,
		Timeout:   time.Duration(c.Telemetry.TimeoutS) * time.Second,
		UserAgent: c.Telemetry.UserAgent,
	}
}

// MQTTConfig returns the MQTT client configuration
func (c *Config) MQTTConfig() *mqtt.Config {
	return &mqtt.Config{
		Enabled:     c.MQTT.Enabled,
		Broker:      c.MQTT.Broker,
		Port:        c.MQTT.Port,
		ClientID:    c.MQTT.ClientID,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		TopicPrefix: c.MQTT.TopicPrefix,
		QoS:         c.MQTT.QoS,
	}
}

// APIConfig returns the control API configuration
func (c *Config) APIConfig() *api.Config {
	return &api.Config{Listen: c.APIListen, AuthKey: c.APIAuthKey}
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}

func parseInt(option, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("option %s: invalid integer %q", option, value)
	}
	return n, nil
}

func parseFloat(option, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("option %s: invalid number %q", option, value)
	}
	return f, nil
}

// splitWord returns the first whitespace separated word of s and the rest.
// A quoted word may contain spaces.
func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if q := s[0]; q == '\'' || q == '"' {
		if end := strings.IndexByte(s[1:], q); end >= 0 {
			return s[:end+2], strings.TrimSpace(s[end+2:])
		}
	}
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func splitList(value string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, f)
	}
	return out
}
