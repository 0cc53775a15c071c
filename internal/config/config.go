package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variable names
const (
	EnvAddr          = "HOMGARD_ADDR"
	EnvJWTSecret     = "HOMGARD_JWT_SECRET"
	EnvJWTExpiration = "HOMGARD_JWT_EXPIRATION"
	EnvNoAuth        = "HOMGARD_NO_AUTH"
	EnvDBPath        = "HOMGARD_DB_PATH"
	// Cloud account settings
	EnvEmail    = "HOMGARD_EMAIL"
	EnvPassword = "HOMGARD_PASSWORD"
	EnvAreaCode = "HOMGARD_AREA_CODE"
	EnvBaseURL  = "HOMGARD_BASE_URL"
	// Engine settings
	EnvPollInterval    = "HOMGARD_POLL_INTERVAL"
	EnvStaleMisses     = "HOMGARD_STALE_MISSES"
	EnvMaxAuthFailures = "HOMGARD_MAX_AUTH_FAILURES"
	EnvCommandQueue    = "HOMGARD_COMMAND_QUEUE_SIZE"
	// MQTT settings
	EnvMQTTBroker = "HOMGARD_MQTT_BROKER"
)

// Default values
const (
	DefaultAddr          = ":8793"
	DefaultJWTExpiration = 24 * time.Hour
	DefaultNoAuth        = false
	DefaultDBPath        = "homgard.db"
	DefaultAreaCode      = "31"
	DefaultPollInterval  = 30 * time.Second
	DefaultStaleMisses   = 3
	DefaultMaxAuthFail   = 3
	DefaultCommandQueue  = 32
)

// MinPollInterval guards against hammering the vendor API.
const MinPollInterval = 5 * time.Second

// Config holds all application configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool // tracks if config was modified

	// Server settings
	addr string

	// Security settings
	jwtSecret     string
	jwtExpiration time.Duration
	noAuth        bool

	// Persistence
	dbPath string

	// Cloud account settings
	email    string
	password string
	areaCode string
	baseURL  string

	// Engine settings
	pollInterval    time.Duration
	staleMisses     int
	maxAuthFailures int
	commandQueue    int

	// MQTT settings
	mqttBroker string // overrides the broker host from the grant
}

// Load loads configuration from .env file or creates it with defaults.
// This is the main entry point for configuration initialization.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		filePath: filePath,
	}

	// Set defaults first
	cfg.setDefaults()

	// Try to load existing file
	if err := cfg.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// File doesn't exist - will be created with defaults
		cfg.dirty = true
	}

	// Generate JWT secret if empty
	if cfg.jwtSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.jwtSecret = secret
		cfg.dirty = true
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Save if config was modified (new file or generated secret)
	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	return cfg, nil
}

// setDefaults initializes all fields with default values.
func (c *Config) setDefaults() {
	c.addr = DefaultAddr
	c.jwtSecret = ""
	c.jwtExpiration = DefaultJWTExpiration
	c.noAuth = DefaultNoAuth
	c.dbPath = DefaultDBPath
	c.email = ""
	c.password = ""
	c.areaCode = DefaultAreaCode
	c.baseURL = "" // empty selects the built-in vendor endpoint
	c.pollInterval = DefaultPollInterval
	c.staleMisses = DefaultStaleMisses
	c.maxAuthFailures = DefaultMaxAuthFail
	c.commandQueue = DefaultCommandQueue
	c.mqttBroker = ""
}

// loadFromFile reads configuration from .env file.
func (c *Config) loadFromFile() error {
	file, err := os.Open(c.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	values, err := ParseEnvFile(file)
	if err != nil {
		return err
	}

	c.applyValues(values)
	return nil
}

// applyValues applies parsed key-value pairs to config.
func (c *Config) applyValues(values map[string]string) {
	if v, ok := values[EnvAddr]; ok && v != "" {
		c.addr = v
	}

	if v, ok := values[EnvJWTSecret]; ok && v != "" {
		c.jwtSecret = v
	}

	if v, ok := values[EnvJWTExpiration]; ok && v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			c.jwtExpiration = time.Duration(seconds) * time.Second
		}
	}

	if v, ok := values[EnvNoAuth]; ok {
		c.noAuth = parseBool(v)
	}

	if v, ok := values[EnvDBPath]; ok && v != "" {
		c.dbPath = v
	}

	// Cloud account settings
	if v, ok := values[EnvEmail]; ok {
		c.email = v
	}
	if v, ok := values[EnvPassword]; ok {
		c.password = v
	}
	if v, ok := values[EnvAreaCode]; ok && v != "" {
		c.areaCode = v
	}
	if v, ok := values[EnvBaseURL]; ok {
		c.baseURL = v
	}

	// Engine settings
	if v, ok := values[EnvPollInterval]; ok && v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			c.pollInterval = time.Duration(seconds) * time.Second
		}
	}
	if v, ok := values[EnvStaleMisses]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.staleMisses = n
		}
	}
	if v, ok := values[EnvMaxAuthFailures]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.maxAuthFailures = n
		}
	}
	if v, ok := values[EnvCommandQueue]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.commandQueue = n
		}
	}

	// MQTT settings
	if v, ok := values[EnvMQTTBroker]; ok {
		c.mqttBroker = v
	}
}

// validate checks if configuration is valid. Cloud credentials may be
// empty here; the daemon refuses to start without them at a later,
// friendlier point.
func (c *Config) validate() error {
	// Validate server address
	if c.addr == "" {
		return errors.New("server address cannot be empty")
	}

	// Check if address format is valid
	host, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		// Try with default host
		if _, err := strconv.Atoi(strings.TrimPrefix(c.addr, ":")); err != nil {
			return fmt.Errorf("invalid server address format: %s", c.addr)
		}
	} else {
		if port == "" {
			return errors.New("port cannot be empty")
		}
		portNum, err := strconv.Atoi(port)
		if err != nil || portNum < 1 || portNum > 65535 {
			return fmt.Errorf("invalid port number: %s", port)
		}
		_ = host // host can be empty (bind to all interfaces)
	}

	// Validate JWT expiration
	if c.jwtExpiration < time.Minute {
		return errors.New("JWT expiration must be at least 1 minute")
	}
	if c.jwtExpiration > 365*24*time.Hour {
		return errors.New("JWT expiration cannot exceed 1 year")
	}

	if c.pollInterval < MinPollInterval {
		return fmt.Errorf("poll interval must be at least %v", MinPollInterval)
	}

	if c.dbPath == "" {
		return errors.New("database path cannot be empty")
	}

	return nil
}

// Save writes current configuration to .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	if err := WriteEnvFile(filePath, values); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// toMap converts config to key-value map for saving.
func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvAddr:          c.addr,
		EnvJWTSecret:     c.jwtSecret,
		EnvJWTExpiration: strconv.Itoa(int(c.jwtExpiration.Seconds())),
		EnvNoAuth:        strconv.FormatBool(c.noAuth),
		EnvDBPath:        c.dbPath,
		// Cloud account settings
		EnvEmail:    c.email,
		EnvPassword: c.password,
		EnvAreaCode: c.areaCode,
		EnvBaseURL:  c.baseURL,
		// Engine settings
		EnvPollInterval:    strconv.Itoa(int(c.pollInterval.Seconds())),
		EnvStaleMisses:     strconv.Itoa(c.staleMisses),
		EnvMaxAuthFailures: strconv.Itoa(c.maxAuthFailures),
		EnvCommandQueue:    strconv.Itoa(c.commandQueue),
		// MQTT settings
		EnvMQTTBroker: c.mqttBroker,
	}
}

// Getters (thread-safe)

// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// JWTSecret returns the JWT secret key.
func (c *Config) JWTSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtSecret
}

// JWTExpiration returns the JWT token expiration duration.
func (c *Config) JWTExpiration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtExpiration
}

// NoAuth returns whether authentication is disabled.
func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noAuth
}

// DBPath returns the bolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// FilePath returns the path to the .env file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// Cloud account getters

// Email returns the cloud account email.
func (c *Config) Email() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.email
}

// Password returns the cloud account password.
func (c *Config) Password() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.password
}

// AreaCode returns the cloud account area code.
func (c *Config) AreaCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.areaCode
}

// BaseURL returns the cloud API base URL override, empty for the
// built-in default.
func (c *Config) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// Engine getters

// PollInterval returns the snapshot poll cadence.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pollInterval
}

// StaleMisses returns how many consecutive missed polls mark a device
// stale.
func (c *Config) StaleMisses() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleMisses
}

// MaxAuthFailures returns the consecutive login failure limit before
// the session gives up.
func (c *Config) MaxAuthFailures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxAuthFailures
}

// CommandQueueSize returns the command channel queue bound.
func (c *Config) CommandQueueSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commandQueue
}

// MQTTBroker returns the broker override, empty to use the host from
// the subscription grant.
func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

// Setters (thread-safe, auto-save)

// SetAddr sets the server address and saves to file.
func (c *Config) SetAddr(addr string) error {
	c.mu.Lock()
	c.addr = addr
	c.dirty = true
	c.mu.Unlock()

	if err := c.validate(); err != nil {
		return err
	}
	return c.Save()
}

// SetJWTSecret sets the JWT secret and saves to file.
func (c *Config) SetJWTSecret(secret string) error {
	if secret == "" {
		return errors.New("JWT secret cannot be empty")
	}

	c.mu.Lock()
	c.jwtSecret = secret
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// SetNoAuth sets the no-auth flag and saves to file.
func (c *Config) SetNoAuth(noAuth bool) error {
	c.mu.Lock()
	c.noAuth = noAuth
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// SetCredentials sets the cloud account credentials and saves to file.
func (c *Config) SetCredentials(email, password string) error {
	if email == "" || password == "" {
		return errors.New("email and password cannot be empty")
	}

	c.mu.Lock()
	c.email = email
	c.password = password
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// SetPollInterval sets the poll cadence and saves to file.
func (c *Config) SetPollInterval(d time.Duration) error {
	c.mu.Lock()
	c.pollInterval = d
	c.dirty = true
	c.mu.Unlock()

	if err := c.validate(); err != nil {
		return err
	}
	return c.Save()
}

// Helper functions

// generateSecureSecret generates a cryptographically secure random hex string.
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secretDisplay := "[not set]"
	if c.jwtSecret != "" {
		secretDisplay = "[set]"
	}
	passwordDisplay := "[not set]"
	if c.password != "" {
		passwordDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Addr: %q, Email: %q, Password: %s, JWTSecret: %s, PollInterval: %v, NoAuth: %v, DBPath: %q}",
		c.addr, c.email, passwordDisplay, secretDisplay, c.pollInterval, c.noAuth, c.dbPath,
	)
}
