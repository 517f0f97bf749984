// Package config loads runtime settings from an optional .env file and
// WHEREAMI_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// Prefix is the environment variable prefix for every setting.
const Prefix = "WHEREAMI"

// Config holds all application configuration. Field names map to
// WHEREAMI_* variables through split_words; no field carries an explicit
// envconfig key, so unprefixed variables are never consulted.
type Config struct {
	Addr              string        `default:"127.0.0.1:3030"`
	Timeout           time.Duration `default:"0s"`
	ReadHeaderTimeout time.Duration `split_words:"true" default:"5s"`
	LogLevel          string        `split_words:"true" default:"info"`
	Browser           BrowserConfig
	MQTT              MQTTConfig
}

// BrowserConfig controls the browser launcher (WHEREAMI_BROWSER_*).
type BrowserConfig struct {
	Open        bool          `default:"true"`
	Close       bool          `default:"false"`
	LaunchDelay time.Duration `split_words:"true" default:"500ms"`
}

// MQTTConfig controls optional publishing of the acquired location
// (WHEREAMI_MQTT_*).
// Publishing is disabled while Broker is empty.
type MQTTConfig struct {
	Broker   string
	Topic    string        `default:"whereami/location"`
	ClientID string        `split_words:"true" default:"whereami"`
	QoS      byte          `default:"1"`
	Timeout  time.Duration `default:"5s"`
}

// Load reads envFiles (a missing file is not an error) and then the
// environment. Variables already set in the environment win over .env
// values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.WithField("file", f).Debug("No env file found (using environment variables)")
				continue
			}
			return nil, fmt.Errorf("failed to load env file %q: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr must not be empty")
	}
	if err := checkLoopback(c.Addr); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must not be negative, got %s", c.Timeout)
	}
	if c.Browser.LaunchDelay < 0 {
		return fmt.Errorf("config: browser delay must not be negative, got %s", c.Browser.LaunchDelay)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// checkLoopback rejects addresses that would expose the handshake server
// beyond the local machine. Host names other than localhost are not
// resolved.
func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("config: invalid addr %q: %w", addr, err)
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("config: addr %q is not a loopback address", addr)
}
