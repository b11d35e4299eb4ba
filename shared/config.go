package shared

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment variable keys recognised by LoadConfig.
const (
	EnvKeyAPIBaseURL        = "MESHCALL_API_BASE_URL"
	EnvKeyWebSocketBaseURL  = "MESHCALL_WEBSOCKET_BASE_URL"
	EnvKeySTUNServers       = "MESHCALL_STUN_SERVERS"
	EnvKeyReconnectAttempts = "MESHCALL_RECONNECT_ATTEMPTS"
	EnvKeyReconnectDelay    = "MESHCALL_RECONNECT_DELAY"
	EnvKeyLogFile           = "MESHCALL_LOG_FILE"
)

const (
	DefaultAPIBaseURL        = "http://localhost:8080/api"
	DefaultWebSocketBaseURL  = "ws://localhost:8080/api"
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 3 * time.Second
	DefaultLogFile           = "meshcall.log"
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Log       LogConfig       `yaml:"log"`
}

type APIConfig struct {
	BaseURL string `yaml:"baseUrl"`
}

type WebSocketConfig struct {
	BaseURL           string `yaml:"baseUrl"`
	ReconnectAttempts int    `yaml:"reconnectAttempts"`
	// ReconnectDelay uses time.ParseDuration syntax, e.g. "3s".
	ReconnectDelay string `yaml:"reconnectDelay"`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stunServers"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

func DefaultConfig() *Config {
	return &Config{
		API:       APIConfig{BaseURL: DefaultAPIBaseURL},
		WebSocket: WebSocketConfig{BaseURL: DefaultWebSocketBaseURL, ReconnectAttempts: DefaultReconnectAttempts, ReconnectDelay: DefaultReconnectDelay.String()},
		WebRTC:    WebRTCConfig{STUNServers: append([]string(nil), DefaultSTUNServers...)},
		Log:       LogConfig{File: DefaultLogFile, MaxSizeMB: 10, MaxBackups: 2, MaxAgeDays: 3},
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path (if
// path is not empty) and then the MESHCALL_* environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.WebRTC.STUNServers = ParseList(strings.Join(cfg.WebRTC.STUNServers, ","))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() (err error) {
	if c.API.BaseURL, err = Getenv(GetenvString, EnvKeyAPIBaseURL, false, c.API.BaseURL); err != nil {
		return err
	}
	if c.WebSocket.BaseURL, err = Getenv(GetenvString, EnvKeyWebSocketBaseURL, false, c.WebSocket.BaseURL); err != nil {
		return err
	}
	if c.WebSocket.ReconnectAttempts, err = Getenv(GetenvInt, EnvKeyReconnectAttempts, false, c.WebSocket.ReconnectAttempts); err != nil {
		return err
	}
	if c.WebSocket.ReconnectDelay, err = Getenv(GetenvString, EnvKeyReconnectDelay, false, c.WebSocket.ReconnectDelay); err != nil {
		return err
	}
	if c.WebRTC.STUNServers, err = Getenv(GetenvList, EnvKeySTUNServers, false, c.WebRTC.STUNServers); err != nil {
		return err
	}
	if c.Log.File, err = Getenv(GetenvString, EnvKeyLogFile, false, c.Log.File); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.baseUrl is empty")
	}
	if c.WebSocket.BaseURL == "" {
		return errors.New("websocket.baseUrl is empty")
	}
	if c.WebSocket.ReconnectAttempts < 0 {
		return errors.New("websocket.reconnectAttempts is negative")
	}
	if _, err := c.ReconnectDelay(); err != nil {
		return err
	}
	return nil
}

// ReconnectDelay returns the parsed websocket.reconnectDelay, falling back to
// DefaultReconnectDelay when it is unset.
func (c *Config) ReconnectDelay() (time.Duration, error) {
	if c.WebSocket.ReconnectDelay == "" {
		return DefaultReconnectDelay, nil
	}
	d, err := time.ParseDuration(c.WebSocket.ReconnectDelay)
	if err != nil {
		return 0, fmt.Errorf("parsing websocket.reconnectDelay: %w", err)
	}
	if d < 0 {
		return 0, errors.New("websocket.reconnectDelay is negative")
	}
	return d, nil
}
