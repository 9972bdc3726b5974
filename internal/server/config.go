package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/zipbridge/internal/dispatch"
	bridgeerrors "github.com/shaunagostinho/zipbridge/internal/errors"
	"github.com/shaunagostinho/zipbridge/internal/matcher"
	"github.com/shaunagostinho/zipbridge/internal/stream"
	"github.com/shaunagostinho/zipbridge/internal/trafficlog"
	"github.com/shaunagostinho/zipbridge/internal/transport"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link and handshake
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Reply correlation
	Matcher MatcherConfig `yaml:"matcher" json:"matcher"`

	// Outbound queue
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`

	// Setpoint streaming
	Stream StreamConfig `yaml:"stream" json:"stream"`

	// HTTP / WebSocket
	Server ServerConfig `yaml:"server" json:"server"`

	// Serial traffic CSV
	TrafficLog trafficlog.Config `yaml:"traffic_log" json:"trafficLog"`

	path string // file path for save/load
}

type SerialConfig struct {
	Port           string `yaml:"port" json:"port"` // device path or "auto"
	Baud           int    `yaml:"baud" json:"baud"`
	SettleMs       int    `yaml:"settle_ms" json:"settleMs"` // after the DTR reset pulse
	BootTimeoutMs  int    `yaml:"boot_timeout_ms" json:"bootTimeoutMs"`
	HelloTimeoutMs int    `yaml:"hello_timeout_ms" json:"helloTimeoutMs"`
	HelloAttempts  int    `yaml:"hello_attempts" json:"helloAttempts"`
	ReconnectMs    int    `yaml:"reconnect_ms" json:"reconnectMs"`
	MaxLineLen     int    `yaml:"max_line_len" json:"maxLineLen"`
}

type MatcherConfig struct {
	QuietMs  int `yaml:"quiet_ms" json:"quietMs"` // diagnostics end after this much silence
	SweepMs  int `yaml:"sweep_ms" json:"sweepMs"`
	MaxLines int `yaml:"max_lines" json:"maxLines"`
	MaxBytes int `yaml:"max_bytes" json:"maxBytes"`
}

type DispatchConfig struct {
	RateLimit        float64 `yaml:"rate_limit" json:"rateLimit"` // commands per second
	Burst            int     `yaml:"burst" json:"burst"`
	MaxQueue         int     `yaml:"max_queue" json:"maxQueue"`
	CommandTimeoutMs int     `yaml:"command_timeout_ms" json:"commandTimeoutMs"`
	DiagTimeoutMs    int     `yaml:"diag_timeout_ms" json:"diagTimeoutMs"`
}

type StreamConfig struct {
	RateHz        int `yaml:"rate_hz" json:"rateHz"` // used when stream.start omits the rate
	TTLMinMs      int `yaml:"ttl_min_ms" json:"ttlMinMs"`
	TTLMaxMs      int `yaml:"ttl_max_ms" json:"ttlMaxMs"`
	StopTimeoutMs int `yaml:"stop_timeout_ms" json:"stopTimeoutMs"`
}

type ServerConfig struct {
	ListenAddr       string `yaml:"listen_addr" json:"listenAddr"`
	EchoSerial       bool   `yaml:"echo_serial" json:"echoSerial"` // broadcast raw rx lines
	StatusIntervalMs int    `yaml:"status_interval_ms" json:"statusIntervalMs"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:           transport.AutoPort,
			Baud:           115200,
			SettleMs:       700,
			BootTimeoutMs:  1500,
			HelloTimeoutMs: 300,
			HelloAttempts:  3,
			ReconnectMs:    2000,
			MaxLineLen:     transport.DefaultMaxLineLen,
		},
		Matcher: MatcherConfig{
			QuietMs:  80,
			SweepMs:  50,
			MaxLines: 10,
			MaxBytes: 512,
		},
		Dispatch: DispatchConfig{
			RateLimit:        50,
			Burst:            5,
			MaxQueue:         256,
			CommandTimeoutMs: int(matcher.DefaultCommandTimeout / time.Millisecond),
			DiagTimeoutMs:    int(matcher.DefaultDiagnosticsTimeout / time.Millisecond),
		},
		Stream: StreamConfig{
			RateHz:        stream.DefaultRateHz,
			TTLMinMs:      150,
			TTLMaxMs:      300,
			StopTimeoutMs: 500,
		},
		Server: ServerConfig{
			ListenAddr:       ":8765",
			EchoSerial:       false,
			StatusIntervalMs: 1000,
		},
		TrafficLog: trafficlog.Config{
			Enabled: false,
			Path:    "/var/log/zipbridge",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config wins over one in CWD; the real env wins over both
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	envString("SERIAL_PORT", &c.Serial.Port)
	envInt("SERIAL_BAUD", &c.Serial.Baud)
	envInt("SERIAL_SETTLE_MS", &c.Serial.SettleMs)
	envInt("BOOT_TIMEOUT_MS", &c.Serial.BootTimeoutMs)
	envInt("HELLO_TIMEOUT_MS", &c.Serial.HelloTimeoutMs)
	envInt("HELLO_ATTEMPTS", &c.Serial.HelloAttempts)
	envInt("RECONNECT_MS", &c.Serial.ReconnectMs)

	envInt("COMMAND_TIMEOUT_MS", &c.Dispatch.CommandTimeoutMs)
	envInt("DIAG_TIMEOUT_MS", &c.Dispatch.DiagTimeoutMs)
	envInt("DIAG_QUIET_MS", &c.Matcher.QuietMs)
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Dispatch.RateLimit = n
		}
	}

	envInt("STREAM_RATE_HZ", &c.Stream.RateHz)
	envInt("STREAM_TTL_MIN_MS", &c.Stream.TTLMinMs)
	envInt("STREAM_TTL_MAX_MS", &c.Stream.TTLMaxMs)

	envString("LISTEN_ADDR", &c.Server.ListenAddr)
	envBool("ECHO_SERIAL", &c.Server.EchoSerial)

	envBool("TRAFFIC_LOG_ENABLED", &c.TrafficLog.Enabled)
	envString("TRAFFIC_LOG_PATH", &c.TrafficLog.Path)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] warning: ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.Serial.Port) == "" {
		errs = append(errs, bridgeerrors.Validation("serial.port is empty"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, bridgeerrors.Validation("serial.baud must be positive, got %d", c.Serial.Baud))
	}
	if c.Dispatch.RateLimit <= 0 {
		errs = append(errs, bridgeerrors.Validation("dispatch.rate_limit must be positive, got %g", c.Dispatch.RateLimit))
	}
	if c.Stream.RateHz < stream.MinRateHz || c.Stream.RateHz > stream.MaxRateHz {
		errs = append(errs, bridgeerrors.Validation("stream.rate_hz must be in [%d,%d], got %d",
			stream.MinRateHz, stream.MaxRateHz, c.Stream.RateHz))
	}
	if c.Stream.TTLMinMs <= 0 || c.Stream.TTLMaxMs < c.Stream.TTLMinMs {
		errs = append(errs, bridgeerrors.Validation("stream ttl bounds [%d,%d] are invalid",
			c.Stream.TTLMinMs, c.Stream.TTLMaxMs))
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, bridgeerrors.Validation("server.listen_addr is empty"))
	}
	return errors.Join(errs...)
}

// EchoSerial reports whether raw rx lines are broadcast.
func (c *Config) EchoSerial() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.EchoSerial
}

// TrafficLogEnabled reports whether the serial CSV log is on.
func (c *Config) TrafficLogEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TrafficLog.Enabled
}

func (c *Config) transportConfig() transport.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.Serial
	return transport.Config{
		Port:          s.Port,
		Baud:          s.Baud,
		Settle:        ms(s.SettleMs),
		BootTimeout:   ms(s.BootTimeoutMs),
		HelloTimeout:  ms(s.HelloTimeoutMs),
		HelloAttempts: s.HelloAttempts,
		Reconnect:     ms(s.ReconnectMs),
		MaxLineLen:    s.MaxLineLen,
	}
}

func (c *Config) matcherConfig() matcher.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return matcher.Config{
		QuietPeriod:   ms(c.Matcher.QuietMs),
		SweepInterval: ms(c.Matcher.SweepMs),
		MaxDiagLines:  c.Matcher.MaxLines,
		MaxDiagBytes:  c.Matcher.MaxBytes,
	}
}

func (c *Config) dispatchConfig() dispatch.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return dispatch.Config{
		Rate:               c.Dispatch.RateLimit,
		Burst:              c.Dispatch.Burst,
		MaxQueue:           c.Dispatch.MaxQueue,
		CommandTimeout:     ms(c.Dispatch.CommandTimeoutMs),
		DiagnosticsTimeout: ms(c.Dispatch.DiagTimeoutMs),
	}
}

func (c *Config) streamConfig() stream.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return stream.Config{
		DefaultRateHz: c.Stream.RateHz,
		TTLMinMs:      c.Stream.TTLMinMs,
		TTLMaxMs:      c.Stream.TTLMaxMs,
		StopTimeout:   ms(c.Stream.StopTimeoutMs),
	}
}

func (c *Config) trafficConfig() trafficlog.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TrafficLog
}

func (c *Config) listenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

func (c *Config) statusInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Server.StatusIntervalMs <= 0 {
		return time.Second
	}
	return ms(c.Server.StatusIntervalMs)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. The config is left unchanged
// when the result does not validate. Only echo_serial and the traffic log
// switch take effect without a restart.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return bridgeerrors.Validation("config patch: %v", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return bridgeerrors.Validation("config patch: %v", err)
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.Serial = next.Serial
	c.Matcher = next.Matcher
	c.Dispatch = next.Dispatch
	c.Stream = next.Stream
	c.Server = next.Server
	c.TrafficLog = next.TrafficLog
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
