// Package config loads the miner configuration: built-in defaults, then an
// optional TOML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/internal/work"
)

// DefaultFile is read when no configuration path is given and it exists
const DefaultFile = "gominer.toml"

// Config holds the miner configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string

	// Pool connection
	PoolURL   string
	PoolUser  string
	PoolPass  string
	Algorithm string
	Proxy     string

	// Stratum behaviour
	Retries        int
	FailPause      time.Duration
	Timeout        time.Duration
	RecvTimeout    time.Duration
	ConnectTimeout time.Duration
	Reconnect      bool
	Extranonce     bool
	StratumStats   bool
	ProtocolDump   bool

	// Mining
	WorkSize      uint32
	TimeLimit     time.Duration
	DiffFactor    float64
	Devices       []string
	DeviceTimeout time.Duration

	// Telemetry sinks, each disabled when its address is empty
	KafkaBrokers     []string
	KafkaTopicPrefix string
	RedisURL         string
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	APIListen        string
	StatusInterval   time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

type poolFile struct {
	URL       string `toml:"url"`
	User      string `toml:"user"`
	Pass      string `toml:"pass"`
	Algorithm string `toml:"algorithm"`
	Proxy     string `toml:"proxy"`
}

type stratumFile struct {
	Retries        *int   `toml:"retries"`
	FailPause      string `toml:"fail_pause"`
	Timeout        string `toml:"timeout"`
	RecvTimeout    string `toml:"recv_timeout"`
	ConnectTimeout string `toml:"connect_timeout"`
	Reconnect      *bool  `toml:"reconnect"`
	Extranonce     *bool  `toml:"extranonce"`
	Stats          *bool  `toml:"stats"`
	ProtocolDump   *bool  `toml:"protocol_dump"`
}

type miningFile struct {
	WorkSize      *int64   `toml:"work_size"`
	TimeLimit     string   `toml:"time_limit"`
	DiffFactor    *float64 `toml:"diff_factor"`
	Devices       []string `toml:"devices"`
	DeviceTimeout string   `toml:"device_timeout"`
}

type telemetryFile struct {
	KafkaBrokers     []string `toml:"kafka_brokers"`
	KafkaTopicPrefix string   `toml:"kafka_topic_prefix"`
	RedisURL         string   `toml:"redis_url"`
	InfluxURL        string   `toml:"influx_url"`
	InfluxToken      string   `toml:"influx_token"`
	InfluxOrg        string   `toml:"influx_org"`
	InfluxBucket     string   `toml:"influx_bucket"`
	APIListen        string   `toml:"api_listen"`
	StatusInterval   string   `toml:"status_interval"`
}

type logFile struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// fileConfig is the layout of the TOML file
type fileConfig struct {
	Pool      poolFile      `toml:"pool"`
	Stratum   stratumFile   `toml:"stratum"`
	Mining    miningFile    `toml:"mining"`
	Telemetry telemetryFile `toml:"telemetry"`
	Log       logFile       `toml:"log"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		ServiceName: "gominer",
		Version:     "dev",

		Algorithm: validation.AlgoLyra2REv2,

		Retries:        -1,
		FailPause:      10 * time.Second,
		Timeout:        300 * time.Second,
		RecvTimeout:    60 * time.Second,
		ConnectTimeout: 30 * time.Second,
		Reconnect:      true,
		Extranonce:     true,

		WorkSize:      1 << 20,
		DiffFactor:    1.0,
		DeviceTimeout: 30 * time.Second,

		KafkaTopicPrefix: "gominer",
		InfluxOrg:        "gominer",
		InfluxBucket:     "mining",
		StatusInterval:   15 * time.Second,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the configuration. path names a TOML file; when empty,
// DefaultFile is used if it exists.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Path picks the configuration file from the command line or GOMINER_CONFIG.
func Path(flagValue string, args []string) string {
	if flagValue != "" {
		return flagValue
	}
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return os.Getenv("GOMINER_CONFIG")
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if err := c.applyFile(&fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	setString(&c.PoolURL, fc.Pool.URL)
	setString(&c.PoolUser, fc.Pool.User)
	setString(&c.PoolPass, fc.Pool.Pass)
	setString(&c.Algorithm, fc.Pool.Algorithm)
	setString(&c.Proxy, fc.Pool.Proxy)

	if fc.Stratum.Retries != nil {
		c.Retries = *fc.Stratum.Retries
	}
	setBool(&c.Reconnect, fc.Stratum.Reconnect)
	setBool(&c.Extranonce, fc.Stratum.Extranonce)
	setBool(&c.StratumStats, fc.Stratum.Stats)
	setBool(&c.ProtocolDump, fc.Stratum.ProtocolDump)

	if fc.Mining.WorkSize != nil {
		if *fc.Mining.WorkSize <= 0 || *fc.Mining.WorkSize > 1<<31 {
			return fmt.Errorf("mining.work_size %d out of range", *fc.Mining.WorkSize)
		}
		c.WorkSize = uint32(*fc.Mining.WorkSize)
	}
	if fc.Mining.DiffFactor != nil {
		c.DiffFactor = *fc.Mining.DiffFactor
	}
	if len(fc.Mining.Devices) > 0 {
		c.Devices = fc.Mining.Devices
	}

	if len(fc.Telemetry.KafkaBrokers) > 0 {
		c.KafkaBrokers = fc.Telemetry.KafkaBrokers
	}
	setString(&c.KafkaTopicPrefix, fc.Telemetry.KafkaTopicPrefix)
	setString(&c.RedisURL, fc.Telemetry.RedisURL)
	setString(&c.InfluxURL, fc.Telemetry.InfluxURL)
	setString(&c.InfluxToken, fc.Telemetry.InfluxToken)
	setString(&c.InfluxOrg, fc.Telemetry.InfluxOrg)
	setString(&c.InfluxBucket, fc.Telemetry.InfluxBucket)
	setString(&c.APIListen, fc.Telemetry.APIListen)

	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFormat, fc.Log.Format)

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"stratum.fail_pause", fc.Stratum.FailPause, &c.FailPause},
		{"stratum.timeout", fc.Stratum.Timeout, &c.Timeout},
		{"stratum.recv_timeout", fc.Stratum.RecvTimeout, &c.RecvTimeout},
		{"stratum.connect_timeout", fc.Stratum.ConnectTimeout, &c.ConnectTimeout},
		{"mining.time_limit", fc.Mining.TimeLimit, &c.TimeLimit},
		{"mining.device_timeout", fc.Mining.DeviceTimeout, &c.DeviceTimeout},
		{"telemetry.status_interval", fc.Telemetry.StatusInterval, &c.StatusInterval},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)

	c.PoolURL = getEnv("POOL_URL", c.PoolURL)
	c.PoolUser = getEnv("POOL_USER", c.PoolUser)
	c.PoolPass = getEnv("POOL_PASS", c.PoolPass)
	c.Algorithm = getEnv("ALGORITHM", c.Algorithm)
	c.Proxy = getEnv("PROXY", c.Proxy)

	c.Retries = getEnvInt("RETRIES", c.Retries)
	c.FailPause = getEnvDuration("FAIL_PAUSE", c.FailPause)
	c.Timeout = getEnvDuration("TIMEOUT", c.Timeout)
	c.RecvTimeout = getEnvDuration("RECV_TIMEOUT", c.RecvTimeout)
	c.ConnectTimeout = getEnvDuration("CONNECT_TIMEOUT", c.ConnectTimeout)
	c.Reconnect = getEnvBool("RECONNECT", c.Reconnect)
	c.Extranonce = getEnvBool("EXTRANONCE", c.Extranonce)
	c.StratumStats = getEnvBool("STRATUM_STATS", c.StratumStats)
	c.ProtocolDump = getEnvBool("PROTOCOL_DUMP", c.ProtocolDump)

	if ws := getEnvInt("WORK_SIZE", -1); ws > 0 && ws <= 1<<31 {
		c.WorkSize = uint32(ws)
	}
	c.TimeLimit = getEnvDuration("TIME_LIMIT", c.TimeLimit)
	c.DiffFactor = getEnvFloat("DIFF_FACTOR", c.DiffFactor)
	c.Devices = getEnvSlice("DEVICES", c.Devices)
	c.DeviceTimeout = getEnvDuration("DEVICE_TIMEOUT", c.DeviceTimeout)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopicPrefix = getEnv("KAFKA_TOPIC_PREFIX", c.KafkaTopicPrefix)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)
	c.APIListen = getEnv("API_LISTEN", c.APIListen)
	c.StatusInterval = getEnvDuration("STATUS_INTERVAL", c.StatusInterval)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.PoolURL == "" {
		return errors.New("POOL_URL is required")
	}
	if c.PoolUser == "" {
		return errors.New("POOL_USER is required")
	}
	if c.PoolPass == "" {
		return errors.New("POOL_PASS is required")
	}

	switch {
	case strings.EqualFold(c.Algorithm, validation.AlgoLyra2REv2):
		c.Algorithm = validation.AlgoLyra2REv2
	case strings.EqualFold(c.Algorithm, validation.AlgoLyra2REv3):
		c.Algorithm = validation.AlgoLyra2REv3
	case c.Algorithm == "":
		return errors.New("ALGORITHM is required")
	default:
		return fmt.Errorf("ALGORITHM %q is not supported", c.Algorithm)
	}

	if c.WorkSize == 0 || c.WorkSize%256 != 0 {
		return fmt.Errorf("WORK_SIZE must be a positive multiple of 256, got %d", c.WorkSize)
	}
	if n := uint64(len(c.Devices)); n > 0 && work.NonceSpace/n/uint64(c.WorkSize) == 0 {
		return fmt.Errorf("WORK_SIZE %d leaves no full batch per device for %d devices", c.WorkSize, n)
	}
	if c.Retries < -1 {
		return errors.New("RETRIES must be -1 or greater")
	}
	if c.FailPause < 0 || c.TimeLimit < 0 {
		return errors.New("FAIL_PAUSE and TIME_LIMIT cannot be negative")
	}
	if c.Timeout <= 0 || c.RecvTimeout <= 0 || c.ConnectTimeout <= 0 {
		return errors.New("TIMEOUT, RECV_TIMEOUT and CONNECT_TIMEOUT must be positive")
	}
	if c.DiffFactor <= 0 {
		return errors.New("DIFF_FACTOR must be positive")
	}
	if c.StatusInterval <= 0 {
		return errors.New("STATUS_INTERVAL must be positive")
	}

	return nil
}

// UserAgent is the client name sent with mining.subscribe
func (c *Config) UserAgent() string {
	return c.ServiceName + "/" + c.Version
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
