// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/reactor/internal/domain/schema"
)

// RouterConfig sizes the event router and its handler offload pool.
type RouterConfig struct {
	QueueSize           int           `yaml:"queueSize"`
	DedupeWindow        time.Duration `yaml:"dedupeWindow"`
	DedupeCapacity      int           `yaml:"dedupeCapacity"`
	DiagnosticsCapacity int           `yaml:"diagnosticsCapacity"`
	HandlerTimeout      time.Duration `yaml:"handlerTimeout"`
	OffloadWorkers      WorkerSetting `yaml:"offloadWorkers"`
	OffloadQueue        int           `yaml:"offloadQueue"`
}

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

const defaultOffloadWorkers = 4

// WorkerSetting accepts either a positive worker count or the symbolic values "auto" and "default".
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit worker setting.
func Workers(n int) WorkerSetting {
	if n <= 0 {
		return WorkerSetting{kind: workerDefault}
	}
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{kind: workerUnset}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		*s = WorkerSetting{kind: workerUnset}
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		*s = WorkerSetting{kind: workerAuto}
		return nil
	case "default":
		*s = WorkerSetting{kind: workerDefault}
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("offloadWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("offloadWorkers: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: workerExplicit, value: val}
	return nil
}

// Count returns the effective worker count.
func (s WorkerSetting) Count() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultOffloadWorkers
	default:
		return defaultOffloadWorkers
	}
}

func (c *RouterConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 5 * time.Minute
	}
	if c.DedupeCapacity <= 0 {
		c.DedupeCapacity = 8192
	}
	if c.DiagnosticsCapacity <= 0 {
		c.DiagnosticsCapacity = 512
	}
	if c.OffloadQueue <= 0 {
		c.OffloadQueue = 256
	}
}

// TransportConfig controls the websocket client behaviour shared by every endpoint.
type TransportConfig struct {
	HandshakeTimeout     time.Duration `yaml:"handshakeTimeout"`
	MaxReconnectInterval time.Duration `yaml:"maxReconnectInterval"`
	ReadLimit            int64         `yaml:"readLimit"`
	SendRate             float64       `yaml:"sendRate"`
	SendBurst            int           `yaml:"sendBurst"`
	PingInterval         time.Duration `yaml:"pingInterval"`
}

func (c *TransportConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.SendRate <= 0 {
		c.SendRate = 50
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// EndpointConfig describes one counterparty connection and the role the reactor plays on it.
// Offload moves generic message callbacks onto the shared worker pool. Generic messages
// of that session are then no longer handled in arrival order.
type EndpointConfig struct {
	Name          string      `yaml:"name"`
	Role          schema.Role `yaml:"role"`
	URL           string      `yaml:"url"`
	Script        string      `yaml:"script"`
	ApplicationID string      `yaml:"applicationId"`
	Position      string      `yaml:"position"`
	Offload       bool        `yaml:"offload"`
}

func (c EndpointConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name required")
	}
	if err := c.Role.Validate(); err != nil {
		return fmt.Errorf("endpoint %s: %w", c.Name, err)
	}
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("endpoint %s: invalid url: %w", c.Name, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("endpoint %s: url scheme must be ws or wss", c.Name)
	}
	if c.Script == "" && c.Role != schema.RoleNonInteractiveProvider {
		return fmt.Errorf("endpoint %s: script required for role %s", c.Name, c.Role)
	}
	return nil
}

// APIServerConfig configures the control HTTP server.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OpenTelemetry metric export.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig configures the Postgres session journal. An empty DSN disables it.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MigrationsPath    string        `yaml:"migrationsPath"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// Enabled reports whether a journal database was configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

// Journal pool defaults.
const (
	defaultMaxConns          int32 = 8
	defaultMinConns          int32 = 1
	defaultMaxConnLifetime         = 30 * time.Minute
	defaultMaxConnIdleTime         = 5 * time.Minute
	defaultHealthCheckPeriod       = 30 * time.Second
)

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MigrationsPath = strings.TrimSpace(c.MigrationsPath); c.MigrationsPath == "" {
		c.MigrationsPath = "db/migrations"
	}
	c.MaxConns = positiveOr(c.MaxConns, defaultMaxConns)
	c.MinConns = min(positiveOr(c.MinConns, defaultMinConns), c.MaxConns)
	c.MaxConnLifetime = positiveOr(c.MaxConnLifetime, defaultMaxConnLifetime)
	c.MaxConnIdleTime = positiveOr(c.MaxConnIdleTime, defaultMaxConnIdleTime)
	c.HealthCheckPeriod = positiveOr(c.HealthCheckPeriod, defaultHealthCheckPeriod)
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled() {
		return nil
	}
	var problems []error
	if c.MaxConns <= 0 || c.MinConns < 0 || c.MinConns > c.MaxConns {
		problems = append(problems, fmt.Errorf("need 0 <= minConns <= maxConns and maxConns > 0, got min=%d max=%d", c.MinConns, c.MaxConns))
	}
	for name, d := range map[string]time.Duration{
		"maxConnLifetime":   c.MaxConnLifetime,
		"maxConnIdleTime":   c.MaxConnIdleTime,
		"healthCheckPeriod": c.HealthCheckPeriod,
	} {
		if d <= 0 {
			problems = append(problems, fmt.Errorf("%s must be >0", name))
		}
	}
	if c.RunMigrations && c.MigrationsPath == "" {
		problems = append(problems, errors.New("migrationsPath required when runMigrations is set"))
	}
	return errors.Join(problems...)
}

func positiveOr[T int32 | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// StateStoreConfig selects where session states are mirrored.
type StateStoreConfig struct {
	Backend   StateBackend  `yaml:"backend"`
	RedisAddr string        `yaml:"redisAddr"`
	KeyPrefix string        `yaml:"keyPrefix"`
	ClosedTTL time.Duration `yaml:"closedTTL"`
}

func (c *StateStoreConfig) applyDefaults() {
	c.Backend = StateBackend(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	if c.Backend == "" {
		c.Backend = StateBackendMemory
	}
	c.RedisAddr = strings.TrimSpace(c.RedisAddr)
	c.KeyPrefix = strings.TrimSpace(c.KeyPrefix)
	if c.KeyPrefix == "" {
		c.KeyPrefix = "reactor:sessions"
	}
	if c.ClosedTTL <= 0 {
		c.ClosedTTL = 10 * time.Minute
	}
}

func (c StateStoreConfig) validate() error {
	switch c.Backend {
	case StateBackendMemory:
	case StateBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redisAddr required for redis backend")
		}
	default:
		return fmt.Errorf("backend must be one of memory, redis")
	}
	return nil
}

// AppConfig is the unified reactor configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Router      RouterConfig     `yaml:"router"`
	Transport   TransportConfig  `yaml:"transport"`
	Sessions    []EndpointConfig `yaml:"sessions"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Database    DatabaseConfig   `yaml:"persistence"`
	StateStore  StateStoreConfig `yaml:"stateStore"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
}

// Default returns a configuration with every default applied and no endpoints.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.normalise()
	return cfg
}

// Load reads the YAML file at configPath, applies environment overrides and defaults,
// and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx
	raw, err := readConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse %s: %w", configPath, err)
	}
	return finalise(cfg)
}

// LoadOrDefault loads configPath when it exists and falls back to Default otherwise.
// Environment overrides apply in both cases.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finalise(AppConfig{})
}

func finalise(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv(os.LookupEnv)
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("REACTOR_ENV"); ok && strings.TrimSpace(v) != "" {
		c.Environment = Environment(v)
	}
	if v, ok := lookup("REACTOR_DATABASE_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup("REACTOR_REDIS_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.StateStore.RedisAddr = v
		c.StateStore.Backend = StateBackendRedis
	}
	if v, ok := lookup("REACTOR_API_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.APIServer.Addr = v
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "reactor"
	}

	for i := range c.Sessions {
		endpoint := &c.Sessions[i]
		endpoint.Name = strings.TrimSpace(endpoint.Name)
		endpoint.Role = schema.NormalizeRole(endpoint.Role)
		endpoint.URL = strings.TrimSpace(endpoint.URL)
		endpoint.ApplicationID = strings.TrimSpace(endpoint.ApplicationID)
		endpoint.Position = strings.TrimSpace(endpoint.Position)
		if script := strings.TrimSpace(endpoint.Script); script != "" {
			endpoint.Script = filepath.Clean(script)
		}
	}

	c.Router.applyDefaults()
	c.Transport.applyDefaults()
	c.Database.applyDefaults()
	c.StateStore.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Router.QueueSize <= 0 {
		return fmt.Errorf("router queueSize must be >0")
	}
	if c.Router.DedupeCapacity <= 0 {
		return fmt.Errorf("router dedupeCapacity must be >0")
	}
	if c.Router.HandlerTimeout < 0 {
		return fmt.Errorf("router handlerTimeout must be >=0")
	}
	if c.Router.OffloadWorkers.Count() <= 0 {
		return fmt.Errorf("router offloadWorkers must be >0")
	}
	if c.Transport.SendBurst <= 0 {
		return fmt.Errorf("transport sendBurst must be >0")
	}

	seen := make(map[string]struct{}, len(c.Sessions))
	for i, endpoint := range c.Sessions {
		if err := endpoint.validate(); err != nil {
			return fmt.Errorf("sessions[%d]: %w", i, err)
		}
		key := strings.ToLower(endpoint.Name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate session name %q", endpoint.Name)
		}
		seen[key] = struct{}{}
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	if err := c.StateStore.validate(); err != nil {
		return fmt.Errorf("stateStore: %w", err)
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	raw, err := os.ReadFile(clean) // #nosec G304 -- operator supplied path.
	if err != nil {
		return nil, fmt.Errorf("read app config: %w", err)
	}
	return raw, nil
}
