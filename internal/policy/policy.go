// Package policy loads duet configuration and exposes the derived settings
// (paths, engine timing, queue and responder setup) to the rest of the program.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default global state directory (~/.config/duet).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "duet")
}

// GlobalStateFile returns the default global state file path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "state.sqlite")
}

// EngineConfig tunes turn execution.
type EngineConfig struct {
	TurnTimeoutSeconds int    `yaml:"turn_timeout_seconds"`
	TurnDelayMS        int    `yaml:"turn_delay_ms"`
	Autonomous         bool   `yaml:"autonomous"`
	MaxAutoSteps       int    `yaml:"max_auto_steps"`
	DefaultResponder   string `yaml:"default_responder"` // "command" or "scripted"
}

// RedisConfig addresses the Redis trigger queue.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// QueueConfig selects the trigger queue and the signal-file drop directory.
type QueueConfig struct {
	Backend             string      `yaml:"backend"` // memory (default) or redis
	Redis               RedisConfig `yaml:"redis"`
	SignalDir           string      `yaml:"signal_dir"`
	PollIntervalSeconds int         `yaml:"poll_interval_seconds"`
}

// IngestConfig sizes the trigger consumers.
type IngestConfig struct {
	Workers           int     `yaml:"workers"`
	TriggersPerSecond float64 `yaml:"triggers_per_second"` // 0 = unlimited
	Burst             int     `yaml:"burst"`
}

// WatchdogConfig controls stall recovery.
type WatchdogConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	StallSeconds    int  `yaml:"stall_seconds"`
}

// ResponderConfig configures the external command answering for one agent.
type ResponderConfig struct {
	Command        []string `yaml:"command"` // {role} and {session} are substituted
	Dir            string   `yaml:"dir"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	// Env sets additional environment variables for the spawned process.
	// Values can reference parent env vars with ${VAR} syntax.
	Env map[string]string `yaml:"env"`
	// InheritEnv lists glob patterns of parent env var names to pass through.
	// Empty inherits everything; ["none"] starts from a clean environment.
	InheritEnv []string `yaml:"inherit_env"`
}

// KnowledgeConfig controls the codebase index used for planning context.
type KnowledgeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	CodebaseRoot  string `yaml:"codebase_root"`
	IndexGoSource bool   `yaml:"index_go_source"`
	Watch         bool   `yaml:"watch"`
	DBPath        string `yaml:"db_path"`
}

// Config is the on-disk configuration.
type Config struct {
	StateFile    string   `yaml:"state_file"`
	LogFile      string   `yaml:"log_file"`
	LogLevel     string   `yaml:"log_level"`
	HTTPPort     int      `yaml:"http_port"`
	EnabledTools []string `yaml:"enabled_tools"`

	Engine     EngineConfig               `yaml:"engine"`
	Queue      QueueConfig                `yaml:"queue"`
	Ingest     IngestConfig               `yaml:"ingest"`
	Watchdog   WatchdogConfig             `yaml:"watchdog"`
	Responders map[string]ResponderConfig `yaml:"responders"` // keyed by agent_a / agent_b
	Knowledge  KnowledgeConfig            `yaml:"knowledge"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:     "info",
		HTTPPort:     8943,
		EnabledTools: []string{"*"},
		Engine: EngineConfig{
			TurnTimeoutSeconds: 300,
			TurnDelayMS:        1000,
			MaxAutoSteps:       10,
			DefaultResponder:   "command",
		},
		Queue: QueueConfig{
			Backend:             "memory",
			PollIntervalSeconds: 10,
		},
		Ingest: IngestConfig{Workers: 2},
		Watchdog: WatchdogConfig{
			Enabled:         true,
			IntervalSeconds: 60,
			StallSeconds:    300,
		},
		Knowledge: KnowledgeConfig{IndexGoSource: true, Watch: true},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and applies env overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Load resolves the config path (explicit path, then $DUET_CONFIG, then
// config.yaml in the global state dir) and falls back to defaults plus env
// overrides when none exists.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DUET_CONFIG")
	}
	if path == "" {
		if global := GlobalConfigFile(); fileExists(global) {
			path = global
		}
	}
	if path != "" {
		return LoadConfig(path)
	}
	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// GlobalConfigFile is the config file read when no path is given.
func GlobalConfigFile() string {
	return filepath.Join(GlobalStateDir(), "config.yaml")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ApplyEnv overrides cfg from DUET_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("DUET_STATE_FILE"); v != "" {
		cfg.StateFile = v
	}
	if v := os.Getenv("DUET_REDIS_ADDR"); v != "" {
		cfg.Queue.Backend = "redis"
		cfg.Queue.Redis.Addr = v
	}
	if v := os.Getenv("DUET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DUET_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DUET_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "", "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Engine.DefaultResponder {
	case "", "command", "scripted":
	default:
		return fmt.Errorf("unknown default_responder %q", c.Engine.DefaultResponder)
	}
	for name := range c.Responders {
		if name != "agent_a" && name != "agent_b" {
			return fmt.Errorf("responders: unknown agent %q (want agent_a or agent_b)", name)
		}
	}
	if c.Ingest.Workers < 0 || c.Engine.MaxAutoSteps < 0 {
		return fmt.Errorf("ingest.workers and engine.max_auto_steps must not be negative")
	}
	return nil
}

// Policy serves configuration to the running program. It implements the
// engine's app.Policy port.
type Policy struct {
	config *Config
	mu     sync.RWMutex // protects autonomous for runtime toggling
}

// New wraps cfg.
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// Config returns the underlying configuration.
func (p *Policy) Config() *Config { return p.config }

// TurnTimeout bounds one responder call.
func (p *Policy) TurnTimeout() time.Duration {
	return time.Duration(p.config.Engine.TurnTimeoutSeconds) * time.Second
}

// TurnDelay is the pause between autonomous turns.
func (p *Policy) TurnDelay() time.Duration {
	return time.Duration(p.config.Engine.TurnDelayMS) * time.Millisecond
}

// Autonomous reports whether debate sessions keep turning without triggers.
func (p *Policy) Autonomous() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Engine.Autonomous
}

// SetAutonomous toggles autonomous debate at runtime.
func (p *Policy) SetAutonomous(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.Engine.Autonomous = on
}

// MaxAutoSteps bounds planning steps per trigger.
func (p *Policy) MaxAutoSteps() int {
	return p.config.Engine.MaxAutoSteps
}

// StateFile returns the SQLite session store path. Relative paths resolve
// against the global state dir.
func (p *Policy) StateFile() string {
	return p.resolve(p.config.StateFile, GlobalStateFile())
}

// LogFile returns the log file path; "none" or "off" disables file logging.
func (p *Policy) LogFile() string {
	if p.config.LogFile == "" {
		return filepath.Join(GlobalStateDir(), "duet.log")
	}
	return p.config.LogFile
}

// LogLevel returns the configured zap level name.
func (p *Policy) LogLevel() string { return p.config.LogLevel }

// HTTPPort returns the dashboard/MCP port; 0 disables HTTP.
func (p *Policy) HTTPPort() int { return p.config.HTTPPort }

// SignalDir is where signal files are dropped. Defaults next to the state file.
func (p *Policy) SignalDir() string {
	if p.config.Queue.SignalDir != "" {
		return p.resolve(p.config.Queue.SignalDir, "")
	}
	return filepath.Join(filepath.Dir(p.StateFile()), "signals")
}

// PollInterval is the signal-dir rescan period.
func (p *Policy) PollInterval() time.Duration {
	return time.Duration(p.config.Queue.PollIntervalSeconds) * time.Second
}

// Queue returns the queue settings.
func (p *Policy) Queue() QueueConfig { return p.config.Queue }

// Ingest returns the consumer settings.
func (p *Policy) Ingest() IngestConfig { return p.config.Ingest }

// Watchdog returns the stall recovery settings.
func (p *Policy) Watchdog() WatchdogConfig { return p.config.Watchdog }

// Responder returns the command configuration for agent ("agent_a" or "agent_b").
func (p *Policy) Responder(agent string) (ResponderConfig, bool) {
	rc, ok := p.config.Responders[agent]
	return rc, ok
}

// DefaultResponder names the responder kind used when an agent has no command.
func (p *Policy) DefaultResponder() string {
	if p.config.Engine.DefaultResponder == "" {
		return "command"
	}
	return p.config.Engine.DefaultResponder
}

// Knowledge returns the index settings.
func (p *Policy) Knowledge() KnowledgeConfig { return p.config.Knowledge }

// KnowledgeDBPath returns the FTS index path, alongside the state file by default.
func (p *Policy) KnowledgeDBPath() string {
	if p.config.Knowledge.DBPath != "" {
		return p.resolve(p.config.Knowledge.DBPath, "")
	}
	return filepath.Join(filepath.Dir(p.StateFile()), "knowledge.sqlite")
}

// IsToolEnabled checks if an MCP tool is enabled.
func (p *Policy) IsToolEnabled(name string) bool {
	for _, t := range p.config.EnabledTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// ValidatePath resolves path against the codebase root and rejects paths
// that escape it.
func (p *Policy) ValidatePath(path string) (string, error) {
	root := p.config.Knowledge.CodebaseRoot
	if root == "" {
		return "", fmt.Errorf("knowledge.codebase_root is not set")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the codebase root", path)
	}
	return abs, nil
}

func (p *Policy) resolve(path, fallback string) string {
	if path == "" {
		return fallback
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(GlobalStateDir(), path)
}
