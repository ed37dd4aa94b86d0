package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// dataDirEnvOverride forces the data directory regardless of platform
// defaults, taking precedence over XDG_DATA_HOME/HOME/APPDATA.
const dataDirEnvOverride = "INDRAS_DATA_DIR"

// Duration wraps time.Duration with YAML marshaling as a human string
// ("30s", "5m") instead of a raw integer of nanoseconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// TimeoutsConfig holds the timeouts governing transport connections and
// protocol rounds.
type TimeoutsConfig struct {
	ConnectTimeout           Duration `yaml:"connect_timeout,omitempty"`
	IdleTimeout              Duration `yaml:"idle_timeout,omitempty"`
	SyncRoundTimeout         Duration `yaml:"sync_round_timeout,omitempty"`
	RelayConfirmationTimeout Duration `yaml:"relay_confirmation_timeout,omitempty"`
}

// CompactionConfig controls when an event log compacts its backing
// segment into a document snapshot.
type CompactionConfig struct {
	LogEntryThreshold int      `yaml:"log_entry_threshold,omitempty"`
	Interval          Duration `yaml:"interval,omitempty"`
}

// BackpressureConfig bounds the buffered channels sitting between
// network I/O and the goroutines that consume it, so a slow subscriber
// degrades (drops, lags) rather than blocking the whole core.
type BackpressureConfig struct {
	GossipSubscriberBuffer int `yaml:"gossip_subscriber_buffer,omitempty"`
	PendingQueueBuffer     int `yaml:"pending_queue_buffer,omitempty"`
}

// CoreConfig is the configuration for one core instance: an interface
// member's identity, storage, and protocol tuning. DataDir is resolved
// at load time (env/platform default or an explicit flag) and is never
// itself persisted into the YAML file.
type CoreConfig struct {
	Version      int                `yaml:"version,omitempty"`
	DataDir      string             `yaml:"-"`
	LogLevel     string             `yaml:"log_level,omitempty"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts,omitempty"`
	Compaction   CompactionConfig   `yaml:"compaction,omitempty"`
	Backpressure BackpressureConfig `yaml:"backpressure,omitempty"`
	Telemetry    TelemetryConfig    `yaml:"telemetry,omitempty"`
}

// DefaultCoreConfig returns the tuning this package uses when a field is
// left zero in a loaded file, or when no file exists at all.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Version:  CurrentConfigVersion,
		LogLevel: "info",
		Timeouts: TimeoutsConfig{
			ConnectTimeout:           Duration(10 * time.Second),
			IdleTimeout:              Duration(5 * time.Minute),
			SyncRoundTimeout:         Duration(30 * time.Second),
			RelayConfirmationTimeout: Duration(2 * time.Minute),
		},
		Compaction: CompactionConfig{
			LogEntryThreshold: 4096,
			Interval:          Duration(10 * time.Minute),
		},
		Backpressure: BackpressureConfig{
			GossipSubscriberBuffer: 256,
			PendingQueueBuffer:     1024,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{ListenAddress: "127.0.0.1:9091"},
		},
	}
}

// applyCoreConfigDefaults fills zero-valued fields with DefaultCoreConfig's
// tuning, leaving anything the loaded file set explicitly untouched.
func applyCoreConfigDefaults(cfg *CoreConfig) {
	defaults := DefaultCoreConfig()
	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.Timeouts.ConnectTimeout == 0 {
		cfg.Timeouts.ConnectTimeout = defaults.Timeouts.ConnectTimeout
	}
	if cfg.Timeouts.IdleTimeout == 0 {
		cfg.Timeouts.IdleTimeout = defaults.Timeouts.IdleTimeout
	}
	if cfg.Timeouts.SyncRoundTimeout == 0 {
		cfg.Timeouts.SyncRoundTimeout = defaults.Timeouts.SyncRoundTimeout
	}
	if cfg.Timeouts.RelayConfirmationTimeout == 0 {
		cfg.Timeouts.RelayConfirmationTimeout = defaults.Timeouts.RelayConfirmationTimeout
	}
	if cfg.Compaction.LogEntryThreshold == 0 {
		cfg.Compaction.LogEntryThreshold = defaults.Compaction.LogEntryThreshold
	}
	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = defaults.Compaction.Interval
	}
	if cfg.Backpressure.GossipSubscriberBuffer == 0 {
		cfg.Backpressure.GossipSubscriberBuffer = defaults.Backpressure.GossipSubscriberBuffer
	}
	if cfg.Backpressure.PendingQueueBuffer == 0 {
		cfg.Backpressure.PendingQueueBuffer = defaults.Backpressure.PendingQueueBuffer
	}
	if cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = defaults.Telemetry.Metrics.ListenAddress
	}
}

// ValidateCoreConfig checks invariants that defaulting cannot repair.
func ValidateCoreConfig(cfg *CoreConfig) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if cfg.Version > CurrentConfigVersion {
		return fmt.Errorf("%w: version %d is newer than supported version %d", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error, got %q", cfg.LogLevel)
	}
	if cfg.Timeouts.ConnectTimeout <= 0 {
		return fmt.Errorf("timeouts.connect_timeout must be positive")
	}
	if cfg.Timeouts.SyncRoundTimeout <= 0 {
		return fmt.Errorf("timeouts.sync_round_timeout must be positive")
	}
	if cfg.Compaction.LogEntryThreshold <= 0 {
		return fmt.Errorf("compaction.log_entry_threshold must be positive")
	}
	return nil
}

// ResolveDataDir determines the core's data directory. explicit, if
// non-empty, always wins (the --data-dir flag). Otherwise INDRAS_DATA_DIR
// overrides platform defaults; failing that, the platform convention is
// used: APPDATA on Windows, XDG_DATA_HOME (or ~/.local/share) elsewhere.
func ResolveDataDir(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if override := os.Getenv(dataDirEnvOverride); override != "" {
		return override, nil
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "indras"), nil
		}
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "indras"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "indras"), nil
}

// LoadCoreConfig reads <data-dir>/config.yaml, applying defaults for
// anything left unset and validating the result. A missing file is not
// an error: the caller gets DefaultCoreConfig() with DataDir filled in.
func LoadCoreConfig(dataDir string) (*CoreConfig, error) {
	cfg := DefaultCoreConfig()
	cfg.DataDir = dataDir

	path := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if verr := ValidateCoreConfig(&cfg); verr != nil {
				return nil, verr
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.DataDir = dataDir
	applyCoreConfigDefaults(&cfg)

	if err := ValidateCoreConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IdentityKeyPath is where the 32-byte node identity key is persisted,
// 0600 on Unix.
func (c *CoreConfig) IdentityKeyPath() string {
	return filepath.Join(c.DataDir, "identity.key")
}

// EventLogDir is the directory holding one interface's append-only
// event log and its compaction snapshot record.
func (c *CoreConfig) EventLogDir(interfaceID string) string {
	return filepath.Join(c.DataDir, "storage", "events", interfaceID)
}

// BlobsDir is the root a blobstore.Store shards content-addressed blob
// files under.
func (c *CoreConfig) BlobsDir() string {
	return filepath.Join(c.DataDir, "storage", "blobs")
}

// IndexDBPath is the embedded key-value index for the peer registry,
// interface metadata, and pending packets.
func (c *CoreConfig) IndexDBPath() string {
	return filepath.Join(c.DataDir, "storage", "index.db")
}
