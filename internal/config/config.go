// Package config handles cogfabric configuration loading: a single
// structured YAML document covering the bus, the attention gate, the
// episodic store/segmentation engine, and the temporal index (spec §6.5).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridable in tests to avoid touching the real
// filesystem search locations.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./cogfabric.yaml, ~/.config/cogfabric/config.yaml, /config/cogfabric.yaml,
// /etc/cogfabric/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"cogfabric.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cogfabric", "config.yaml"))
	}

	paths = append(paths, "/config/cogfabric.yaml") // Container convention
	paths = append(paths, "/etc/cogfabric/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches the configured search paths and returns the first
// that exists. Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds the full cogfabric configuration document (spec §6.5).
type Config struct {
	Bus          BusConfig      `yaml:"bus"`
	Subscription SubConfig      `yaml:"subscription"`
	Gate         GateConfig     `yaml:"gate"`
	Episodic     EpisodicConfig `yaml:"episodic"`
	Temporal     TemporalConfig `yaml:"temporal"`
	DataDir      string         `yaml:"data_dir"`
	LogLevel     string         `yaml:"log_level"`
}

// BusConfig configures the write-ahead log and its topics.
type BusConfig struct {
	// RootPath is the directory under which .bus/wal, .bus/offsets, and
	// .bus/dlq live (spec §6.1). Required.
	RootPath string `yaml:"root_path"`
	// Fsync selects the WAL durability policy: always, interval, never.
	Fsync  string                 `yaml:"fsync"`
	Topics map[string]TopicConfig `yaml:"topics"`
}

// TopicConfig configures per-topic retention and rotation.
type TopicConfig struct {
	RetentionBytes int64  `yaml:"retention_bytes"`
	RetentionAgeMs int64  `yaml:"retention_age_ms"`
	RotationBytes  int64  `yaml:"rotation_bytes"`
	RotationLines  int    `yaml:"rotation_lines"`
	Backpressure   string `yaml:"backpressure"` // block | shed
}

// SubConfig configures default subscription behavior.
type SubConfig struct {
	Default SubDefaults `yaml:"default"`
}

// SubDefaults are the defaults applied to a subscription's opts when
// the caller does not override them.
type SubDefaults struct {
	AckDeadlineMs int64   `yaml:"ack_deadline_ms"`
	MaxRetries    int     `yaml:"max_retries"`
	BackoffBaseMs int64   `yaml:"backoff_base_ms"`
	BackoffMult   float64 `yaml:"backoff_mult"`
	BackoffMaxMs  int64   `yaml:"backoff_max_ms"`
	Jitter        string  `yaml:"jitter"` // full | none
}

// GateConfig configures the attention gate's weights, thresholds,
// token bucket, and circuit breaker (spec §4.5, §4.6).
type GateConfig struct {
	Weights                 GateWeights     `yaml:"weights"`
	Thresholds              GateThresholds  `yaml:"thresholds"`
	TokenBucket             GateTokenBucket `yaml:"token_bucket"`
	Breaker                 GateBreaker     `yaml:"breaker"`
	Alpha                   float64         `yaml:"alpha"`
	Beta                    float64         `yaml:"beta"`
	Bias                    float64         `yaml:"bias"`
	AdmitIntentThreshold    float64         `yaml:"admit_intent_threshold"`
	DecisionLatencyBudgetMs int64           `yaml:"decision_latency_budget_ms"`
}

// GateWeights are the feature weights for the salience score.
type GateWeights struct {
	Urgency       float64 `yaml:"urgency"`
	Novelty       float64 `yaml:"novelty"`
	Value         float64 `yaml:"value"`
	Risk          float64 `yaml:"risk"`
	AffectArousal float64 `yaml:"affect_arousal"`
	Cost          float64 `yaml:"cost"`
	Social        float64 `yaml:"social"`
}

// GateThresholds are the action-selection cutpoints.
type GateThresholds struct {
	Drop  float64 `yaml:"drop"`
	Admit float64 `yaml:"admit"`
	Boost float64 `yaml:"boost"`
}

// GateTokenBucket configures per-actor admission rate limiting.
type GateTokenBucket struct {
	RatePerActor  float64 `yaml:"rate_per_actor"`
	BurstPerActor int     `yaml:"burst_per_actor"`
}

// GateBreaker configures the per-topic circuit breaker.
type GateBreaker struct {
	FailWindowMs    int64   `yaml:"fail_window_ms"`
	FailThreshold   float64 `yaml:"fail_threshold"`
	HalfOpenAfterMs int64   `yaml:"half_open_after_ms"`
}

// EpisodicConfig configures the episodic store and segmentation engine.
type EpisodicConfig struct {
	Segmentation SegmentationConfig `yaml:"segmentation"`
}

// SegmentationConfig configures boundary scoring (spec §4.8).
type SegmentationConfig struct {
	TauTMs           int64               `yaml:"tau_t_ms"`
	Window           int                 `yaml:"window"`
	Weights          SegmentationWeights `yaml:"weights"`
	HardCutMs        int64               `yaml:"hard_cut_ms"`
	SoftCutThreshold float64             `yaml:"soft_cut_threshold"`
}

// SegmentationWeights are the boundary-score term weights.
type SegmentationWeights struct {
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
	Gamma float64 `yaml:"gamma"`
	Delta float64 `yaml:"delta"`
	Eta   float64 `yaml:"eta"`
}

// TemporalConfig configures the temporal index and recency scoring.
type TemporalConfig struct {
	HalfLifeMs int64             `yaml:"half_life_ms"`
	Phrases    map[string]string `yaml:"phrases"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}). Convenience for
	// container deployments; putting values directly in the file is
	// still the recommended approach.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with the defaults enumerated
// in spec §6.5. Called automatically by Load. After this, callers can
// read any field without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Bus.Fsync == "" {
		c.Bus.Fsync = "always"
	}
	if c.Subscription.Default.AckDeadlineMs == 0 {
		c.Subscription.Default.AckDeadlineMs = 30000
	}
	if c.Subscription.Default.MaxRetries == 0 {
		c.Subscription.Default.MaxRetries = 5
	}
	if c.Subscription.Default.BackoffBaseMs == 0 {
		c.Subscription.Default.BackoffBaseMs = 500
	}
	if c.Subscription.Default.BackoffMult == 0 {
		c.Subscription.Default.BackoffMult = 2.0
	}
	if c.Subscription.Default.BackoffMaxMs == 0 {
		c.Subscription.Default.BackoffMaxMs = 30000
	}
	if c.Subscription.Default.Jitter == "" {
		c.Subscription.Default.Jitter = "full"
	}

	gw := &c.Gate.Weights
	if *gw == (GateWeights{}) {
		*gw = GateWeights{Urgency: 1, Novelty: 1, Value: 1, Risk: 1, AffectArousal: 1, Cost: 1, Social: 1}
	}
	if c.Gate.Thresholds == (GateThresholds{}) {
		c.Gate.Thresholds = GateThresholds{Drop: 0.20, Admit: 0.55, Boost: 0.75}
	}
	if c.Gate.Alpha == 0 {
		c.Gate.Alpha = 1.0
	}
	if c.Gate.Beta == 0 {
		c.Gate.Beta = 0.3
	}
	if c.Gate.AdmitIntentThreshold == 0 {
		c.Gate.AdmitIntentThreshold = 0.5
	}
	if c.Gate.DecisionLatencyBudgetMs == 0 {
		c.Gate.DecisionLatencyBudgetMs = 15
	}
	if c.Gate.TokenBucket.RatePerActor == 0 {
		c.Gate.TokenBucket.RatePerActor = 2
	}
	if c.Gate.TokenBucket.BurstPerActor == 0 {
		c.Gate.TokenBucket.BurstPerActor = 5
	}
	if c.Gate.Breaker.FailWindowMs == 0 {
		c.Gate.Breaker.FailWindowMs = 30000
	}
	if c.Gate.Breaker.FailThreshold == 0 {
		c.Gate.Breaker.FailThreshold = 0.25
	}
	if c.Gate.Breaker.HalfOpenAfterMs == 0 {
		c.Gate.Breaker.HalfOpenAfterMs = 15000
	}

	seg := &c.Episodic.Segmentation
	if seg.TauTMs == 0 {
		seg.TauTMs = 600000
	}
	if seg.Window == 0 {
		seg.Window = 32
	}
	if seg.Weights == (SegmentationWeights{}) {
		seg.Weights = SegmentationWeights{Alpha: 0.7, Beta: 0.9, Gamma: 0.4, Delta: 0.3, Eta: 0.2}
	}
	if seg.HardCutMs == 0 {
		seg.HardCutMs = 7200000
	}
	if seg.SoftCutThreshold == 0 {
		seg.SoftCutThreshold = 0.6
	}

	if c.Temporal.HalfLifeMs == 0 {
		c.Temporal.HalfLifeMs = 259200000 // 72h
	}
	if c.Temporal.Phrases == nil {
		c.Temporal.Phrases = defaultPhrases()
	}
}

// defaultPhrases is the built-in phrase-to-time-of-day mapping used when
// the config document does not override it (spec §4.9, §9 open question).
func defaultPhrases() map[string]string {
	return map[string]string{
		"morning":   "05:00-11:59",
		"afternoon": "12:00-16:59",
		"evening":   "17:00-20:59",
		"night":     "21:00-04:59",
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Bus.RootPath == "" {
		return fmt.Errorf("bus.root_path is required")
	}
	switch c.Bus.Fsync {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("bus.fsync %q invalid (want always|interval|never)", c.Bus.Fsync)
	}
	switch c.Subscription.Default.Jitter {
	case "full", "none":
	default:
		return fmt.Errorf("subscription.default.jitter %q invalid (want full|none)", c.Subscription.Default.Jitter)
	}
	t := c.Gate.Thresholds
	if !(0 <= t.Drop && t.Drop <= t.Admit && t.Admit <= t.Boost && t.Boost <= 1) {
		return fmt.Errorf("gate.thresholds must satisfy 0 <= drop <= admit <= boost <= 1, got %+v", t)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// HalfLife returns the temporal half-life as a time.Duration.
func (c TemporalConfig) HalfLife() time.Duration {
	return time.Duration(c.HalfLifeMs) * time.Millisecond
}

// Default returns a default configuration suitable for local development,
// rooted at the given directory. All defaults are already applied.
func Default(rootPath string) *Config {
	cfg := &Config{
		Bus: BusConfig{RootPath: rootPath},
	}
	cfg.applyDefaults()
	return cfg
}
