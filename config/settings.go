package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds the ledger's policy knobs. Values come from defaults, then
// the YAML file named by LEDGER_CONFIG_FILE, then environment variables.
type Settings struct {
	// SettlementWindow is how long a SENT transaction may wait for an adapter
	// callback before the sweep fails it. There is no default.
	SettlementWindow    time.Duration `yaml:"settlement_window"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SweepBatchSize      int           `yaml:"sweep_batch_size"`
	UnitMaxAttempts     int           `yaml:"unit_max_attempts"`
	UnitBaseBackoff     time.Duration `yaml:"unit_base_backoff"`
	UnitMaxBackoff      time.Duration `yaml:"unit_max_backoff"`
	UnitLockTTL         time.Duration `yaml:"unit_lock_ttl"`
	SerializableUnits   bool          `yaml:"serializable_units"`
	VestingConcurrency  int           `yaml:"vesting_concurrency"`
	VestingScheduler    bool          `yaml:"vesting_scheduler"`
	AuditBucket         string        `yaml:"audit_bucket"`
	AuditPrefix         string        `yaml:"audit_prefix"`
	AuditBatchSize      int           `yaml:"audit_batch_size"`
	AuditMirrorInterval time.Duration `yaml:"audit_mirror_interval"`
	EventsTopic         string        `yaml:"events_topic"`
	OutboxBatchSize     int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts   int           `yaml:"outbox_max_attempts"`
	MockSettleDelay     time.Duration `yaml:"mock_settle_delay"`
	MockRejectAccounts  []string      `yaml:"mock_reject_accounts"`
}

func defaultSettings() Settings {
	return Settings{
		SweepInterval:       time.Minute,
		SweepBatchSize:      100,
		UnitMaxAttempts:     5,
		UnitBaseBackoff:     20 * time.Millisecond,
		UnitMaxBackoff:      500 * time.Millisecond,
		UnitLockTTL:         10 * time.Second,
		SerializableUnits:   true,
		VestingConcurrency:  8,
		VestingScheduler:    true,
		AuditPrefix:         "audit",
		AuditBatchSize:      500,
		AuditMirrorInterval: 5 * time.Minute,
		OutboxBatchSize:     50,
		OutboxMaxAttempts:   20,
		MockSettleDelay:     2 * time.Second,
	}
}

// LoadSettings builds Settings from defaults, LEDGER_CONFIG_FILE and env.
func LoadSettings() (*Settings, error) {
	s := defaultSettings()
	if path := strings.TrimSpace(os.Getenv("LEDGER_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	var errs []error
	s.SettlementWindow = durationFromEnv("SETTLEMENT_WINDOW", s.SettlementWindow, &errs)
	s.SweepInterval = durationFromEnv("SWEEP_INTERVAL", s.SweepInterval, &errs)
	s.UnitBaseBackoff = durationFromEnv("UNIT_BASE_BACKOFF", s.UnitBaseBackoff, &errs)
	s.UnitMaxBackoff = durationFromEnv("UNIT_MAX_BACKOFF", s.UnitMaxBackoff, &errs)
	s.UnitLockTTL = durationFromEnv("UNIT_LOCK_TTL", s.UnitLockTTL, &errs)
	s.AuditMirrorInterval = durationFromEnv("AUDIT_MIRROR_INTERVAL", s.AuditMirrorInterval, &errs)
	s.MockSettleDelay = durationFromEnv("MOCK_SETTLE_DELAY", s.MockSettleDelay, &errs)
	s.SweepBatchSize = intFromEnv("SWEEP_BATCH_SIZE", s.SweepBatchSize)
	s.UnitMaxAttempts = intFromEnv("UNIT_MAX_ATTEMPTS", s.UnitMaxAttempts)
	s.VestingConcurrency = intFromEnv("VESTING_CONCURRENCY", s.VestingConcurrency)
	s.AuditBatchSize = intFromEnv("AUDIT_BATCH_SIZE", s.AuditBatchSize)
	s.OutboxBatchSize = intFromEnv("OUTBOX_BATCH_SIZE", s.OutboxBatchSize)
	s.OutboxMaxAttempts = intFromEnv("OUTBOX_MAX_ATTEMPTS", s.OutboxMaxAttempts)
	s.SerializableUnits = boolFromEnv("SERIALIZABLE_UNITS", s.SerializableUnits)
	s.VestingScheduler = boolFromEnv("VESTING_SCHEDULER", s.VestingScheduler)
	if v := strings.TrimSpace(os.Getenv("AUDIT_BUCKET")); v != "" {
		s.AuditBucket = v
	}
	if v := strings.TrimSpace(os.Getenv("AUDIT_PREFIX")); v != "" {
		s.AuditPrefix = v
	}
	if v := strings.TrimSpace(os.Getenv("EVENTS_TOPIC")); v != "" {
		s.EventsTopic = v
	}
	if v := strings.TrimSpace(os.Getenv("MOCK_REJECT_ACCOUNTS")); v != "" {
		s.MockRejectAccounts = splitAndTrim(v)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the ledger cannot run with.
func (s *Settings) Validate() error {
	if s.SettlementWindow <= 0 {
		return errors.New("settlement_window (SETTLEMENT_WINDOW) must be set to a positive duration")
	}
	if s.UnitMaxAttempts < 1 {
		return errors.New("unit_max_attempts must be at least 1")
	}
	if s.UnitBaseBackoff <= 0 || s.UnitMaxBackoff < s.UnitBaseBackoff {
		return errors.New("unit backoff must satisfy 0 < base <= max")
	}
	if s.VestingConcurrency < 1 {
		return errors.New("vesting_concurrency must be at least 1")
	}
	return nil
}

func durationFromEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return def
	}
}

func splitAndTrim(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
