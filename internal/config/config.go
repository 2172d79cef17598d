// Package config loads the typed, immutable configuration struct spec.md §9
// calls for ("replace with a typed, immutable config struct populated from
// the enumerated keys... parse-and-validate at startup, fail fast on bad
// values"), following configs/configs.go's getEnv/getEnvInt helpers and
// godotenv.Load() convenience loading (teacher). Unlike those helpers, an
// unparseable value is reported as a problem instead of falling back to the
// default; an unset key still takes its default. Range checks cover the
// required keys, the controller rails, the latency thresholds, the breaker
// threshold, the pool size, the metrics port and the log level; other
// numeric fields are parsed but not range-checked.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is every key enumerated in spec.md §6, parsed and validated once at
// startup. It is never mutated after Load returns.
type Config struct {
	KafkaBootstrapServers []string
	KafkaTopic            string
	KafkaGroupID          string
	KafkaInitialPollTimeout time.Duration
	KafkaInitialMaxBatchSize int

	TimescaleHost             string
	TimescalePort             int
	TimescaleDBName           string
	TimescaleUser             string
	TimescalePassword         string
	TimescalePoolSize         int
	TimescaleConnectionTimeout time.Duration

	InsertBatchSize   int
	InsertTimeInterval time.Duration
	InsertRetryAttempts int
	InsertRetryDelay    time.Duration

	LatencyThresholdHigh time.Duration
	LatencyThresholdLow  time.Duration
	PollTimeoutMin       time.Duration
	PollTimeoutMax       time.Duration
	BatchSizeMin         int
	BatchSizeMax         int

	CBFailureThreshold int
	CBResetTimeout     time.Duration
	CBHalfOpenTimeout  time.Duration

	// MetricsPort defaults to 8000. The source referenced both 8000 and
	// 8001 across manifests for this key; 8000 is the literal default used
	// by the original config loader, and is kept as the unambiguous choice
	// here (spec.md §9 open question).
	MetricsPort int
	LogLevel    string

	TerminationGracePeriod time.Duration
}

// ValidationError reports every field-level problem found while loading,
// so a misconfigured deployment sees all of its mistakes in one failure
// rather than one at a time.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %d problem(s): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Load reads, parses, and validates configuration from the environment. It
// attempts to load a .env file first (optional, for local development),
// matching configs/configs.go's AppLoad.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := &validator{}

	cfg := &Config{
		KafkaBootstrapServers:    v.csv("KAFKA_BOOTSTRAP_SERVERS", nil),
		KafkaTopic:               v.str("KAFKA_TOPIC", ""),
		KafkaGroupID:             v.str("KAFKA_GROUP_ID", ""),
		KafkaInitialPollTimeout:  v.seconds("KAFKA_INITIAL_POLL_TIMEOUT", 5*time.Second),
		KafkaInitialMaxBatchSize: v.int("KAFKA_INITIAL_MAX_BATCH_SIZE", 500),

		TimescaleHost:              v.str("TIMESCALEDB_HOST", "localhost"),
		TimescalePort:              v.int("TIMESCALEDB_PORT", 5432),
		TimescaleDBName:            v.str("TIMESCALEDB_DBNAME", ""),
		TimescaleUser:              v.str("TIMESCALEDB_USER", ""),
		TimescalePassword:          v.str("TIMESCALEDB_PASSWORD", ""),
		TimescalePoolSize:          v.int("TIMESCALEDB_POOL_SIZE", 10),
		TimescaleConnectionTimeout: v.seconds("TIMESCALEDB_CONNECTION_TIMEOUT", 10*time.Second),

		InsertBatchSize:     v.int("INSERT_BATCH_SIZE", 500),
		InsertTimeInterval:  v.seconds("INSERT_TIME_INTERVAL", 5*time.Second),
		InsertRetryAttempts: v.int("INSERT_RETRY_ATTEMPTS", 3),
		InsertRetryDelay:    v.seconds("INSERT_RETRY_DELAY", 1*time.Second),

		LatencyThresholdHigh: v.seconds("LATENCY_THRESHOLD_HIGH", 1*time.Second),
		LatencyThresholdLow:  v.seconds("LATENCY_THRESHOLD_LOW", 200*time.Millisecond),
		PollTimeoutMin:       v.seconds("POLL_TIMEOUT_MIN", 1*time.Second),
		PollTimeoutMax:       v.seconds("POLL_TIMEOUT_MAX", 30*time.Second),
		BatchSizeMin:         v.int("BATCH_SIZE_MIN", 50),
		BatchSizeMax:         v.int("BATCH_SIZE_MAX", 5000),

		CBFailureThreshold: v.int("CB_FAILURE_THRESHOLD", 5),
		CBResetTimeout:     v.seconds("CB_RESET_TIMEOUT", 60*time.Second),
		CBHalfOpenTimeout:  v.seconds("CB_HALF_OPEN_TIMEOUT", 30*time.Second),

		MetricsPort: v.int("METRICS_PORT", 8000),
		LogLevel:    v.str("LOG_LEVEL", "INFO"),

		TerminationGracePeriod: v.seconds("TERMINATION_GRACE_PERIOD_SECONDS", 30*time.Second),
	}

	validateRequired(v, cfg)
	validateRanges(v, cfg)

	if len(v.problems) > 0 {
		return nil, &ValidationError{Problems: v.problems}
	}
	return cfg, nil
}

func validateRequired(v *validator, cfg *Config) {
	if len(cfg.KafkaBootstrapServers) == 0 {
		v.problems = append(v.problems, "KAFKA_BOOTSTRAP_SERVERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		v.problems = append(v.problems, "KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		v.problems = append(v.problems, "KAFKA_GROUP_ID must not be empty")
	}
	if cfg.TimescaleDBName == "" {
		v.problems = append(v.problems, "TIMESCALEDB_DBNAME must not be empty")
	}
	if cfg.TimescaleUser == "" {
		v.problems = append(v.problems, "TIMESCALEDB_USER must not be empty")
	}
}

func validateRanges(v *validator, cfg *Config) {
	if cfg.PollTimeoutMin >= cfg.PollTimeoutMax {
		v.problems = append(v.problems, "POLL_TIMEOUT_MIN must be less than POLL_TIMEOUT_MAX")
	}
	if cfg.BatchSizeMin >= cfg.BatchSizeMax {
		v.problems = append(v.problems, "BATCH_SIZE_MIN must be less than BATCH_SIZE_MAX")
	}
	if cfg.LatencyThresholdLow >= cfg.LatencyThresholdHigh {
		v.problems = append(v.problems, "LATENCY_THRESHOLD_LOW must be less than LATENCY_THRESHOLD_HIGH")
	}
	if cfg.CBFailureThreshold <= 0 {
		v.problems = append(v.problems, "CB_FAILURE_THRESHOLD must be positive")
	}
	if cfg.TimescalePoolSize <= 0 {
		v.problems = append(v.problems, "TIMESCALEDB_POOL_SIZE must be positive")
	}
	if cfg.MetricsPort <= 0 || cfg.MetricsPort > 65535 {
		v.problems = append(v.problems, "METRICS_PORT must be a valid port number")
	}
	switch cfg.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		v.problems = append(v.problems, fmt.Sprintf("LOG_LEVEL %q must be one of DEBUG, INFO, WARN, ERROR", cfg.LogLevel))
	}
}

// validator accumulates env-parsing problems as it reads each key, so Load
// can report every malformed value at once instead of stopping at the
// first getEnvInt-style silent fallback.
type validator struct {
	problems []string
}

func (v *validator) str(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

func (v *validator) csv(key string, def []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return def
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (v *validator) int(key string, def int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		v.problems = append(v.problems, fmt.Sprintf("%s=%q is not a valid integer", key, val))
		return def
	}
	return n
}

func (v *validator) seconds(key string, def time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return def
	}
	n, err := strconv.ParseFloat(val, 64)
	if err != nil {
		v.problems = append(v.problems, fmt.Sprintf("%s=%q is not a valid number of seconds", key, val))
		return def
	}
	return time.Duration(n * float64(time.Second))
}
