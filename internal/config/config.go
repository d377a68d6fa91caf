package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Well-known defaults for the two DLN programs on Solana mainnet.
const (
	DefaultSourceProgram      = "src5qyZHqTqecJV4aY6Cb6zDZLMDzrDKKezs22MPHr4"
	DefaultDestinationProgram = "dst5MGcFPoBeREFAA5E3tU5ij8m5uVYwkzkSAbsLbNo"
)

// EndpointConfig describes one RPC endpoint in the pool.
// Parsed from RPC_URLS entries of the form "url|name|max_rps".
type EndpointConfig struct {
	URL    string  `yaml:"url"`
	Name   string  `yaml:"name"`
	MaxRPS float64 `yaml:"max_rps"`
}

type RPCConfig struct {
	Endpoints  []EndpointConfig `yaml:"endpoints"`
	Commitment string           `yaml:"commitment"`
	Timeout    time.Duration    `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL                string `yaml:"url"`
	Database           string `yaml:"database"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	AsyncInsert        bool   `yaml:"async_insert"`
	WaitForAsyncInsert bool   `yaml:"wait_for_async_insert"`
}

type TemporalConfig struct {
	Address       string `yaml:"address"`
	Namespace     string `yaml:"namespace"`
	MainTaskQueue string `yaml:"main_task_queue"`
	RPCTaskQueue  string `yaml:"rpc_task_queue"`
	DBTaskQueue   string `yaml:"db_task_queue"`
}

type CollectionConfig struct {
	SourceProgram      string        `yaml:"source_program"`
	DestinationProgram string        `yaml:"destination_program"`
	TargetCreated      uint64        `yaml:"target_created"`
	TargetFulfilled    uint64        `yaml:"target_fulfilled"`
	SignaturesBatch    int           `yaml:"signatures_batch"`
	TxBatch            int           `yaml:"tx_batch"`
	BatchDelay         time.Duration `yaml:"batch_delay"`
	Parallel           bool          `yaml:"parallel"`
}

type WorkerConfig struct {
	// Mode selects which task queues this process serves:
	// "full" (everything + API server), "rpc", "db", "workflow", "server".
	Mode                string  `yaml:"mode"`
	MaxWorkflowTasks    int     `yaml:"max_workflow_tasks"`
	MaxActivities       int     `yaml:"max_activities"`
	ActivitiesPerSecond float64 `yaml:"activities_per_second"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	BroadcastPeriod time.Duration `yaml:"broadcast_period"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
}

type Config struct {
	RPC        RPCConfig        `yaml:"rpc"`
	Database   DatabaseConfig   `yaml:"database"`
	Temporal   TemporalConfig   `yaml:"temporal"`
	Collection CollectionConfig `yaml:"collection"`
	Worker     WorkerConfig     `yaml:"worker"`
	Retry      RetryConfig      `yaml:"retry"`
	Server     ServerConfig     `yaml:"server"`
}

// Load builds the configuration from environment variables, optionally
// seeded from a .env file and a YAML file (CONFIG_FILE). Env vars win
// over the YAML overlay so deployments can patch single values.
func Load() (*Config, error) {
	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if len(cfg.RPC.Endpoints) == 0 {
		return nil, fmt.Errorf("no RPC endpoints configured (set RPC_URLS)")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		RPC: RPCConfig{
			Commitment: "confirmed",
			Timeout:    60 * time.Second,
		},
		Database: DatabaseConfig{
			URL:      "localhost:9000",
			Database: "dln",
			User:     "default",
		},
		Temporal: TemporalConfig{
			Address:       "localhost:7233",
			Namespace:     "default",
			MainTaskQueue: "dln-main",
			RPCTaskQueue:  "dln-rpc",
			DBTaskQueue:   "dln-db",
		},
		Collection: CollectionConfig{
			SourceProgram:      DefaultSourceProgram,
			DestinationProgram: DefaultDestinationProgram,
			TargetCreated:      25000,
			TargetFulfilled:    25000,
			SignaturesBatch:    1000,
			TxBatch:            20,
			BatchDelay:         500 * time.Millisecond,
			Parallel:           true,
		},
		Worker: WorkerConfig{
			Mode:             "full",
			MaxWorkflowTasks: 10,
			MaxActivities:    20,
		},
		Retry: RetryConfig{
			MaxRetries:   5,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
		},
		Server: ServerConfig{
			Port:            3001,
			BroadcastPeriod: 2 * time.Second,
			HeartbeatPeriod: 30 * time.Second,
		},
	}
}

func applyEnv(cfg *Config) {
	if raw := os.Getenv("RPC_URLS"); raw != "" {
		cfg.RPC.Endpoints = ParseEndpoints(raw)
	}
	setString(&cfg.RPC.Commitment, "COMMITMENT")
	setDurationMs(&cfg.RPC.Timeout, "RPC_TIMEOUT_MS")

	setString(&cfg.Database.URL, "CLICKHOUSE_URL")
	setString(&cfg.Database.Database, "CLICKHOUSE_DATABASE")
	setString(&cfg.Database.User, "CLICKHOUSE_USER")
	setString(&cfg.Database.Password, "CLICKHOUSE_PASSWORD")
	setBool(&cfg.Database.AsyncInsert, "CH_ASYNC_INSERT")
	setBool(&cfg.Database.WaitForAsyncInsert, "CH_WAIT_ASYNC_INSERT")

	setString(&cfg.Temporal.Address, "TEMPORAL_ADDRESS")
	setString(&cfg.Temporal.Namespace, "TEMPORAL_NAMESPACE")
	setString(&cfg.Temporal.MainTaskQueue, "MAIN_TASK_QUEUE")
	setString(&cfg.Temporal.RPCTaskQueue, "RPC_TASK_QUEUE")
	setString(&cfg.Temporal.DBTaskQueue, "DB_TASK_QUEUE")

	setString(&cfg.Collection.SourceProgram, "SOURCE_PROGRAM")
	setString(&cfg.Collection.DestinationProgram, "DESTINATION_PROGRAM")
	setUint(&cfg.Collection.TargetCreated, "TARGET_CREATED")
	setUint(&cfg.Collection.TargetFulfilled, "TARGET_FULFILLED")
	setInt(&cfg.Collection.SignaturesBatch, "SIGNATURES_BATCH")
	setInt(&cfg.Collection.TxBatch, "TX_BATCH")
	setDurationMs(&cfg.Collection.BatchDelay, "BATCH_DELAY_MS")
	setBool(&cfg.Collection.Parallel, "PARALLEL")

	setString(&cfg.Worker.Mode, "WORKER_MODE")
	setInt(&cfg.Worker.MaxWorkflowTasks, "MAX_WORKFLOW_TASKS")
	setInt(&cfg.Worker.MaxActivities, "MAX_ACTIVITIES")
	setFloat(&cfg.Worker.ActivitiesPerSecond, "ACTIVITIES_PER_SECOND")

	setInt(&cfg.Retry.MaxRetries, "MAX_RETRIES")
	setDurationMs(&cfg.Retry.InitialDelay, "INITIAL_DELAY_MS")
	setDurationMs(&cfg.Retry.MaxDelay, "MAX_DELAY_MS")

	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.CORSOrigin, "CORS_ORIGIN")
	setDurationMs(&cfg.Server.BroadcastPeriod, "BROADCAST_PERIOD_MS")
	setDurationMs(&cfg.Server.HeartbeatPeriod, "HEARTBEAT_PERIOD_MS")
}

// ParseEndpoints parses a comma-separated list of "url|name|max_rps"
// entries. Name and max_rps are optional; max_rps defaults to 10.
func ParseEndpoints(raw string) []EndpointConfig {
	var out []EndpointConfig
	for i, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		ep := EndpointConfig{URL: strings.TrimSpace(parts[0]), MaxRPS: 10}
		if ep.URL == "" {
			continue
		}
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			ep.Name = strings.TrimSpace(parts[1])
		} else {
			ep.Name = fmt.Sprintf("endpoint-%d", i+1)
		}
		if len(parts) > 2 {
			if rps, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err == nil && rps > 0 {
				ep.MaxRPS = rps
			}
		}
		out = append(out, ep)
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setDurationMs(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}
