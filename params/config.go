package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Engine struct {
	// TickInterval is the pause between matching rounds. Zero disables the
	// periodic trigger; rounds then only run on request.
	TickInterval time.Duration
	// Workers bounds how many instruments are matched in parallel.
	Workers int
	// Execution is the execution policy name: "exact" or "crossing".
	Execution string
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Storage struct {
	// JournalDir is the Pebble directory. Empty keeps the journal in memory.
	JournalDir string
}

type Log struct {
	Level string
	File  string // tee logs to this file when set
}

// Feeder drives simulated order flow from the bootstrap accounts.
type Feeder struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

type Config struct {
	Engine    Engine
	API       API
	Storage   Storage
	Log       Log
	Feeder    Feeder
	Bootstrap string // path of the YAML bootstrap file, optional
}

func Default() Config {
	return Config{
		Engine: Engine{
			TickInterval: time.Second,
			Workers:      4,
			Execution:    "exact",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Log: Log{Level: "info"},
		Feeder: Feeder{
			Interval:  200 * time.Millisecond,
			BatchSize: 10,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if tick := os.Getenv("ENGINE_TICK_MS"); tick != "" {
		if ms, err := strconv.Atoi(tick); err == nil && ms >= 0 {
			cfg.Engine.TickInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if workers := os.Getenv("ENGINE_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.Engine.Workers = n
		}
	}
	cfg.Engine.Execution = getEnv("ENGINE_EXECUTION", cfg.Engine.Execution)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	cfg.Storage.JournalDir = getEnv("JOURNAL_DIR", cfg.Storage.JournalDir)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Bootstrap = getEnv("BOOTSTRAP_FILE", cfg.Bootstrap)

	if enabled := os.Getenv("FEEDER_ENABLED"); enabled != "" {
		cfg.Feeder.Enabled = enabled == "true"
	}
	if interval := os.Getenv("FEEDER_INTERVAL_MS"); interval != "" {
		if ms, err := strconv.Atoi(interval); err == nil && ms > 0 {
			cfg.Feeder.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if batch := os.Getenv("FEEDER_BATCH"); batch != "" {
		if n, err := strconv.Atoi(batch); err == nil && n > 0 {
			cfg.Feeder.BatchSize = n
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
