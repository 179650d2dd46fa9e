// Package config provides configuration for the orchestrator.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Run defaults
	DefaultModel    string
	DefaultMaxTurns int
	EntryAgent      string
	Agents          []string

	// Sandbox settings
	DockerImage    string
	DataDir        string
	OutputsDir     string
	InitPackages   []string
	EgressNetwork  string // docker network implementing the egress allow-list; empty means no network
	SandboxCPUs    float64
	SandboxMemMB   int
	PoolCapacity   int
	ProvisionWait  time.Duration
	ExecTimeout    time.Duration

	// Timeouts and retry policy
	ToolTimeout        time.Duration
	InteractionTimeout time.Duration
	ModelRetries       int
	ModelBackoff       time.Duration
	MaxConsecutiveErrs int

	// Policy
	PolicyFile string

	// LLM endpoint (OpenAI-compatible). Empty selects the mock client.
	LLMBaseURL string
	LLMAPIKey  string
	LLMTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:        getEnv("DATABASE_URL", "file:orchestrator.db?cache=shared&mode=rwc"),
		DefaultModel:       getEnv("AI_MODEL", "claude-3-7-sonnet-20250219"),
		DefaultMaxTurns:    getEnvInt("MAX_TURNS", 20),
		EntryAgent:         getEnv("ENTRY_AGENT", "analyst"),
		Agents:             getEnvList("AGENTS", []string{"analyst", "reviewer"}),
		DockerImage:        getEnv("DOCKER_IMAGE", "python:3.11"),
		DataDir:            getEnv("DATA_DIR", "data"),
		OutputsDir:         getEnv("OUTPUTS_DIR", "outputs"),
		InitPackages:       getEnvList("DOCKER_INIT_PACKAGES", []string{"pandas", "numpy", "scikit-learn", "matplotlib", "seaborn"}),
		EgressNetwork:      getEnv("SANDBOX_EGRESS_NETWORK", ""),
		SandboxCPUs:        getEnvFloat("SANDBOX_CPUS", 2),
		SandboxMemMB:       getEnvInt("SANDBOX_MEMORY_MB", 2048),
		PoolCapacity:       getEnvInt("SANDBOX_POOL_CAPACITY", 4),
		ProvisionWait:      getEnvDuration("SANDBOX_PROVISION_WAIT_MS", 30*time.Second),
		ExecTimeout:        getEnvDuration("SANDBOX_EXEC_TIMEOUT_MS", 5*time.Minute),
		ToolTimeout:        getEnvDuration("TOOL_TIMEOUT_MS", 60*time.Second),
		InteractionTimeout: getEnvDuration("INTERACTION_TIMEOUT_MS", 10*time.Minute),
		ModelRetries:       getEnvInt("MODEL_RETRIES", 3),
		ModelBackoff:       getEnvDuration("MODEL_BACKOFF_MS", time.Second),
		MaxConsecutiveErrs: getEnvInt("MAX_CONSECUTIVE_ERRORS", 3),
		PolicyFile:         getEnv("POLICY_FILE", ""),
		LLMBaseURL:         getEnv("LLM_BASE_URL", ""),
		LLMAPIKey:          getEnv("LLM_API_KEY", ""),
		LLMTimeout:         getEnvDuration("LLM_TIMEOUT_MS", 2*time.Minute),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
