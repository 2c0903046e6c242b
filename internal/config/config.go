package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Inference  InferenceConfig  `json:"inference"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Storage    StorageConfig    `json:"storage"`
	Simulation SimulationConfig `json:"simulation"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Reflection ReflectionConfig `json:"reflection"`
	Planning   PlanningConfig   `json:"planning"`
	Dialogue   DialogueConfig   `json:"dialogue"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type InferenceConfig struct {
	Endpoint      string `json:"endpoint"`
	Model         string `json:"model"`
	TimeoutSecs   int    `json:"timeout_secs"`
	MaxAttempts   int    `json:"max_attempts"`
	BackoffMillis int    `json:"backoff_millis"`
	MaxConcurrent int    `json:"max_concurrent"`
}

type EmbeddingConfig struct {
	Provider      string `json:"provider"` // "api" or "local"
	Endpoint      string `json:"endpoint"`
	Model         string `json:"model"`
	APIKey        string `json:"api_key"`
	Dimension     int    `json:"dimension"`
	MaxAttempts   int    `json:"max_attempts"`
	BackoffMillis int    `json:"backoff_millis"`
	MaxConcurrent int    `json:"max_concurrent"`
}

type StorageConfig struct {
	Path           string       `json:"path"`            // base directory for all persisted state
	StructuredPath string       `json:"structured_path"` // sqlite file, defaults under Path
	VectorPath     string       `json:"vector_path"`     // chromem directory, defaults under Path
	PostgresDSN    string       `json:"postgres_dsn"`    // overrides sqlite when set
	VectorBackend  string       `json:"vector_backend"`  // "chromem" (default) or "qdrant"
	Qdrant         QdrantConfig `json:"qdrant"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type SimulationConfig struct {
	AgentCount             int   `json:"agent_count"`
	TotalTicks             int64 `json:"total_ticks"`
	TickIntervalMillis     int   `json:"tick_interval_millis"` // wall-clock pacing between ticks
	TickTimeoutSecs        int   `json:"tick_timeout_secs"`
	MaxConcurrentAgents    int   `json:"max_concurrent_agents"`
	MaxConsecutiveFailures int   `json:"max_consecutive_failures"`
	Seed                   int64 `json:"seed"`
	WorldWidth             int   `json:"world_width"`
	WorldHeight            int   `json:"world_height"`
	PerceptionRadius       int   `json:"perception_radius"`
}

type RetrievalConfig struct {
	TopN             int     `json:"top_n"`
	TokenBudget      int     `json:"token_budget"`
	RelevanceWeight  float64 `json:"relevance_weight"`
	RecencyWeight    float64 `json:"recency_weight"`
	ImportanceWeight float64 `json:"importance_weight"`
	DecayRate        float64 `json:"decay_rate"`
}

type ReflectionConfig struct {
	Threshold   float64 `json:"threshold"`
	TopK        int     `json:"top_k"`
	MaxInsights int     `json:"max_insights"`
	WindowTicks int64   `json:"window_ticks"`
}

type PlanningConfig struct {
	Steps       int   `json:"steps"`
	StepEvery   int64 `json:"step_every"` // ticks between consecutive plan actions
	TokenBudget int   `json:"token_budget"`
}

type DialogueConfig struct {
	MaxTurns    int `json:"max_turns"`
	TokenBudget int `json:"token_budget"`
}

// Default returns the documented defaults for every option.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Inference: InferenceConfig{
			Endpoint:      "http://localhost:11434",
			Model:         "qwen3-vl:latest",
			TimeoutSecs:   60,
			MaxAttempts:   3,
			BackoffMillis: 500,
			MaxConcurrent: 4,
		},
		Embedding: EmbeddingConfig{
			Provider:      "local",
			Endpoint:      "http://localhost:11434",
			Model:         "nomic-embed-text",
			Dimension:     768,
			MaxAttempts:   3,
			BackoffMillis: 500,
			MaxConcurrent: 4,
		},
		Storage: StorageConfig{
			Path:          "data",
			VectorBackend: "chromem",
			Qdrant:        QdrantConfig{Host: "localhost", Port: 6334, Collection: "memories"},
		},
		Simulation: SimulationConfig{
			AgentCount:             5,
			TotalTicks:             100,
			TickIntervalMillis:     500,
			TickTimeoutSecs:        120,
			MaxConcurrentAgents:    10,
			MaxConsecutiveFailures: 5,
			Seed:                   1,
			WorldWidth:             24,
			WorldHeight:            24,
			PerceptionRadius:       3,
		},
		Retrieval: RetrievalConfig{
			TopN:             30,
			TokenBudget:      2000,
			RelevanceWeight:  0.5,
			RecencyWeight:    0.3,
			ImportanceWeight: 0.2,
			DecayRate:        0.015,
		},
		Reflection: ReflectionConfig{
			Threshold:   150,
			TopK:        20,
			MaxInsights: 3,
			WindowTicks: 200,
		},
		Planning: PlanningConfig{
			Steps:       5,
			StepEvery:   3,
			TokenBudget: 1500,
		},
		Dialogue: DialogueConfig{
			MaxTurns:    6,
			TokenBudget: 1000,
		},
	}
}

// TickInterval returns the wall-clock pacing between ticks.
func (c *SimulationConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMillis) * time.Millisecond
}

// TickTimeout returns the per-agent per-tick deadline.
func (c *SimulationConfig) TickTimeout() time.Duration {
	return time.Duration(c.TickTimeoutSecs) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults and substitutes
// environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks option ranges. Called once at startup, before any agent
// state is created.
func (c *Config) Validate() error {
	if c.Inference.Model == "" {
		return fmt.Errorf("inference.model must be set")
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model must be set")
	}
	if c.Simulation.AgentCount <= 0 {
		return fmt.Errorf("simulation.agent_count must be > 0, got %d", c.Simulation.AgentCount)
	}
	if c.Simulation.TotalTicks <= 0 {
		return fmt.Errorf("simulation.total_ticks must be > 0, got %d", c.Simulation.TotalTicks)
	}
	if c.Simulation.TickIntervalMillis < 0 {
		return fmt.Errorf("simulation.tick_interval_millis must be >= 0, got %d", c.Simulation.TickIntervalMillis)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set")
	}
	switch c.Storage.VectorBackend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("storage.vector_backend must be chromem or qdrant, got %q", c.Storage.VectorBackend)
	}
	if c.Retrieval.TopN <= 0 {
		return fmt.Errorf("retrieval.top_n must be > 0, got %d", c.Retrieval.TopN)
	}
	if c.Retrieval.TokenBudget <= 0 {
		return fmt.Errorf("retrieval.token_budget must be > 0, got %d", c.Retrieval.TokenBudget)
	}
	if c.Reflection.Threshold <= 0 {
		return fmt.Errorf("reflection.threshold must be > 0, got %v", c.Reflection.Threshold)
	}
	if c.Dialogue.MaxTurns <= 0 {
		return fmt.Errorf("dialogue.max_turns must be > 0, got %d", c.Dialogue.MaxTurns)
	}
	return nil
}

// StructuredStorePath returns the effective sqlite path.
func (c *StorageConfig) StructuredStorePath() string {
	if c.StructuredPath != "" {
		return c.StructuredPath
	}
	return c.Path + "/memories.db"
}

// VectorStorePath returns the effective embedded vector store directory.
func (c *StorageConfig) VectorStorePath() string {
	if c.VectorPath != "" {
		return c.VectorPath
	}
	return c.Path + "/vectors"
}
