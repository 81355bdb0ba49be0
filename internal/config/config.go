// Package config loads maestro configuration in three layers: compiled
// defaults, an optional TOML file, then environment variables. Behavior
// knobs use the bare names operators know (MAX_CONCURRENT, RAG_TOP_K);
// infrastructure endpoints use the MAESTRO_ prefix.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	maestro "github.com/nevindra/maestro"
)

type Config struct {
	Server     ServerConfig            `toml:"server"`
	Database   DatabaseConfig          `toml:"database"`
	Backends   BackendsConfig          `toml:"backends"`
	Embedding  EmbeddingConfig         `toml:"embedding"`
	Conductor  ConductorConfig         `toml:"conductor"`
	Executor   ExecutorConfig          `toml:"executor"`
	Router     RouterConfig            `toml:"router"`
	RAG        RAGConfig               `toml:"rag"`
	Understand UnderstandConfig        `toml:"understand"`
	Session    SessionConfig           `toml:"session"`
	Board      BoardConfig             `toml:"board"`
	Models     ModelsConfig            `toml:"models"`
	Timings    map[string]TimingConfig `toml:"timings"`
	Observer   ObserverConfig          `toml:"observer"`
	Seeds      SeedsConfig             `toml:"seeds"`
}

type ServerConfig struct {
	Addr        string `toml:"addr"`
	APIKey      string `toml:"api_key"`
	BodyLimitKB int    `toml:"body_limit_kb"`
}

// DatabaseConfig selects the store: a non-empty URL means postgres,
// otherwise the sqlite file at Path.
type DatabaseConfig struct {
	URL  string `toml:"url"`
	Path string `toml:"path"`
}

type BackendsConfig struct {
	OllamaURL    string `toml:"ollama_url"`
	MLXURL       string `toml:"mlx_url"`
	MLXLightOnly bool   `toml:"mlx_light_only"`
	// RateLimitRPM caps fast-family requests per minute. 0 disables.
	RateLimitRPM int `toml:"rate_limit_rpm"`
}

type EmbeddingConfig struct {
	Model       string `toml:"model"`
	Dimensions  int    `toml:"dimensions"`
	CacheSize   int    `toml:"cache_size"`
	CacheTTLSec int    `toml:"cache_ttl_sec"`
}

type ConductorConfig struct {
	MaxConcurrentSync int      `toml:"max_concurrent_sync"`
	MaxGoalChars      int      `toml:"max_goal_chars"`
	FanoutParallel    int      `toml:"fanout_parallel"`
	MaxSubtasks       int      `toml:"max_subtasks"`
	StrategyEnabled   bool     `toml:"strategy_enabled"`
	Projects          []string `toml:"projects"`
	DefaultProject    string   `toml:"default_project"`
}

type ExecutorConfig struct {
	MaxConcurrent    int  `toml:"max_concurrent"`
	MinWorkers       int  `toml:"min_workers"`
	Adaptive         bool `toml:"adaptive"`
	MaxAttempts      int  `toml:"max_attempts"`
	RetryDelaySec    int  `toml:"retry_delay_sec"`
	StuckMinutes     int  `toml:"stuck_minutes"`
	HeartbeatSeconds int  `toml:"heartbeat_seconds"`
	PollSeconds      int  `toml:"poll_seconds"`
	SweepSeconds     int  `toml:"sweep_seconds"`
	BatchByModel     bool `toml:"batch_by_model"`
	BatchSize        int  `toml:"batch_size"`
	InterleaveBlocks bool `toml:"interleave_blocks"`
}

type RouterConfig struct {
	LLMTimeoutSec  int `toml:"llm_timeout_sec"`
	MaxHeavyMLX    int `toml:"max_heavy_mlx"`
	MaxHeavyOllama int `toml:"max_heavy_ollama"`
	CooldownSec    int `toml:"cooldown_sec"`
}

type RAGConfig struct {
	CacheBackend     string  `toml:"cache_backend"`
	RedisAddr        string  `toml:"redis_addr"`
	CacheTTLSec      int     `toml:"cache_ttl_sec"`
	SnippetChars     int     `toml:"snippet_chars"`
	Top1FullMaxChars int     `toml:"top1_full_max_chars"`
	TopK             int     `toml:"top_k"`
	SimThreshold     float64 `toml:"sim_threshold"`
	Rerank           bool    `toml:"rerank"`
}

type UnderstandConfig struct {
	TTLSec     int `toml:"ttl_sec"`
	MaxEntries int `toml:"max_entries"`
}

type SessionConfig struct {
	MaxTurns  int `toml:"max_turns"`
	MaxChars  int `toml:"max_chars"`
	Summaries int `toml:"summaries"`
}

type BoardConfig struct {
	MaxStandards int `toml:"max_standards"`
}

// ModelsConfig carries category routing preferences as "family/model"
// strings, e.g. "mlx/qwen3:32b".
type ModelsConfig struct {
	Categories map[string][]string `toml:"categories"`
	Heavy      []string            `toml:"heavy"`
}

type TimingConfig struct {
	ColdStartSec int     `toml:"cold_start_sec"`
	PerTokenMS   float64 `toml:"per_token_ms"`
	MarginSec    int     `toml:"margin_sec"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type SeedsConfig struct {
	ExpertsPath   string `toml:"experts_path"`
	TemplatesPath string `toml:"templates_path"`
	StandardsDir  string `toml:"standards_dir"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080", BodyLimitKB: 256},
		Database: DatabaseConfig{Path: "maestro.db"},
		Backends: BackendsConfig{
			OllamaURL: "http://localhost:11434",
			MLXURL:    "http://localhost:8800",
		},
		Embedding: EmbeddingConfig{
			Model:       "nomic-embed-text",
			Dimensions:  768,
			CacheSize:   512,
			CacheTTLSec: 600,
		},
		Conductor: ConductorConfig{
			MaxConcurrentSync: 50,
			MaxGoalChars:      8000,
			FanoutParallel:    4,
			MaxSubtasks:       6,
			StrategyEnabled:   true,
			DefaultProject:    "general",
		},
		Executor: ExecutorConfig{
			MaxConcurrent:    15,
			MinWorkers:       2,
			Adaptive:         true,
			MaxAttempts:      3,
			RetryDelaySec:    90,
			StuckMinutes:     15,
			HeartbeatSeconds: 15,
			PollSeconds:      2,
			SweepSeconds:     60,
			BatchByModel:     true,
			BatchSize:        4,
			InterleaveBlocks: true,
		},
		Router: RouterConfig{
			LLMTimeoutSec:  300,
			MaxHeavyMLX:    2,
			MaxHeavyOllama: 2,
			CooldownSec:    60,
		},
		RAG: RAGConfig{
			CacheBackend:     "memory",
			RedisAddr:        "localhost:6379",
			CacheTTLSec:      120,
			SnippetChars:     500,
			Top1FullMaxChars: 2000,
			TopK:             5,
			SimThreshold:     0.6,
		},
		Understand: UnderstandConfig{TTLSec: 300, MaxEntries: 200},
		Session:    SessionConfig{MaxTurns: 8, MaxChars: 6000, Summaries: 2},
		Board:      BoardConfig{MaxStandards: 5},
		Models: ModelsConfig{
			Categories: map[string][]string{
				"simple":      {"ollama/qwen2.5:7b"},
				"coding":      {"ollama/qwen2.5-coder:7b", "mlx/qwen3:32b"},
				"investigate": {"mlx/qwen3:32b", "ollama/qwen2.5:7b"},
				"multi_step":  {"mlx/qwen3:32b"},
				"execution":   {"ollama/qwen2.5:7b"},
			},
			Heavy: []string{"qwen3:32b"},
		},
		Timings: map[string]TimingConfig{
			"qwen2.5:7b":       {ColdStartSec: 15, PerTokenMS: 60, MarginSec: 30},
			"qwen2.5-coder:7b": {ColdStartSec: 15, PerTokenMS: 60, MarginSec: 30},
			"qwen3:32b":        {ColdStartSec: 120, PerTokenMS: 180, MarginSec: 60},
		},
		Seeds: SeedsConfig{
			ExpertsPath:   "experts.jsonl",
			TemplatesPath: "templates.yaml",
			StandardsDir:  "standards",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins), then
// clamps invalid values back to defaults.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "maestro.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	envStr("MAESTRO_ADDR", &cfg.Server.Addr)
	envStr("MAESTRO_API_KEY", &cfg.Server.APIKey)
	envStr("DATABASE_URL", &cfg.Database.URL)
	envStr("MAESTRO_DATABASE_URL", &cfg.Database.URL)
	envStr("MAESTRO_DB_PATH", &cfg.Database.Path)
	envStr("OLLAMA_URL", &cfg.Backends.OllamaURL)
	envStr("MLX_URL", &cfg.Backends.MLXURL)
	envBool("MLX_LIGHT_ONLY", &cfg.Backends.MLXLightOnly)
	envInt("RATE_LIMIT_RPM", &cfg.Backends.RateLimitRPM)
	envStr("EMBEDDING_MODEL", &cfg.Embedding.Model)
	envInt("EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)

	envInt("MAX_CONCURRENT_SYNC", &cfg.Conductor.MaxConcurrentSync)
	envInt("MAX_GOAL_CHARS", &cfg.Conductor.MaxGoalChars)
	envBool("STRATEGY_ENABLED", &cfg.Conductor.StrategyEnabled)

	envInt("MAX_CONCURRENT", &cfg.Executor.MaxConcurrent)
	envBool("ADAPTIVE_CONCURRENCY", &cfg.Executor.Adaptive)
	envInt("MAX_ATTEMPTS", &cfg.Executor.MaxAttempts)
	envInt("RETRY_DELAY_SEC", &cfg.Executor.RetryDelaySec)
	envInt("STUCK_MINUTES", &cfg.Executor.StuckMinutes)
	envInt("HEARTBEAT_SECONDS", &cfg.Executor.HeartbeatSeconds)
	envBool("BATCH_BY_MODEL", &cfg.Executor.BatchByModel)
	envBool("INTERLEAVE_BLOCKS", &cfg.Executor.InterleaveBlocks)

	envInt("ROUTER_LLM_TIMEOUT_SEC", &cfg.Router.LLMTimeoutSec)
	envInt("MAX_HEAVY_MLX", &cfg.Router.MaxHeavyMLX)
	envInt("MAX_HEAVY_OLLAMA", &cfg.Router.MaxHeavyOllama)

	envStr("RAG_CACHE_BACKEND", &cfg.RAG.CacheBackend)
	envStr("REDIS_ADDR", &cfg.RAG.RedisAddr)
	envInt("RAG_CACHE_TTL_SEC", &cfg.RAG.CacheTTLSec)
	envInt("RAG_SNIPPET_CHARS", &cfg.RAG.SnippetChars)
	envInt("RAG_TOP1_FULL_MAX_CHARS", &cfg.RAG.Top1FullMaxChars)
	envInt("RAG_TOP_K", &cfg.RAG.TopK)
	envFloat("RAG_SIM_THRESHOLD", &cfg.RAG.SimThreshold)
	envBool("RAG_RERANK", &cfg.RAG.Rerank)

	envInt("UNDERSTAND_TTL_SEC", &cfg.Understand.TTLSec)
	envInt("UNDERSTAND_MAX", &cfg.Understand.MaxEntries)

	envBool("MAESTRO_OTEL", &cfg.Observer.Enabled)
	envStr("MAESTRO_EXPERTS_PATH", &cfg.Seeds.ExpertsPath)
	envStr("MAESTRO_TEMPLATES_PATH", &cfg.Seeds.TemplatesPath)
	envStr("MAESTRO_STANDARDS_DIR", &cfg.Seeds.StandardsDir)

	cfg.sanitize()
	return cfg
}

// sanitize clamps broken values back to defaults so a bad override
// degrades to known behavior instead of zeroing a limit.
func (c *Config) sanitize() {
	def := Default()
	intFloor(&c.Conductor.MaxConcurrentSync, def.Conductor.MaxConcurrentSync)
	intFloor(&c.Conductor.MaxGoalChars, def.Conductor.MaxGoalChars)
	intFloor(&c.Conductor.FanoutParallel, def.Conductor.FanoutParallel)
	intFloor(&c.Conductor.MaxSubtasks, def.Conductor.MaxSubtasks)
	intFloor(&c.Executor.MaxConcurrent, def.Executor.MaxConcurrent)
	intFloor(&c.Executor.MinWorkers, def.Executor.MinWorkers)
	intFloor(&c.Executor.MaxAttempts, def.Executor.MaxAttempts)
	intFloor(&c.Executor.RetryDelaySec, def.Executor.RetryDelaySec)
	intFloor(&c.Executor.StuckMinutes, def.Executor.StuckMinutes)
	intFloor(&c.Executor.HeartbeatSeconds, def.Executor.HeartbeatSeconds)
	intFloor(&c.Executor.PollSeconds, def.Executor.PollSeconds)
	intFloor(&c.Executor.SweepSeconds, def.Executor.SweepSeconds)
	intFloor(&c.Executor.BatchSize, def.Executor.BatchSize)
	intFloor(&c.Router.LLMTimeoutSec, def.Router.LLMTimeoutSec)
	intFloor(&c.Router.MaxHeavyMLX, def.Router.MaxHeavyMLX)
	intFloor(&c.Router.MaxHeavyOllama, def.Router.MaxHeavyOllama)
	intFloor(&c.RAG.CacheTTLSec, def.RAG.CacheTTLSec)
	intFloor(&c.RAG.SnippetChars, def.RAG.SnippetChars)
	intFloor(&c.RAG.Top1FullMaxChars, def.RAG.Top1FullMaxChars)
	intFloor(&c.RAG.TopK, def.RAG.TopK)
	intFloor(&c.Understand.TTLSec, def.Understand.TTLSec)
	intFloor(&c.Understand.MaxEntries, def.Understand.MaxEntries)
	intFloor(&c.Session.MaxTurns, def.Session.MaxTurns)
	intFloor(&c.Session.MaxChars, def.Session.MaxChars)
	intFloor(&c.Board.MaxStandards, def.Board.MaxStandards)

	if c.RAG.SimThreshold < 0 || c.RAG.SimThreshold > 1 {
		c.RAG.SimThreshold = def.RAG.SimThreshold
	}
	switch c.RAG.CacheBackend {
	case "memory", "redis":
	default:
		c.RAG.CacheBackend = "memory"
	}
	if c.Conductor.DefaultProject == "" {
		c.Conductor.DefaultProject = def.Conductor.DefaultProject
	}
	if c.Server.BodyLimitKB <= 0 {
		c.Server.BodyLimitKB = def.Server.BodyLimitKB
	}
}

// PoolSize is the database connection pool size: the executor's worker
// ceiling plus headroom for the conductor and HTTP surface, floored at 15.
func (c Config) PoolSize() int {
	n := c.Executor.MaxConcurrent + 8
	if n < 15 {
		n = 15
	}
	return n
}

// TimingTable converts configured model timings to the router's table.
func (c Config) TimingTable() maestro.TimingTable {
	t := make(maestro.TimingTable, len(c.Timings))
	for model, mt := range c.Timings {
		t[model] = maestro.ModelTiming{
			ColdStartSec: mt.ColdStartSec,
			PerTokenMS:   mt.PerTokenMS,
			MarginSec:    mt.MarginSec,
		}
	}
	return t
}

// CategoryRefs parses the "family/model" category preference lists.
// Entries with an unknown family prefix are dropped.
func (c Config) CategoryRefs() map[maestro.Category][]maestro.ModelRef {
	out := make(map[maestro.Category][]maestro.ModelRef, len(c.Models.Categories))
	for cat, entries := range c.Models.Categories {
		var refs []maestro.ModelRef
		for _, e := range entries {
			fam, model, ok := strings.Cut(e, "/")
			if !ok || model == "" {
				continue
			}
			switch maestro.Family(fam) {
			case maestro.FamilyOllama, maestro.FamilyMLX:
				refs = append(refs, maestro.ModelRef{Family: maestro.Family(fam), Name: model})
			}
		}
		if len(refs) > 0 {
			out[maestro.Category(cat)] = refs
		}
	}
	return out
}

func intFloor(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
