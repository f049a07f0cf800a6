// Package genesiscfg holds the runtime configuration for the sandbox.
// Values come from defaults, an optional YAML file, and GENESIS_* environment
// overrides, in that order.
package genesiscfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full, flattened configuration of the simulation and the
// evolution control plane.
type Config struct {
	// Core simulation parameters.
	TickRateMS    int     `yaml:"tick_rate_ms"`
	MaxEntities   int     `yaml:"max_entities"`
	MinPopulation int     `yaml:"min_population"`
	WorldWidth    float64 `yaml:"world_width"`
	WorldHeight   float64 `yaml:"world_height"`

	// Transport and storage.
	NATSURL      string `yaml:"nats_url"`      // empty = embedded server
	DatabasePath string `yaml:"database_path"` // sqlite file
	HTTPAddr     string `yaml:"http_addr"`

	// LLM.
	LLMAPIKey     string `yaml:"llm_api_key"`
	LLMModel      string `yaml:"llm_model"`
	LLMTimeoutSec int    `yaml:"llm_timeout_sec"`

	// Sandbox safety limits.
	MutationsDir         string  `yaml:"mutations_dir"`
	TraitTimeoutSec      float64 `yaml:"trait_timeout_sec"`
	TickTimeBudgetSec    float64 `yaml:"tick_time_budget_sec"`
	MaxActiveTraits      int     `yaml:"max_active_traits"`
	MaxTraitVersionsKept int     `yaml:"max_trait_versions_kept"`

	// Watcher / evolution cycle.
	SnapshotIntervalTicks        int     `yaml:"snapshot_interval_ticks"`
	EvolutionCooldownSec         int     `yaml:"evolution_cooldown_sec"`
	FitnessRollbackThreshold     float64 `yaml:"fitness_rollback_threshold"`
	PeriodicEvolutionIntervalSec int     `yaml:"periodic_evolution_interval_sec"`

	// Population autoregulators.
	PredatorSpawnThreshold int `yaml:"predator_spawn_threshold"`
	MaxPredators           int `yaml:"max_predators"`
	VirusSpawnThreshold    int `yaml:"virus_spawn_threshold"`
	VirusDurationTicks     int `yaml:"virus_duration_ticks"`

	// Environment.
	InitialResources  int     `yaml:"initial_resources"`
	ResourceEnergy    float64 `yaml:"resource_energy"`
	ResourceSpawnRate float64 `yaml:"resource_spawn_rate"`

	// Checkpointing.
	CheckpointIntervalTicks int `yaml:"checkpoint_interval_ticks"`
}

// Default returns the stock configuration. The numbers mirror the world the
// control plane is tuned for; anything here can be overridden per deployment.
func Default() *Config {
	return &Config{
		TickRateMS:    16,
		MaxEntities:   500,
		MinPopulation: 20,
		WorldWidth:    2000,
		WorldHeight:   2000,

		NATSURL:      "",
		DatabasePath: "genesis.db",
		HTTPAddr:     ":8000",

		LLMModel:      "gemini-2.5-flash",
		LLMTimeoutSec: 120,

		MutationsDir:         "./mutations",
		TraitTimeoutSec:      0.005,
		TickTimeBudgetSec:    0.014,
		MaxActiveTraits:      30,
		MaxTraitVersionsKept: 3,

		SnapshotIntervalTicks:        300,
		EvolutionCooldownSec:         60,
		FitnessRollbackThreshold:     0.15,
		PeriodicEvolutionIntervalSec: 600,

		PredatorSpawnThreshold: 100,
		MaxPredators:           5,
		VirusSpawnThreshold:    150,
		VirusDurationTicks:     600,

		InitialResources:  100,
		ResourceEnergy:    50.0,
		ResourceSpawnRate: 0.5,

		CheckpointIntervalTicks: 3750,
	}
}

// Load reads the config file at path (if it exists) on top of the defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.TickRateMS <= 0 {
		return fmt.Errorf("tick_rate_ms must be positive, got %d", c.TickRateMS)
	}
	if c.MaxEntities < c.MinPopulation {
		return fmt.Errorf("max_entities (%d) below min_population (%d)", c.MaxEntities, c.MinPopulation)
	}
	if c.WorldWidth <= 0 || c.WorldHeight <= 0 {
		return fmt.Errorf("world dimensions must be positive")
	}
	if c.MaxActiveTraits <= 0 {
		return fmt.Errorf("max_active_traits must be positive")
	}
	if c.MaxTraitVersionsKept <= 0 {
		return fmt.Errorf("max_trait_versions_kept must be positive")
	}
	if c.SnapshotIntervalTicks <= 0 {
		return fmt.Errorf("snapshot_interval_ticks must be positive")
	}
	return nil
}

// TickPeriod returns the configured tick period as a duration.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.TickRateMS) * time.Millisecond
}

// TraitTimeout returns the per-trait execution timeout.
func (c *Config) TraitTimeout() time.Duration {
	return time.Duration(c.TraitTimeoutSec * float64(time.Second))
}

// TickTimeBudget returns the per-tick aggregate trait budget.
func (c *Config) TickTimeBudget() time.Duration {
	return time.Duration(c.TickTimeBudgetSec * float64(time.Second))
}

// LLMTimeout returns the wall-clock limit for a single LLM call.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec) * time.Second
}

// EvolutionCooldown returns the minimum interval between anomaly triggers.
func (c *Config) EvolutionCooldown() time.Duration {
	return time.Duration(c.EvolutionCooldownSec) * time.Second
}

// PeriodicEvolutionInterval returns the fixed cadence of periodic triggers.
func (c *Config) PeriodicEvolutionInterval() time.Duration {
	return time.Duration(c.PeriodicEvolutionIntervalSec) * time.Second
}

// applyEnvOverrides maps GENESIS_* environment variables onto the config.
// Unparseable values are ignored so a bad override cannot take the sandbox
// down at boot.
func (c *Config) applyEnvOverrides() {
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setInt("GENESIS_TICK_RATE_MS", &c.TickRateMS)
	setInt("GENESIS_MAX_ENTITIES", &c.MaxEntities)
	setInt("GENESIS_MIN_POPULATION", &c.MinPopulation)
	setFloat("GENESIS_WORLD_WIDTH", &c.WorldWidth)
	setFloat("GENESIS_WORLD_HEIGHT", &c.WorldHeight)

	setString("GENESIS_NATS_URL", &c.NATSURL)
	setString("GENESIS_DATABASE_PATH", &c.DatabasePath)
	setString("GENESIS_HTTP_ADDR", &c.HTTPAddr)

	setString("GENESIS_LLM_API_KEY", &c.LLMAPIKey)
	setString("GEMINI_API_KEY", &c.LLMAPIKey)
	setString("GENESIS_LLM_MODEL", &c.LLMModel)
	setInt("GENESIS_LLM_TIMEOUT_SEC", &c.LLMTimeoutSec)

	setString("GENESIS_MUTATIONS_DIR", &c.MutationsDir)
	setFloat("GENESIS_TRAIT_TIMEOUT_SEC", &c.TraitTimeoutSec)
	setFloat("GENESIS_TICK_TIME_BUDGET_SEC", &c.TickTimeBudgetSec)
	setInt("GENESIS_MAX_ACTIVE_TRAITS", &c.MaxActiveTraits)
	setInt("GENESIS_MAX_TRAIT_VERSIONS_KEPT", &c.MaxTraitVersionsKept)

	setInt("GENESIS_SNAPSHOT_INTERVAL_TICKS", &c.SnapshotIntervalTicks)
	setInt("GENESIS_EVOLUTION_COOLDOWN_SEC", &c.EvolutionCooldownSec)
	setFloat("GENESIS_FITNESS_ROLLBACK_THRESHOLD", &c.FitnessRollbackThreshold)
	setInt("GENESIS_PERIODIC_EVOLUTION_INTERVAL_SEC", &c.PeriodicEvolutionIntervalSec)

	setInt("GENESIS_PREDATOR_SPAWN_THRESHOLD", &c.PredatorSpawnThreshold)
	setInt("GENESIS_MAX_PREDATORS", &c.MaxPredators)
	setInt("GENESIS_VIRUS_SPAWN_THRESHOLD", &c.VirusSpawnThreshold)
	setInt("GENESIS_VIRUS_DURATION_TICKS", &c.VirusDurationTicks)

	setInt("GENESIS_INITIAL_RESOURCES", &c.InitialResources)
	setFloat("GENESIS_RESOURCE_ENERGY", &c.ResourceEnergy)
	setFloat("GENESIS_RESOURCE_SPAWN_RATE", &c.ResourceSpawnRate)

	setInt("GENESIS_CHECKPOINT_INTERVAL_TICKS", &c.CheckpointIntervalTicks)
}
