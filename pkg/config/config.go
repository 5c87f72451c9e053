package config

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/arberzela/mothernet/pkg/logger"
)

// Error indicates a malformed or contradictory run invocation. It is fatal
// and surfaced before any training work begins.
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return e.msg
}

// Errorf builds a configuration Error.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Config holds the full run configuration: the transformer, optimizer,
// dataloader, prior and orchestration groups, plus the ambient
// logging/metrics/tracking sections.
type Config struct {
	Transformer   TransformerConfig   `mapstructure:"transformer" json:"transformer"`
	Optimizer     OptimizerConfig     `mapstructure:"optimizer" json:"optimizer"`
	Dataloader    DataloaderConfig    `mapstructure:"dataloader" json:"dataloader"`
	Prior         PriorConfig         `mapstructure:"prior" json:"prior"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration" json:"orchestration"`
	Logging       logger.Config       `mapstructure:"logging" json:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics" json:"metrics"`
	Tracking      TrackingConfig      `mapstructure:"tracking" json:"tracking"`

	// Device and NumGPUs are resolved at run start, never from file.
	Device  string `mapstructure:"device" json:"device"`
	NumGPUs int    `mapstructure:"num_gpus" json:"num_gpus"`
}

// TransformerConfig contains model architecture settings consumed by the
// external model builder.
type TransformerConfig struct {
	EmSize  int     `mapstructure:"emsize" json:"emsize"`
	NHead   int     `mapstructure:"nhead" json:"nhead"`
	NLayers int     `mapstructure:"nlayers" json:"nlayers"`
	NHidden int     `mapstructure:"nhidden" json:"nhidden"`
	Dropout float64 `mapstructure:"dropout" json:"dropout"`
}

// OptimizerConfig contains optimizer and learning-rate schedule settings.
type OptimizerConfig struct {
	LearningRate        float64 `mapstructure:"learning_rate" json:"learning_rate"`
	MinLearningRate     float64 `mapstructure:"min_learning_rate" json:"min_learning_rate"`
	LRDecay             float64 `mapstructure:"lr_decay" json:"lr_decay"`
	Schedule            string  `mapstructure:"schedule" json:"schedule"`
	WarmupEpochs        int     `mapstructure:"warmup_epochs" json:"warmup_epochs"`
	RestartPeriod       int     `mapstructure:"restart_period" json:"restart_period"`
	AggregateKGradients int     `mapstructure:"aggregate_k_gradients" json:"aggregate_k_gradients"`
	WeightDecay         float64 `mapstructure:"weight_decay" json:"weight_decay"`

	AdaptiveRate AdaptiveRateConfig `mapstructure:"adaptive_rate" json:"adaptive_rate"`
}

// AdaptiveRateConfig controls the reactive reduce-on-spike policy.
type AdaptiveRateConfig struct {
	Enabled         bool    `mapstructure:"enabled" json:"enabled"`
	Factor          float64 `mapstructure:"factor" json:"factor"`
	SmoothingWindow int     `mapstructure:"smoothing_window" json:"smoothing_window"`
	MinLearningRate float64 `mapstructure:"min_learning_rate" json:"min_learning_rate"`
	Eps             float64 `mapstructure:"eps" json:"eps"`
}

// DataloaderConfig contains synthetic-batch dataloader settings.
type DataloaderConfig struct {
	BatchSize  int `mapstructure:"batch_size" json:"batch_size"`
	NumSteps   int `mapstructure:"num_steps" json:"num_steps"`
	MaxEvalPos int `mapstructure:"max_eval_pos" json:"max_eval_pos"`
}

// PriorConfig contains prior-generator settings.
type PriorConfig struct {
	NSamples    int `mapstructure:"n_samples" json:"n_samples"`
	NumFeatures int `mapstructure:"num_features" json:"num_features"`
}

// OrchestrationConfig contains run lifecycle settings: checkpointing cadence,
// resume directives and the stop bound.
type OrchestrationConfig struct {
	BasePath        string `mapstructure:"base_path" json:"base_path"`
	Experiment      string `mapstructure:"experiment" json:"experiment"`
	Epochs          int    `mapstructure:"epochs" json:"epochs"`
	StopAfterEpochs int    `mapstructure:"stop_after_epochs" json:"stop_after_epochs"`
	SaveEvery       int    `mapstructure:"save_every" json:"save_every"`
	Seed            int64  `mapstructure:"seed" json:"seed"`

	WarmStartFrom    string `mapstructure:"warm_start_from" json:"warm_start_from"`
	ContinueRun      bool   `mapstructure:"continue_run" json:"continue_run"`
	CreateNewRun     bool   `mapstructure:"create_new_run" json:"create_new_run"`
	RestartScheduler bool   `mapstructure:"restart_scheduler" json:"restart_scheduler"`

	// CheckpointDir enables single-slot preemption-resume checkpointing.
	CheckpointDir string `mapstructure:"checkpoint_dir" json:"checkpoint_dir"`
}

// MetricsConfig contains the prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Port    int    `mapstructure:"port" json:"port"`
	Path    string `mapstructure:"path" json:"path"`
}

// TrackingConfig contains experiment-tracking sink settings.
type TrackingConfig struct {
	Enabled       bool          `mapstructure:"enabled" json:"enabled"`
	Host          string        `mapstructure:"host" json:"host"`
	Port          int           `mapstructure:"port" json:"port"`
	RetryAttempts int           `mapstructure:"retry_attempts" json:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
	Report        bool          `mapstructure:"report" json:"report"`
}

var AppConfig Config

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) error {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/mothernet/")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MOTHERNET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Config file not found, using defaults and environment variables")
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		log.Printf("Using config file: %s", viper.ConfigFileUsed())
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	AppConfig.Derive()

	if err := Validate(&AppConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Transformer defaults
	viper.SetDefault("transformer.emsize", 512)
	viper.SetDefault("transformer.nlayers", 12)
	viper.SetDefault("transformer.nhidden", 1024)
	viper.SetDefault("transformer.dropout", 0.0)

	// Optimizer defaults
	viper.SetDefault("optimizer.learning_rate", 0.00003)
	viper.SetDefault("optimizer.min_learning_rate", 1e-8)
	viper.SetDefault("optimizer.lr_decay", 0.99)
	viper.SetDefault("optimizer.schedule", "cosine")
	viper.SetDefault("optimizer.warmup_epochs", 20)
	viper.SetDefault("optimizer.restart_period", 0)
	viper.SetDefault("optimizer.aggregate_k_gradients", 1)
	viper.SetDefault("optimizer.weight_decay", 0.0)
	viper.SetDefault("optimizer.adaptive_rate.enabled", false)
	viper.SetDefault("optimizer.adaptive_rate.factor", 0.1)
	viper.SetDefault("optimizer.adaptive_rate.smoothing_window", 10)
	viper.SetDefault("optimizer.adaptive_rate.min_learning_rate", 0.0)
	viper.SetDefault("optimizer.adaptive_rate.eps", 1e-8)

	// Dataloader defaults
	viper.SetDefault("dataloader.batch_size", 8)
	viper.SetDefault("dataloader.num_steps", 0)
	viper.SetDefault("dataloader.max_eval_pos", 1000)

	// Prior defaults
	viper.SetDefault("prior.n_samples", 1152)
	viper.SetDefault("prior.num_features", 100)

	// Orchestration defaults
	viper.SetDefault("orchestration.base_path", ".")
	viper.SetDefault("orchestration.experiment", "Default")
	viper.SetDefault("orchestration.epochs", 4000)
	viper.SetDefault("orchestration.stop_after_epochs", 0)
	viper.SetDefault("orchestration.save_every", 50)
	viper.SetDefault("orchestration.seed", 0)
	viper.SetDefault("orchestration.warm_start_from", "")
	viper.SetDefault("orchestration.continue_run", false)
	viper.SetDefault("orchestration.create_new_run", false)
	viper.SetDefault("orchestration.restart_scheduler", false)
	viper.SetDefault("orchestration.checkpoint_dir", "")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.output", "stdout")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")

	// Tracking defaults
	viper.SetDefault("tracking.enabled", false)
	viper.SetDefault("tracking.host", "localhost")
	viper.SetDefault("tracking.port", 5000)
	viper.SetDefault("tracking.retry_attempts", 5)
	viper.SetDefault("tracking.retry_delay", "5s")
	viper.SetDefault("tracking.report", true)
}

// Derive fills in values computed from other settings.
func (c *Config) Derive() {
	if c.Transformer.NHead == 0 && c.Transformer.EmSize >= 128 {
		c.Transformer.NHead = c.Transformer.EmSize / 128
	}
	if c.Transformer.NHead == 0 {
		c.Transformer.NHead = 1
	}
	if c.Dataloader.NumSteps == 0 && c.Dataloader.BatchSize > 0 && c.Optimizer.AggregateKGradients > 0 {
		c.Dataloader.NumSteps = 1024 * 64 / c.Dataloader.BatchSize / c.Optimizer.AggregateKGradients
	}
}

// OpenAILearningRate is the parameter-count learning-rate heuristic, used
// when no explicit rate is configured.
func OpenAILearningRate(numParams int64) float64 {
	return 0.003239 - 0.0001395*math.Log(float64(numParams))
}

// Validate checks the configuration for invalid or contradictory settings.
func Validate(cfg *Config) error {
	if cfg.Orchestration.CreateNewRun && !cfg.Orchestration.ContinueRun {
		return Errorf("specifying create-new-run makes no sense when not continuing run")
	}

	if cfg.Optimizer.LearningRate < 0 {
		return fmt.Errorf("invalid learning rate: %f", cfg.Optimizer.LearningRate)
	}
	if cfg.Optimizer.MinLearningRate < 0 {
		return fmt.Errorf("invalid min learning rate: %f", cfg.Optimizer.MinLearningRate)
	}
	if cfg.Optimizer.LRDecay <= 0 || cfg.Optimizer.LRDecay > 1 {
		return fmt.Errorf("invalid lr decay: %f", cfg.Optimizer.LRDecay)
	}
	switch cfg.Optimizer.Schedule {
	case "cosine", "exponential", "constant", "restarts":
	default:
		return fmt.Errorf("invalid learning rate schedule: %s", cfg.Optimizer.Schedule)
	}
	if cfg.Optimizer.WarmupEpochs < 0 {
		return fmt.Errorf("invalid warmup epochs: %d", cfg.Optimizer.WarmupEpochs)
	}
	if cfg.Optimizer.Schedule == "restarts" {
		if cfg.Optimizer.RestartPeriod <= 0 {
			return Errorf("restart schedule requires a positive restart_period, got %d", cfg.Optimizer.RestartPeriod)
		}
		if cfg.Orchestration.Epochs%cfg.Optimizer.RestartPeriod != 0 {
			return Errorf("restart_period %d does not evenly divide %d total epochs",
				cfg.Optimizer.RestartPeriod, cfg.Orchestration.Epochs)
		}
	}
	if cfg.Optimizer.AdaptiveRate.Enabled {
		if cfg.Optimizer.AdaptiveRate.Factor >= 1.0 || cfg.Optimizer.AdaptiveRate.Factor <= 0 {
			return fmt.Errorf("adaptive rate factor must be in (0, 1), got %f", cfg.Optimizer.AdaptiveRate.Factor)
		}
		if cfg.Optimizer.AdaptiveRate.SmoothingWindow <= 0 {
			return fmt.Errorf("adaptive rate smoothing window must be positive, got %d", cfg.Optimizer.AdaptiveRate.SmoothingWindow)
		}
	}

	if cfg.Dataloader.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size: %d", cfg.Dataloader.BatchSize)
	}
	if cfg.Orchestration.Epochs <= 0 {
		return fmt.Errorf("invalid epoch count: %d", cfg.Orchestration.Epochs)
	}
	if cfg.Orchestration.SaveEvery <= 0 {
		return fmt.Errorf("invalid save_every: %d", cfg.Orchestration.SaveEvery)
	}
	if cfg.Orchestration.StopAfterEpochs < 0 {
		return fmt.Errorf("invalid stop_after_epochs: %d", cfg.Orchestration.StopAfterEpochs)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}
	if cfg.Tracking.Enabled {
		if cfg.Tracking.Host == "" {
			return fmt.Errorf("tracking host must be set when tracking is enabled")
		}
		if cfg.Tracking.RetryAttempts <= 0 {
			return fmt.Errorf("invalid tracking retry attempts: %d", cfg.Tracking.RetryAttempts)
		}
	}

	return nil
}

// GetConfig returns the current configuration.
func GetConfig() Config {
	return AppConfig
}

// WatchConfig watches for configuration file changes.
func WatchConfig(callback func()) {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		logger.GetLogger().Infof("Config file changed: %s", e.Name)
		if err := viper.Unmarshal(&AppConfig); err != nil {
			logger.GetLogger().Errorf("Failed to reload config: %v", err)
			return
		}
		AppConfig.Derive()
		if err := Validate(&AppConfig); err != nil {
			logger.GetLogger().Errorf("Config validation failed after reload: %v", err)
			return
		}
		logger.GetLogger().Info("Configuration reloaded successfully")
		if callback != nil {
			callback()
		}
	})
}

// ToMap converts a typed Config into its nested map form, used by the
// reconciler and by checkpoint snapshots.
func ToMap(cfg *Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to convert config to map: %w", err)
	}
	return m, nil
}

// FromMap converts a nested map form back into a typed Config. Run-derived
// keys that have no struct field are ignored.
func FromMap(m map[string]interface{}) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config map: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to convert map to config: %w", err)
	}
	return &cfg, nil
}
