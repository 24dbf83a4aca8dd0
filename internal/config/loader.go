package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override, e.g. CLOUDRT_WORKER_RAY_BUDGET
const EnvPrefix = "CLOUDRT"

// LogConfig holds logger configuration
type LogConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`
	Format     string `yaml:"format" envconfig:"FORMAT"`
	Output     string `yaml:"output" envconfig:"OUTPUT"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	TimeFormat string `yaml:"time_format" envconfig:"TIME_FORMAT"`
}

// StorageConfig selects the object store
type StorageConfig struct {
	URI    string `yaml:"uri" envconfig:"URI"`
	Prefix string `yaml:"prefix" envconfig:"PREFIX"`
}

// CoordinatorConfig holds coordinator settings
type CoordinatorConfig struct {
	Address         string        `yaml:"address" envconfig:"ADDRESS"`
	ExpectedWorkers int           `yaml:"expected_workers" envconfig:"EXPECTED_WORKERS"`
	StatsInterval   time.Duration `yaml:"stats_interval" envconfig:"STATS_INTERVAL"`
	IdleRounds      int           `yaml:"idle_rounds" envconfig:"IDLE_ROUNDS"`
}

// WorkerConfig holds worker loop budgets and timers
type WorkerConfig struct {
	ListenAddress     string        `yaml:"listen_address" envconfig:"LISTEN_ADDRESS"`
	PublicAddress     string        `yaml:"public_address" envconfig:"PUBLIC_ADDRESS"`
	RayBudget         int           `yaml:"ray_budget" envconfig:"RAY_BUDGET"`
	MaxPendingRays    int           `yaml:"max_pending_rays" envconfig:"MAX_PENDING_RAYS"`
	MaxOutRays        int           `yaml:"max_out_rays" envconfig:"MAX_OUT_RAYS"`
	GenerateBatch     int           `yaml:"generate_batch" envconfig:"GENERATE_BATCH"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout" envconfig:"FETCH_TIMEOUT"`
	FetchRetries      uint64        `yaml:"fetch_retries" envconfig:"FETCH_RETRIES"`
	FetchConcurrency  int           `yaml:"fetch_concurrency" envconfig:"FETCH_CONCURRENCY"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT"`
	PeerInterval      time.Duration `yaml:"peer_interval" envconfig:"PEER_INTERVAL"`
	StatsInterval     time.Duration `yaml:"stats_interval" envconfig:"STATS_INTERVAL"`
	StatusInterval    time.Duration `yaml:"status_interval" envconfig:"STATUS_INTERVAL"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	MaxFrameBytes     int           `yaml:"max_frame_bytes" envconfig:"MAX_FRAME_BYTES"`
}

// RenderConfig describes the image being rendered
type RenderConfig struct {
	Width           int    `yaml:"width" envconfig:"WIDTH"`
	Height          int    `yaml:"height" envconfig:"HEIGHT"`
	SamplesPerPixel int    `yaml:"samples_per_pixel" envconfig:"SAMPLES_PER_PIXEL"`
	MaxDepth        int    `yaml:"max_depth" envconfig:"MAX_DEPTH"`
	Output          string `yaml:"output" envconfig:"OUTPUT"`
}

// Config represents the structure of config.yaml
type Config struct {
	Log         LogConfig         `yaml:"log" envconfig:"LOG"`
	Storage     StorageConfig     `yaml:"storage" envconfig:"STORAGE"`
	Coordinator CoordinatorConfig `yaml:"coordinator" envconfig:"COORDINATOR"`
	Worker      WorkerConfig      `yaml:"worker" envconfig:"WORKER"`
	Render      RenderConfig      `yaml:"render" envconfig:"RENDER"`
}

// Default returns the configuration used when neither file nor environment sets a value
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			FilePath:   "logs/cloudrt.log",
			TimeFormat: "rfc3339",
		},
		Storage: StorageConfig{
			URI: "mem://",
		},
		Coordinator: CoordinatorConfig{
			Address:         "127.0.0.1:50000",
			ExpectedWorkers: 1,
			StatsInterval:   time.Second,
			IdleRounds:      3,
		},
		Worker: WorkerConfig{
			ListenAddress:     "127.0.0.1:0",
			RayBudget:         1024,
			MaxPendingRays:    100000,
			MaxOutRays:        100000,
			GenerateBatch:     1024,
			FetchTimeout:      10 * time.Second,
			FetchRetries:      5,
			FetchConcurrency:  8,
			HandshakeTimeout:  5 * time.Second,
			PeerInterval:      time.Second,
			StatsInterval:     time.Second,
			StatusInterval:    10 * time.Second,
			HeartbeatInterval: 2 * time.Second,
			MaxFrameBytes:     64 << 20,
		},
		Render: RenderConfig{
			Width:           64,
			Height:          64,
			SamplesPerPixel: 4,
			MaxDepth:        5,
			Output:          "output.png",
		},
	}
}

// Load reads config.yaml at path (skipped when path is empty or the file does not exist),
// then applies CLOUDRT_* environment overrides on top of the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("error parsing YAML %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations no component can run with
func (c *Config) Validate() error {
	var problems []string
	positive := func(name string, v int) {
		if v <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %d", name, v))
		}
	}
	positiveDuration := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %s", name, d))
		}
	}

	if strings.TrimSpace(c.Storage.URI) == "" {
		problems = append(problems, "storage.uri is required")
	}
	if c.Coordinator.Address == "" {
		problems = append(problems, "coordinator.address is required")
	}
	positive("coordinator.expected_workers", c.Coordinator.ExpectedWorkers)
	positive("coordinator.idle_rounds", c.Coordinator.IdleRounds)
	positiveDuration("coordinator.stats_interval", c.Coordinator.StatsInterval)

	positive("worker.ray_budget", c.Worker.RayBudget)
	positive("worker.max_pending_rays", c.Worker.MaxPendingRays)
	positive("worker.max_out_rays", c.Worker.MaxOutRays)
	positive("worker.generate_batch", c.Worker.GenerateBatch)
	positive("worker.fetch_concurrency", c.Worker.FetchConcurrency)
	positive("worker.max_frame_bytes", c.Worker.MaxFrameBytes)
	positiveDuration("worker.fetch_timeout", c.Worker.FetchTimeout)
	positiveDuration("worker.handshake_timeout", c.Worker.HandshakeTimeout)
	positiveDuration("worker.peer_interval", c.Worker.PeerInterval)
	positiveDuration("worker.stats_interval", c.Worker.StatsInterval)
	positiveDuration("worker.status_interval", c.Worker.StatusInterval)
	positiveDuration("worker.heartbeat_interval", c.Worker.HeartbeatInterval)

	positive("render.width", c.Render.Width)
	positive("render.height", c.Render.Height)
	positive("render.samples_per_pixel", c.Render.SamplesPerPixel)
	if c.Render.MaxDepth < 0 || c.Render.MaxDepth > 255 {
		problems = append(problems, fmt.Sprintf("render.max_depth must be in [0,255], got %d", c.Render.MaxDepth))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
