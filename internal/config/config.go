package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed prices.yaml
var pricesYAML []byte

// Join modes select how a worker decides whether to trigger aggregation.
const (
	JoinModeAtomic       = "atomic"
	JoinModeCheckSibling = "check-sibling"
)

type Config struct {
	Store     StoreConfig     `toml:"store"`
	Services  ServicesConfig  `toml:"services"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Landmark  LandmarkConfig  `toml:"landmark"`
	AgeGender AgeGenderConfig `toml:"age_gender"`
	OpenAI    OpenAIConfig    `toml:"openai"`
	Gemini    GeminiConfig    `toml:"gemini"`
	Ollama    OllamaConfig    `toml:"ollama"`
	LlamaCpp  LlamaCppConfig  `toml:"llamacpp"`
	Log       LogConfig       `toml:"log"`
	Prices    PricesConfig    `toml:"-"`
}

type StoreConfig struct {
	URL          string        `toml:"url"`            // memory://, redis://, postgres://, mysql://, sqlite://
	TTL          time.Duration `toml:"-"`              // Redis key expiry, prune age for SQL backends
	MaxOpenConns int           `toml:"max_open_conns"` // SQL backends (default 25)
	MaxIdleConns int           `toml:"max_idle_conns"` // SQL backends (default 5)
}

// ServicesConfig holds the addresses the services use to reach each other.
type ServicesConfig struct {
	LandmarkAddr   string `toml:"landmark_addr"`
	AgeGenderAddr  string `toml:"age_gender_addr"`
	AggregatorAddr string `toml:"aggregator_addr"`
	Host           string `toml:"host"` // listen host for every service
}

type PipelineConfig struct {
	JoinMode         string        `toml:"join_mode"`
	OutputDirectory  string        `toml:"output_directory"`
	BackendTimeout   time.Duration `toml:"-"`
	TransportTimeout time.Duration `toml:"-"`
}

type DispatchConfig struct {
	InputDirectory string        `toml:"input_directory"`
	Concurrency    int           `toml:"concurrency"`
	PollInterval   time.Duration `toml:"-"`
}

type LandmarkConfig struct {
	Provider       string `toml:"provider"` // insightface or roboflow
	FaceDetectURL  string `toml:"face_detect_url"`
	RoboflowURL    string `toml:"roboflow_url"`
	RoboflowAPIKey string `toml:"roboflow_api_key"`
	RoboflowModel  string `toml:"roboflow_model"`
}

type AgeGenderConfig struct {
	Provider string `toml:"provider"` // classifier, openai, gemini, ollama, llamacpp
	URL      string `toml:"url"`      // classifier endpoint
}

type OpenAIConfig struct {
	Token string `toml:"token"`
}

type GeminiConfig struct {
	APIKey string `toml:"api_key"`
}

type OllamaConfig struct {
	URL   string `toml:"url"`   // defaults to http://localhost:11434
	Model string `toml:"model"` // defaults to llama3.2-vision:11b
}

type LlamaCppConfig struct {
	URL   string `toml:"url"`   // defaults to http://localhost:8080
	Model string `toml:"model"` // defaults to llava
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

type PricesConfig struct {
	Models map[string]ModelPricing `yaml:"models"`
}

type ModelPricing struct {
	Standard RequestPricing `yaml:"standard"`
	Batch    RequestPricing `yaml:"batch"`
}

type RequestPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envDuration parses a Go duration such as "90s". Invalid or non-positive
// values fall back to the default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load builds the configuration from environment variables.
func Load() *Config {
	var prices PricesConfig
	if err := yaml.Unmarshal(pricesYAML, &prices); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded prices.yaml: " + err.Error())
	}

	storeURL := os.Getenv("STORE_URL")
	if storeURL == "" {
		storeURL = envString("REDIS_URL", "memory://")
	}

	return &Config{
		Store: StoreConfig{
			URL:          storeURL,
			TTL:          envDuration("STORE_TTL", 24*time.Hour),
			MaxOpenConns: envInt("STORE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("STORE_MAX_IDLE_CONNS", 5),
		},
		Services: ServicesConfig{
			LandmarkAddr:   envString("LANDMARK_SERVICE_ADDR", "localhost:50051"),
			AgeGenderAddr:  envString("AGE_GENDER_SERVICE_ADDR", "localhost:50052"),
			AggregatorAddr: envString("AGGREGATOR_SERVICE_ADDR", "localhost:50053"),
			Host:           envString("HOST", "0.0.0.0"),
		},
		Pipeline: PipelineConfig{
			JoinMode:         envString("JOIN_MODE", JoinModeAtomic),
			OutputDirectory:  envString("OUTPUT_DIRECTORY", "./output"),
			BackendTimeout:   envDuration("BACKEND_TIMEOUT", 60*time.Second),
			TransportTimeout: envDuration("TRANSPORT_TIMEOUT", 30*time.Second),
		},
		Dispatch: DispatchConfig{
			InputDirectory: envString("INPUT_DIRECTORY", "./input"),
			Concurrency:    envInt("DISPATCH_CONCURRENCY", 4),
			PollInterval:   envDuration("DISPATCH_POLL_INTERVAL", 2*time.Second),
		},
		Landmark: LandmarkConfig{
			Provider:       envString("LANDMARK_PROVIDER", "insightface"),
			FaceDetectURL:  os.Getenv("FACE_DETECT_URL"),
			RoboflowURL:    envString("ROBOFLOW_URL", "https://detect.roboflow.com"),
			RoboflowAPIKey: os.Getenv("ROBOFLOW_API_KEY"),
			RoboflowModel:  envString("ROBOFLOW_MODEL", "face-detection-mik1i/21"),
		},
		AgeGender: AgeGenderConfig{
			Provider: envString("AGE_GENDER_PROVIDER", "classifier"),
			URL:      os.Getenv("AGE_GENDER_URL"),
		},
		OpenAI: OpenAIConfig{
			Token: os.Getenv("OPENAI_TOKEN"),
		},
		Gemini: GeminiConfig{
			APIKey: os.Getenv("GEMINI_API_KEY"),
		},
		Ollama: OllamaConfig{
			URL:   os.Getenv("OLLAMA_URL"),
			Model: os.Getenv("OLLAMA_MODEL"),
		},
		LlamaCpp: LlamaCppConfig{
			URL:   os.Getenv("LLAMACPP_URL"),
			Model: os.Getenv("LLAMACPP_MODEL"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "console"),
		},
		Prices: prices,
	}
}

// durationOverlay carries the duration settings of a TOML file as whole
// seconds, matching the *_seconds naming used for every timeout.
type durationOverlay struct {
	Store struct {
		TTLSeconds int `toml:"ttl_seconds"`
	} `toml:"store"`
	Pipeline struct {
		BackendTimeoutSeconds   int `toml:"backend_timeout_seconds"`
		TransportTimeoutSeconds int `toml:"transport_timeout_seconds"`
	} `toml:"pipeline"`
	Dispatch struct {
		PollIntervalSeconds int `toml:"poll_interval_seconds"`
	} `toml:"dispatch"`
}

func applySeconds(dst *time.Duration, seconds int) {
	if seconds > 0 {
		*dst = time.Duration(seconds) * time.Second
	}
}

// LoadFile builds the configuration from the environment and then overlays
// the values set in a TOML file. An empty path returns Load().
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	var durations durationOverlay
	if err := toml.Unmarshal(data, &durations); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applySeconds(&cfg.Store.TTL, durations.Store.TTLSeconds)
	applySeconds(&cfg.Pipeline.BackendTimeout, durations.Pipeline.BackendTimeoutSeconds)
	applySeconds(&cfg.Pipeline.TransportTimeout, durations.Pipeline.TransportTimeoutSeconds)
	applySeconds(&cfg.Dispatch.PollInterval, durations.Dispatch.PollIntervalSeconds)

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a service.
func (c *Config) Validate() error {
	switch c.Pipeline.JoinMode {
	case JoinModeAtomic, JoinModeCheckSibling:
	default:
		return fmt.Errorf("unsupported join mode %q (want %s or %s)",
			c.Pipeline.JoinMode, JoinModeAtomic, JoinModeCheckSibling)
	}
	if c.Pipeline.OutputDirectory == "" {
		return fmt.Errorf("OUTPUT_DIRECTORY must not be empty")
	}
	if !strings.Contains(c.Store.URL, "://") {
		return fmt.Errorf("store URL %q has no scheme", c.Store.URL)
	}
	return nil
}

// GetModelPricing returns pricing for a specific model, with fallback defaults
func (c *Config) GetModelPricing(modelName string) ModelPricing {
	if pricing, ok := c.Prices.Models[modelName]; ok {
		return pricing
	}
	// Return zero pricing if model not found
	return ModelPricing{}
}

// ListenPort resolves the port a service listens on: the PORT environment
// variable when set, otherwise the port of the service's own address.
func ListenPort(addr string, defaultPort int) int {
	if p := envInt("PORT", 0); p > 0 {
		return p
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if p, err := strconv.Atoi(addr[i+1:]); err == nil && p > 0 {
			return p
		}
	}
	return defaultPort
}
