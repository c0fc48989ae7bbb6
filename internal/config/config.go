package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/outfit-lens/pkg/outfit"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "OUTFIT_LENS_"

// Vision backends
const (
	BackendGemini   = "gemini"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Models   ModelsConfig   `json:"models" yaml:"models"`
	Vision   VisionConfig   `json:"vision" yaml:"vision"`
	Imagen   ImagenConfig   `json:"imagen" yaml:"imagen"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Output   OutputConfig   `json:"output" yaml:"output"`
	Webcam   WebcamConfig   `json:"webcam" yaml:"webcam"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	Addr         string  `json:"addr" yaml:"addr"`
	MaxUploadMB  int     `json:"max_upload_mb" yaml:"max_upload_mb"`
	OverlayScale float64 `json:"overlay_scale" yaml:"overlay_scale"`
}

// PipelineConfig tunes the capture loop
type PipelineConfig struct {
	Window                int  `json:"window" yaml:"window"`
	MaxFrames             int  `json:"max_frames" yaml:"max_frames"`
	Describe              bool `json:"describe" yaml:"describe"`
	GenerateImages        bool `json:"generate_images" yaml:"generate_images"`
	UploadMaxDim          int  `json:"upload_max_dim" yaml:"upload_max_dim"`
	UploadQuality         int  `json:"upload_quality" yaml:"upload_quality"`
	JPEGQuality           int  `json:"jpeg_quality" yaml:"jpeg_quality"`
	RequestTimeoutSeconds int  `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// RequestTimeout returns the cloud request timeout
func (p PipelineConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

// ModelsConfig holds the on-device classifier settings
type ModelsConfig struct {
	// RuntimeLibrary is the onnxruntime shared library, empty for the default
	RuntimeLibrary string      `json:"runtime_library" yaml:"runtime_library"`
	Fashion        ModelConfig `json:"fashion" yaml:"fashion"`
	Pattern        ModelConfig `json:"pattern" yaml:"pattern"`
}

// ModelConfig describes one ONNX model and its label asset
type ModelConfig struct {
	Path        string     `json:"path" yaml:"path"`
	Labels      string     `json:"labels" yaml:"labels"`
	InputName   string     `json:"input_name" yaml:"input_name"`
	OutputNames []string   `json:"output_names" yaml:"output_names"`
	Width       int        `json:"width" yaml:"width"`
	Height      int        `json:"height" yaml:"height"`
	Layout      string     `json:"layout" yaml:"layout"`
	Mean        [3]float32 `json:"mean" yaml:"mean"`
	Std         [3]float32 `json:"std" yaml:"std"`
}

// VisionConfig selects and tunes the vision-language backend
type VisionConfig struct {
	Backend       string `json:"backend" yaml:"backend"`
	Model         string `json:"model" yaml:"model"`
	URL           string `json:"url" yaml:"url"`
	APIKey        string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Prompt        string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	EmptyOutfit   string `json:"empty_outfit,omitempty" yaml:"empty_outfit,omitempty"`
	PlotTemplate  string `json:"plot_template,omitempty" yaml:"plot_template,omitempty"`
	MaxHotPrompts int    `json:"max_hot_prompts" yaml:"max_hot_prompts"`
}

// ImagenConfig holds the image generation settings
type ImagenConfig struct {
	Project         string `json:"project" yaml:"project"`
	Location        string `json:"location" yaml:"location"`
	Model           string `json:"model" yaml:"model"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

// StoreConfig holds the history database settings
type StoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// OutputConfig holds configuration for saved illustrations
type OutputConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"`
	Format  string `json:"format" yaml:"format"`
	Quality int    `json:"quality" yaml:"quality"`
}

// WebcamConfig holds the local camera settings
type WebcamConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Device  int  `json:"device" yaml:"device"`
	FPS     int  `json:"fps" yaml:"fps"`
	Quality int  `json:"quality" yaml:"quality"`
}

// LoggingConfig selects the log level and encoding
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxUploadMB:  16,
			OverlayScale: 0.35,
		},
		Pipeline: PipelineConfig{
			Window:                3,
			MaxFrames:             90,
			Describe:              true,
			GenerateImages:        true,
			UploadMaxDim:          1024,
			UploadQuality:         85,
			JPEGQuality:           90,
			RequestTimeoutSeconds: 120,
		},
		Models: ModelsConfig{
			Fashion: ModelConfig{
				Path:        "models/fashion.onnx",
				Labels:      "models/fashion_labels.json",
				InputName:   "input",
				OutputNames: []string{"type", "coloring", "usage", "gender"},
				Width:       224,
				Height:      224,
				Layout:      "NHWC",
				Std:         [3]float32{1, 1, 1},
			},
			Pattern: ModelConfig{
				Path:        "models/pattern.onnx",
				Labels:      "models/pattern_labels.json",
				InputName:   "input",
				OutputNames: []string{"pattern"},
				Width:       224,
				Height:      224,
				Layout:      "NHWC",
				Std:         [3]float32{1, 1, 1},
			},
		},
		Vision: VisionConfig{
			Backend:       BackendGemini,
			Model:         "gemini-1.5-flash",
			MaxHotPrompts: 4,
		},
		Imagen: ImagenConfig{
			Location: "europe-west2",
			Model:    "imagegeneration@006",
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "outfit-lens.db",
		},
		Output: OutputConfig{
			Enabled: false,
			Dir:     "./output",
			Format:  "png",
			Quality: 90,
		},
		Webcam: WebcamConfig{
			Device:  0,
			FPS:     5,
			Quality: 85,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the effective configuration: defaults, then the optional
// config file, then .env and environment overrides
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		loaded, err := LoadFromFile(filename)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (default ".env").
// Missing files are ignored and variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file. Fields missing
// from the file keep their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration as JSON or YAML depending on the extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides settings from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Vision.APIKey = v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" && c.Imagen.Project == "" {
		c.Imagen.Project = v
	}

	setString(&c.Server.Addr, "ADDR")
	setString(&c.Vision.Backend, "VISION_BACKEND")
	setString(&c.Vision.Model, "VISION_MODEL")
	setString(&c.Vision.URL, "VISION_URL")
	setString(&c.Imagen.Project, "IMAGEN_PROJECT")
	setString(&c.Imagen.Location, "IMAGEN_LOCATION")
	setString(&c.Imagen.CredentialsFile, "IMAGEN_CREDENTIALS")
	setString(&c.Store.Path, "STORE_PATH")
	setString(&c.Output.Dir, "OUTPUT_DIR")
	setString(&c.Models.RuntimeLibrary, "ONNXRUNTIME_LIB")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setBool(&c.Pipeline.Describe, "DESCRIBE")
	setBool(&c.Pipeline.GenerateImages, "GENERATE_IMAGES")
	setBool(&c.Webcam.Enabled, "WEBCAM")
	setInt(&c.Pipeline.MaxFrames, "MAX_FRAMES")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Pipeline.Window < 1 {
		return fmt.Errorf("pipeline.window must be positive")
	}

	if c.Pipeline.MaxFrames < c.Pipeline.Window {
		return fmt.Errorf("pipeline.max_frames must be at least pipeline.window")
	}

	if c.Pipeline.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("pipeline.request_timeout_seconds must be positive")
	}

	for name, q := range map[string]int{
		"pipeline.upload_quality": c.Pipeline.UploadQuality,
		"pipeline.jpeg_quality":   c.Pipeline.JPEGQuality,
		"output.quality":          c.Output.Quality,
		"webcam.quality":          c.Webcam.Quality,
	} {
		if q < 1 || q > 100 {
			return fmt.Errorf("%s must be between 1 and 100", name)
		}
	}

	switch c.Vision.Backend {
	case BackendGemini, BackendOllama, BackendLlamaCpp:
	default:
		return fmt.Errorf("vision.backend must be one of gemini, ollama, llamacpp")
	}

	if c.Vision.PlotTemplate != "" {
		if err := outfit.CheckPlotTemplate(c.Vision.PlotTemplate); err != nil {
			return fmt.Errorf("vision.plot_template: %w", err)
		}
	}

	if c.Server.OverlayScale <= 0 || c.Server.OverlayScale > 1 {
		return fmt.Errorf("server.overlay_scale must be between 0 and 1")
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	switch c.Output.Format {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.format must be png, jpg or webp")
	}

	for name, m := range map[string]ModelConfig{"fashion": c.Models.Fashion, "pattern": c.Models.Pattern} {
		if m.Path == "" || m.Labels == "" {
			return fmt.Errorf("models.%s needs a path and a labels file", name)
		}
		if len(m.OutputNames) == 0 {
			return fmt.Errorf("models.%s.output_names cannot be empty", name)
		}
	}

	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store.path is required when the store is enabled")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "outfit-lens", "config.yaml")
}
