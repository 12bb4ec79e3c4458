package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Onnx      OnnxConfig      `toml:"onnx" mapstructure:"onnx"`
	Embedding EmbeddingConfig `toml:"embedding" mapstructure:"embedding"`
	Clip      ClipConfig      `toml:"clip" mapstructure:"clip"`
	Catalog   CatalogConfig   `toml:"catalog" mapstructure:"catalog"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Host  string `toml:"host" mapstructure:"host"`
	Port  string `toml:"port" mapstructure:"port"`
	Token string `toml:"token" mapstructure:"token"`
	// TypedErrors maps failures to 400/502/503 with stable messages instead
	// of answering every failure with 500 and the raw error text.
	TypedErrors bool  `toml:"typed_errors" mapstructure:"typed_errors"`
	BodyLimit   int64 `toml:"body_limit" mapstructure:"body_limit"`
}

type OnnxConfig struct {
	Libonnx        string `toml:"libonnx" mapstructure:"libonnx"`
	Device         string `toml:"device" mapstructure:"device"`
	IntraOpThreads int    `toml:"intra_op_threads" mapstructure:"intra_op_threads"`
	PoolSize       int    `toml:"pool_size" mapstructure:"pool_size"`
}

type EmbeddingConfig struct {
	ModelDir  string `toml:"model_dir" mapstructure:"model_dir"`
	ModelFile string `toml:"model_file" mapstructure:"model_file"`
	ImageSize int    `toml:"image_size" mapstructure:"image_size"`
	// Preprocess is "crop" (center crop) or "pad" (letterbox on white).
	Preprocess string     `toml:"preprocess" mapstructure:"preprocess"`
	Mean       [3]float32 `toml:"mean" mapstructure:"mean"`
	Std        [3]float32 `toml:"std" mapstructure:"std"`
}

type ClipConfig struct {
	Enabled        bool     `toml:"enabled" mapstructure:"enabled"`
	ModelDir       string   `toml:"model_dir" mapstructure:"model_dir"`
	ImageModelFile string   `toml:"image_model_file" mapstructure:"image_model_file"`
	TextModelFile  string   `toml:"text_model_file" mapstructure:"text_model_file"`
	VocabFile      string   `toml:"vocab_file" mapstructure:"vocab_file"`
	MergesFile     string   `toml:"merges_file" mapstructure:"merges_file"`
	ContextLength  int      `toml:"context_length" mapstructure:"context_length"`
	ImageSize      int      `toml:"image_size" mapstructure:"image_size"`
	LogitScale     float32  `toml:"logit_scale" mapstructure:"logit_scale"`
	TopK           int      `toml:"top_k" mapstructure:"top_k"`
	Labels         []string `toml:"labels" mapstructure:"labels"`
}

type CatalogConfig struct {
	DSN   string `toml:"dsn" mapstructure:"dsn"`
	Limit int    `toml:"limit" mapstructure:"limit"`
}

type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
}

var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}

	DefaultLabels = []string{"a product", "a dog", "a cat", "a computer", "a smartphone", "a shirt"}
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      "5000",
			BodyLimit: 32 << 20,
		},
		Onnx: OnnxConfig{
			Device:   "auto",
			PoolSize: 1,
		},
		Embedding: EmbeddingConfig{
			ModelDir:   "models",
			ModelFile:  "vision_encoder.onnx",
			ImageSize:  224,
			Preprocess: "crop",
			Mean:       ClipMean,
			Std:        ClipStd,
		},
		Clip: ClipConfig{
			ModelDir:       "models/clip",
			ImageModelFile: "image_model.onnx",
			TextModelFile:  "text_model.onnx",
			VocabFile:      "vocab.json",
			MergesFile:     "merges.txt",
			ContextLength:  77,
			ImageSize:      224,
			LogitScale:     100,
			TopK:           3,
			Labels:         append([]string(nil), DefaultLabels...),
		},
		Catalog: CatalogConfig{
			Limit: 12,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load merges the TOML file at path over the defaults and applies environment
// overrides. Missing files are not an error.
func Load(path, envFile string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &c); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	if err := applyEnv(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyEnv(c *Config) error {
	c.Server.Host = getEnv("KONAVISION_HOST", c.Server.Host)
	c.Server.Port = getEnv("KONAVISION_PORT", c.Server.Port)
	c.Server.Token = getEnv("KONAVISION_TOKEN", c.Server.Token)
	c.Onnx.Libonnx = getEnv("ONNXRUNTIME_LIB", c.Onnx.Libonnx)
	c.Onnx.Device = getEnv("KONAVISION_DEVICE", c.Onnx.Device)
	c.Catalog.DSN = getEnv("KONAVISION_DATABASE_URL", c.Catalog.DSN)
	c.Log.Level = getEnv("KONAVISION_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("KONAVISION_LOG_FORMAT", c.Log.Format)
	if v := os.Getenv("KONAVISION_TYPED_ERRORS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid KONAVISION_TYPED_ERRORS: %w", err)
		}
		c.Server.TypedErrors = b
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c Config) Validate() error {
	switch c.Onnx.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("unknown onnx device %q (want auto, cpu or cuda)", c.Onnx.Device)
	}
	if c.Onnx.PoolSize < 1 {
		return fmt.Errorf("onnx pool_size must be at least 1, got %d", c.Onnx.PoolSize)
	}
	if c.Embedding.ImageSize <= 0 {
		return fmt.Errorf("embedding image_size must be positive, got %d", c.Embedding.ImageSize)
	}
	switch c.Embedding.Preprocess {
	case "crop", "pad":
	default:
		return fmt.Errorf("unknown embedding preprocess %q (want crop or pad)", c.Embedding.Preprocess)
	}
	if c.Clip.ImageSize <= 0 {
		return fmt.Errorf("clip image_size must be positive, got %d", c.Clip.ImageSize)
	}
	if len(c.Clip.Labels) == 0 {
		return errors.New("clip labels must not be empty")
	}
	if c.Clip.TopK < 1 || c.Clip.TopK > len(c.Clip.Labels) {
		return fmt.Errorf("clip top_k must be between 1 and %d, got %d", len(c.Clip.Labels), c.Clip.TopK)
	}
	if c.Catalog.Limit < 1 {
		return fmt.Errorf("catalog limit must be at least 1, got %d", c.Catalog.Limit)
	}
	return nil
}

func (c Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
