package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lon9/upscale-go/esrgan"
	"github.com/lon9/upscale-go/upscaler"
)

const envPrefix = "UPSCALER"

const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
	EnvironmentTest        = "test"
)

type Config struct {
	ModelPath         string   `mapstructure:"model_path"`
	Scale             int      `mapstructure:"scale"`
	Outscale          float64  `mapstructure:"outscale"`
	Tile              int      `mapstructure:"tile"`
	TilePad           int      `mapstructure:"tile_pad"`
	PrePad            int      `mapstructure:"pre_pad"`
	MemoryLimit       int64    `mapstructure:"memory_limit"`
	StorageDir        string   `mapstructure:"storage_dir"`
	Host              string   `mapstructure:"host"`
	Port              int      `mapstructure:"port"`
	Environment       string   `mapstructure:"environment"`
	MaxUploadSize     int64    `mapstructure:"max_upload_size"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

var defaults = map[string]any{
	"model_path":         "./weights/RealESRGAN_x4plus.safetensors",
	"scale":              4,
	"outscale":           4.0,
	"tile":               0,
	"tile_pad":           10,
	"pre_pad":            0,
	"memory_limit":       0,
	"storage_dir":        "./uploads",
	"host":               "0.0.0.0",
	"port":               8000,
	"environment":        EnvironmentDevelopment,
	"max_upload_size":    10 << 20,
	"allowed_extensions": []string{"png", "jpg", "jpeg"},
}

// Load builds a Config from defaults, an optional yaml file, an optional
// dotenv file and UPSCALER_* environment variables, in increasing precedence.
// Empty paths are skipped; a dotenv file that does not exist is ignored.
func Load(configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Scale {
	case 1, 2, 4:
	default:
		return fmt.Errorf("scale must be 1, 2 or 4, got %d", c.Scale)
	}
	if c.Outscale <= 0 {
		return fmt.Errorf("outscale must be positive, got %v", c.Outscale)
	}
	if c.Tile < 0 || c.TilePad < 0 || c.PrePad < 0 || c.MemoryLimit < 0 {
		return errors.New("tile, tile_pad, pre_pad and memory_limit must not be negative")
	}
	if c.ModelPath == "" {
		return errors.New("model_path is not set")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Upscaler returns the service settings.
func (c *Config) Upscaler() upscaler.Config {
	return upscaler.Config{ModelPath: c.ModelPath, Scale: c.Scale, Outscale: c.Outscale}
}

// ModelOptions returns the tiling and memory options for esrgan.Load.
func (c *Config) ModelOptions() []esrgan.Option {
	return []esrgan.Option{
		esrgan.WithTile(c.Tile, c.TilePad),
		esrgan.WithPrePad(c.PrePad),
		esrgan.WithMemoryLimit(c.MemoryLimit),
	}
}

func NewLogger(environment string) (*zap.Logger, error) {
	switch environment {
	case EnvironmentProduction:
		return zap.NewProduction()
	case EnvironmentTest:
		return zap.NewExample(), nil
	}
	return zap.NewDevelopment()
}

func MustNewLogger(environment string) *zap.Logger {
	return zap.Must(NewLogger(environment))
}
