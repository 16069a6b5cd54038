package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scale != 4 || cfg.Outscale != 4 {
		t.Errorf("scale %d outscale %v, want 4 and 4", cfg.Scale, cfg.Outscale)
	}
	if cfg.TilePad != 10 || cfg.Tile != 0 {
		t.Errorf("tile %d pad %d, want 0 and 10", cfg.Tile, cfg.TilePad)
	}
	if cfg.Addr() != "0.0.0.0:8000" {
		t.Errorf("addr = %s", cfg.Addr())
	}
	if cfg.MaxUploadSize != 10<<20 {
		t.Errorf("max upload size = %d", cfg.MaxUploadSize)
	}
	if !reflect.DeepEqual(cfg.AllowedExtensions, []string{"png", "jpg", "jpeg"}) {
		t.Errorf("allowed extensions = %v", cfg.AllowedExtensions)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	yaml := "scale: 2\noutscale: 3\nport: 9000\nstorage_dir: /srv/images\n"
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	env := filepath.Join(dir, ".env")
	if err := os.WriteFile(env, []byte("UPSCALER_TILE=256\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("UPSCALER_PORT", "9100")
	t.Setenv("UPSCALER_ALLOWED_EXTENSIONS", "png,webp")
	// godotenv sets variables process wide; register it for cleanup
	t.Setenv("UPSCALER_TILE", "")
	os.Unsetenv("UPSCALER_TILE")

	cfg, err := Load(file, env)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scale != 2 || cfg.Outscale != 3 || cfg.StorageDir != "/srv/images" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Port != 9100 {
		t.Errorf("port = %d, environment should win over the file", cfg.Port)
	}
	if cfg.Tile != 256 {
		t.Errorf("tile = %d, want 256 from the env file", cfg.Tile)
	}
	if !reflect.DeepEqual(cfg.AllowedExtensions, []string{"png", "webp"}) {
		t.Errorf("allowed extensions = %v", cfg.AllowedExtensions)
	}
}

func TestLoadMissingEnvFileIgnored(t *testing.T) {
	if _, err := Load("", filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), ""); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"scale", func(c *Config) { c.Scale = 3 }},
		{"outscale", func(c *Config) { c.Outscale = 0 }},
		{"tile", func(c *Config) { c.Tile = -1 }},
		{"model path", func(c *Config) { c.ModelPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{ModelPath: "m", Scale: 4, Outscale: 4}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{EnvironmentProduction, EnvironmentDevelopment, EnvironmentTest, ""} {
		if _, err := NewLogger(env); err != nil {
			t.Errorf("NewLogger(%q): %v", env, err)
		}
	}
}
