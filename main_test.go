package main

import (
	"bytes"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/lon9/upscale-go/config"
	"github.com/lon9/upscale-go/esrgan"
	"github.com/lon9/upscale-go/esrgan/esrgantest"
	"github.com/lon9/upscale-go/upscaler"
)

func TestRunBatch(t *testing.T) {
	dir := t.TempDir()
	model := esrgantest.WriteModel(t, dir, esrgantest.TinyArchitecture(2))

	var inputs []string
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, image.NewNRGBA(image.Rect(0, 0, 4, 3))); err != nil {
			t.Fatal(err)
		}
		f.Close()
		inputs = append(inputs, path)
	}
	inputs = append(inputs, filepath.Join(dir, "missing.png"))

	loader := upscaler.ESRGANLoader{
		Architecture: esrgantest.TinyArchitecture,
		Options:      []esrgan.Option{esrgan.WithTile(2, 2)},
	}
	svc := upscaler.New(upscaler.Config{ModelPath: model, Scale: 2, Outscale: 2}, loader, nil)
	if _, err := svc.Initialize(); err != nil {
		t.Fatal(err)
	}

	results := runBatch(svc, inputs, 3, io.Discard)
	want := []string{"a_upscaled.png", "b_upscaled.png", "c_upscaled.png"}
	for i, name := range want {
		if !results[i].OK() || results[i].Filename != name {
			t.Errorf("result %d = %+v, want %s", i, results[i], name)
		}
	}
	if last := results[3]; last.OK() || last.Err.Kind != upscaler.KindDecode {
		t.Errorf("missing input: %+v", last)
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := &config.Config{ModelPath: "default.safetensors", Scale: 4, Outscale: 4}
	opts := &Options{ModelName: "x2.safetensors", Scale: 2, Tile: 128}
	if err := applyFlags(cfg, opts); err != nil {
		t.Fatal(err)
	}
	if cfg.ModelPath != "x2.safetensors" || cfg.Scale != 2 || cfg.Outscale != 2 || cfg.Tile != 128 {
		t.Errorf("config = %+v", cfg)
	}
	if opts.Workers != 1 {
		t.Errorf("workers = %d, want 1", opts.Workers)
	}

	cfg = &config.Config{ModelPath: "m", Scale: 4, Outscale: 4}
	if err := applyFlags(cfg, &Options{Scale: 4, Outscale: 1.5}); err != nil {
		t.Fatal(err)
	}
	if cfg.Outscale != 1.5 {
		t.Errorf("outscale = %v", cfg.Outscale)
	}

	if err := applyFlags(&config.Config{ModelPath: "m", Scale: 4, Outscale: 4}, &Options{Scale: 3}); err == nil {
		t.Error("scale 3 should be rejected")
	}
}

func TestRunExitStatus(t *testing.T) {
	t.Setenv("UPSCALER_ENVIRONMENT", config.EnvironmentTest)
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")

	in := filepath.Join(dir, "a.png")
	f, err := os.Create(in)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, image.NewNRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	f.Close()

	tests := []struct {
		name string
		args []string
	}{
		{"no inputs", []string{"--env-file", env, "-m", "model.safetensors"}},
		{"bad scale", []string{"--env-file", env, "-s", "3", "-i", in}},
		{"missing weights", []string{"--env-file", env, "-m", filepath.Join(dir, "nope.safetensors"), "-i", in}},
		{"unknown flag", []string{"--no-such-flag"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			if code := run(tt.args, &stderr); code != 1 {
				t.Errorf("run(%v) = %d, want 1", tt.args, code)
			}
		})
	}
	if _, err := os.Stat(filepath.Join(dir, "a_upscaled.png")); !os.IsNotExist(err) {
		t.Errorf("no output expected: %v", err)
	}
}
