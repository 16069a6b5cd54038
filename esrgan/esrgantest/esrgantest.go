// Package esrgantest provides small deterministic ESRGAN weights for tests.
package esrgantest

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/lon9/upscale-go/esrgan"
)

// TinyArchitecture is an RRDB layout small enough to run in milliseconds.
func TinyArchitecture(scale int) esrgan.Architecture {
	return esrgan.Architecture{
		InChannels:     3,
		OutChannels:    3,
		Features:       4,
		Blocks:         1,
		GrowthChannels: 2,
		Scale:          scale,
	}
}

// Weights returns reproducible weights for arch, scaled by fan-in so
// activations stay in a sane range.
func Weights(arch esrgan.Architecture, seed int64) map[string]esrgan.Weight {
	rng := rand.New(rand.NewSource(seed))
	weights := make(map[string]esrgan.Weight)
	for name, shape := range arch.ParameterShapes() {
		n := 1
		for _, d := range shape {
			n *= d
		}
		bound := float32(0.05)
		if len(shape) == 4 {
			bound = float32(1 / math.Sqrt(float64(shape[1]*9)))
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * bound
		}
		weights[name] = esrgan.Weight{Shape: shape, Data: data}
	}
	return weights
}

// Save writes weights to path as a safetensors file.
func Save(tb testing.TB, path string, weights map[string]esrgan.Weight) string {
	tb.Helper()

	f, err := os.Create(path)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()

	if err := esrgan.WriteWeights(f, weights); err != nil {
		tb.Fatal(err)
	}
	return path
}

// WriteModel writes seeded weights for arch into dir and returns the file path.
func WriteModel(tb testing.TB, dir string, arch esrgan.Architecture) string {
	tb.Helper()
	return Save(tb, filepath.Join(dir, "model.safetensors"), Weights(arch, 1))
}
