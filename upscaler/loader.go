package upscaler

import (
	"github.com/lon9/upscale-go/esrgan"
)

// Enhancer runs super-resolution on one image.
type Enhancer interface {
	Enhance(img *esrgan.RGB, outscale float64) (*esrgan.RGB, error)
}

// Loader builds an Enhancer from a weights file.
type Loader interface {
	Load(modelPath string, scale int) (Enhancer, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(modelPath string, scale int) (Enhancer, error)

func (f LoaderFunc) Load(modelPath string, scale int) (Enhancer, error) {
	return f(modelPath, scale)
}

// ESRGANLoader loads RRDB generators with esrgan.Load.
type ESRGANLoader struct {
	// Architecture maps a scale to a network layout; nil means
	// esrgan.DefaultArchitecture.
	Architecture func(scale int) esrgan.Architecture
	Options      []esrgan.Option
}

// NewESRGANLoader returns a loader for the default architecture.
func NewESRGANLoader(opts ...esrgan.Option) ESRGANLoader {
	return ESRGANLoader{Options: opts}
}

func (l ESRGANLoader) Load(modelPath string, scale int) (Enhancer, error) {
	arch := esrgan.DefaultArchitecture(scale)
	if l.Architecture != nil {
		arch = l.Architecture(scale)
	}
	m, err := esrgan.Load(modelPath, arch, l.Options...)
	if err != nil {
		return nil, err
	}
	return m, nil
}
