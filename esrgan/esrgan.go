package esrgan

/*
Super-resolution with the ESRGAN RRDB generator, written in Go.
Weights are read from safetensors exports of the Real-ESRGAN checkpoints
(RealESRGAN_x4plus and friends).
Reference: https://github.com/xinntao/Real-ESRGAN, https://github.com/XPixelGroup/BasicSR
*/

import (
	"fmt"
	"image"
	"math"

	"github.com/nfnt/resize"
)

type options struct {
	tile        int
	tilePad     int
	prePad      int
	memoryLimit int64
}

// Option configures a Model at load time.
type Option func(*options)

// WithTile splits inputs into size x size tiles, each extended by pad pixels
// of context. A size of 0 processes the whole image at once.
func WithTile(size, pad int) Option {
	return func(o *options) {
		o.tile = size
		o.tilePad = pad
	}
}

// WithPrePad reflect-pads the bottom and right edges before inference.
func WithPrePad(n int) Option {
	return func(o *options) {
		o.prePad = n
	}
}

// WithMemoryLimit rejects inferences whose estimated peak working set exceeds
// limit bytes. Zero means unlimited.
func WithMemoryLimit(limit int64) Option {
	return func(o *options) {
		o.memoryLimit = limit
	}
}

// Model is a loaded network. It is immutable and Enhance keeps no state
// between calls, but a single Model should run one Enhance at a time to bound
// memory.
type Model struct {
	net  *network
	opts options
}

// Load reads weights from path and binds them to arch.
func Load(path string, arch Architecture, opts ...Option) (*Model, error) {
	if err := arch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	o := options{tilePad: 10}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tile < 0 || o.tilePad < 0 || o.prePad < 0 || o.memoryLimit < 0 {
		return nil, fmt.Errorf("%w: negative tiling or memory option", ErrModelLoad)
	}

	weights, err := ReadWeights(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	net, err := buildNetwork(arch, weights)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	return &Model{net: net, opts: o}, nil
}

// Architecture returns the layout the model was built with.
func (m *Model) Architecture() Architecture {
	return m.net.arch
}

// Enhance upscales img. The network always runs at its trained scale; when
// outscale differs the result is resampled to round(W*outscale) x
// round(H*outscale) with a Lanczos filter.
func (m *Model) Enhance(img *RGB, outscale float64) (out *RGB, err error) {
	if img == nil || img.Rect.Empty() {
		return nil, fmt.Errorf("%w: %w: empty image", ErrInference, ErrInvalidInput)
	}
	if outscale <= 0 || math.IsNaN(outscale) || math.IsInf(outscale, 0) {
		return nil, fmt.Errorf("%w: %w: outscale %v", ErrInference, ErrInvalidInput, outscale)
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrInference, r)
		}
	}()

	scale := m.net.arch.Scale
	w, h := img.Rect.Dx(), img.Rect.Dy()

	x := img.tensor()
	mod := m.net.arch.unshuffle()
	padH := m.opts.prePad + alignUp(h+m.opts.prePad, mod) - (h + m.opts.prePad)
	padW := m.opts.prePad + alignUp(w+m.opts.prePad, mod) - (w + m.opts.prePad)
	x = padBottomRight(x, padH, padW)

	if err := m.checkMemory(x); err != nil {
		return nil, err
	}

	var y *Tensor
	if m.opts.tile > 0 {
		size := alignUp(m.opts.tile, mod)
		pad := alignUp(m.opts.tilePad, mod)
		y = tileProcess(x, scale, m.net.arch.OutChannels, size, pad, m.net.forward)
	} else {
		y = m.net.forward(x)
	}
	y = crop(y, 0, 0, w*scale, h*scale)

	if !finite(y.Data) {
		return nil, fmt.Errorf("%w: %w", ErrInference, ErrInvalidOutput)
	}
	clip(y.Data, 0, 1)
	out = fromTensor(y)

	tw := int(math.Round(float64(w) * outscale))
	th := int(math.Round(float64(h) * outscale))
	if tw < 1 || th < 1 {
		return nil, fmt.Errorf("%w: %w: outscale %v yields an empty image", ErrInference, ErrInvalidInput, outscale)
	}
	if tw != w*scale || th != h*scale {
		out = ToRGB(resize.Resize(uint(tw), uint(th), out.NRGBA(), resize.Lanczos3))
	}

	return out, nil
}

// checkMemory estimates the peak working set of one forward pass over x (or
// over one padded tile of it) in bytes.
func (m *Model) checkMemory(x *Tensor) error {
	if m.opts.memoryLimit == 0 {
		return nil
	}

	w, h := x.W, x.H
	if t := m.opts.tile; t > 0 {
		w = minInt(w, t+2*m.opts.tilePad)
		h = minInt(h, t+2*m.opts.tilePad)
	}

	a := m.net.arch
	r := a.unshuffle()
	grid := int64(w/r) * int64(h/r)
	nf, gc := int64(a.Features), int64(a.GrowthChannels)

	// trunk, skip, dense buffer and block output at the feature grid, two
	// feature maps at 16x the grid during upsampling, and im2col scratch.
	peak := grid*(4*nf+4*gc) + 32*grid*nf + 9*(nf+4*gc)*colChunk
	if m.opts.tile > 0 {
		peak += int64(a.OutChannels+1) * int64(x.W*a.Scale) * int64(x.H*a.Scale)
	}
	peak *= 4

	if peak > m.opts.memoryLimit {
		return fmt.Errorf("%w: %w: need about %d bytes, limit %d", ErrInference, ErrOutOfMemory, peak, m.opts.memoryLimit)
	}
	return nil
}

// tile is one cell of a tiling: the core region it owns and the padded region
// fed to the network.
type tile struct {
	core, padded image.Rectangle
}

// planTiles partitions a w x h grid into size x size cores, each extended by
// pad pixels and clipped to the grid.
func planTiles(w, h, size, pad int) []tile {
	bounds := image.Rect(0, 0, w, h)
	var tiles []tile
	for y0 := 0; y0 < h; y0 += size {
		for x0 := 0; x0 < w; x0 += size {
			core := image.Rect(x0, y0, minInt(x0+size, w), minInt(y0+size, h))
			padded := image.Rect(core.Min.X-pad, core.Min.Y-pad, core.Max.X+pad, core.Max.Y+pad).Intersect(bounds)
			tiles = append(tiles, tile{core: core, padded: padded})
		}
	}
	return tiles
}

// blendRamp returns the weight of each output column (or row) in [p0*s, p1*s)
// for a tile whose core is [c0, c1) on an axis of length n. Seams with a
// neighbour are cross-faded over band input pixels on each side; image
// borders keep full weight.
func blendRamp(c0, c1, p0, p1, n, s, band int) []float32 {
	ramp := make([]float32, (p1-p0)*s)
	for i := range ramp {
		o := float64(p0*s + i)
		wt := 1.0
		if c0 > 0 {
			wt *= seam(o+0.5-float64(c0*s), band*s)
		}
		if c1 < n {
			wt *= seam(float64(c1*s)-o-0.5, band*s)
		}
		ramp[i] = float32(wt)
	}
	return ramp
}

// seam is a linear cross-fade: 0 at d <= -width, 1 at d >= width.
func seam(d float64, width int) float64 {
	if width == 0 {
		if d > 0 {
			return 1
		}
		return 0
	}
	v := (d + float64(width)) / float64(2*width)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// tileProcess runs fn over every tile of x independently and stitches the
// scaled results with normalised blend weights. It does not modify x.
func tileProcess(x *Tensor, scale, outC, size, pad int, fn func(*Tensor) *Tensor) *Tensor {
	ow, oh := x.W*scale, x.H*scale
	out := NewTensor(outC, oh, ow)
	norm := make([]float32, ow*oh)
	band := pad / 2

	for _, t := range planTiles(x.W, x.H, size, pad) {
		p := t.padded
		y := fn(crop(x, p.Min.X, p.Min.Y, p.Max.X, p.Max.Y))

		rx := blendRamp(t.core.Min.X, t.core.Max.X, p.Min.X, p.Max.X, x.W, scale, band)
		ry := blendRamp(t.core.Min.Y, t.core.Max.Y, p.Min.Y, p.Max.Y, x.H, scale, band)
		ox, oy := p.Min.X*scale, p.Min.Y*scale

		for j, wy := range ry {
			if wy == 0 {
				continue
			}
			for i, wx := range rx {
				wt := wx * wy
				if wt == 0 {
					continue
				}
				dst := (oy+j)*ow + ox + i
				src := j*y.W + i
				for c := 0; c < outC; c++ {
					out.Plane(c)[dst] += wt * y.Plane(c)[src]
				}
				norm[dst] += wt
			}
		}
	}

	for c := 0; c < outC; c++ {
		plane := out.Plane(c)
		for i, n := range norm {
			if n > 0 {
				plane[i] /= n
			}
		}
	}
	return out
}

func alignUp(v, m int) int {
	if m <= 1 {
		return v
	}
	return (v + m - 1) / m * m
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
