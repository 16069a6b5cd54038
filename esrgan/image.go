package esrgan

import (
	"image"
	"image/color"
	"math"
)

// RGB is an in-memory image whose pixels are packed 8-bit R, G, B triples.
// It is the buffer Enhance consumes and produces.
type RGB struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

// NewRGB returns a black RGB image with the given bounds.
func NewRGB(r image.Rectangle) *RGB {
	w, h := r.Dx(), r.Dy()
	return &RGB{Pix: make([]uint8, 3*w*h), Stride: 3 * w, Rect: r}
}

func (p *RGB) ColorModel() color.Model { return color.RGBAModel }

func (p *RGB) Bounds() image.Rectangle { return p.Rect }

func (p *RGB) At(x, y int) color.Color { return p.RGBAt(x, y) }

func (p *RGB) RGBAt(x, y int) color.RGBA {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	return color.RGBA{p.Pix[i], p.Pix[i+1], p.Pix[i+2], 0xff}
}

// PixOffset returns the index of the first element of Pix for pixel (x, y).
func (p *RGB) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*3
}

// ToRGB converts any image to RGB. Alpha is dropped, not composited.
func ToRGB(img image.Image) *RGB {
	if p, ok := img.(*RGB); ok {
		return p
	}

	b := img.Bounds()
	dst := NewRGB(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			srow := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			drow := dst.Pix[y*dst.Stride : (y+1)*dst.Stride]
			for x := 0; x < b.Dx(); x++ {
				copy(drow[3*x:3*x+3], srow[4*x:4*x+3])
			}
		}
		return dst
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return dst
}

// Opaque reports that every pixel is fully opaque.
func (p *RGB) Opaque() bool { return true }

// NRGBA widens p for codecs and resamplers with NRGBA fast paths.
func (p *RGB) NRGBA() *image.NRGBA {
	w, h := p.Rect.Dx(), p.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srow := p.Pix[y*p.Stride:]
		drow := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			copy(drow[4*x:4*x+3], srow[3*x:3*x+3])
			drow[4*x+3] = 0xff
		}
	}
	return dst
}

// tensor converts p to a 3xHxW tensor with values in [0, 1].
func (p *RGB) tensor() *Tensor {
	w, h := p.Rect.Dx(), p.Rect.Dy()
	t := NewTensor(3, h, w)
	r, g, b := t.Plane(0), t.Plane(1), t.Plane(2)
	for y := 0; y < h; y++ {
		row := p.Pix[y*p.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			r[i] = float32(row[3*x]) / 255
			g[i] = float32(row[3*x+1]) / 255
			b[i] = float32(row[3*x+2]) / 255
		}
	}
	return t
}

// fromTensor converts a 3-channel tensor with values in [0, 1] to RGB.
func fromTensor(t *Tensor) *RGB {
	dst := NewRGB(image.Rect(0, 0, t.W, t.H))
	r, g, b := t.Plane(0), t.Plane(1), t.Plane(2)
	for i := 0; i < t.H*t.W; i++ {
		dst.Pix[3*i] = quantize(r[i])
		dst.Pix[3*i+1] = quantize(g[i])
		dst.Pix[3*i+2] = quantize(b[i])
	}
	return dst
}

func quantize(v float32) uint8 {
	return uint8(math.Round(float64(v) * 255))
}
