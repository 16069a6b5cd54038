package esrgan

import (
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// colChunk is the number of output pixels convolved per GEMM call.
// It bounds the im2col scratch buffer to inChannels*9*colChunk floats.
const colChunk = 4096

// Tensor is a CHW float32 feature map.
type Tensor struct {
	C, H, W int
	Data    []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// Plane returns the backing slice of channel c.
func (t *Tensor) Plane(c int) []float32 {
	hw := t.H * t.W
	return t.Data[c*hw : (c+1)*hw]
}

// view returns n channels starting at channel c, sharing storage.
func (t *Tensor) view(c, n int) *Tensor {
	hw := t.H * t.W
	return &Tensor{C: n, H: t.H, W: t.W, Data: t.Data[c*hw : (c+n)*hw]}
}

// conv is a 3x3, stride 1, zero padded convolution.
type conv struct {
	out, in int
	weight  []float32 // out x in*9, row major
	bias    []float32
}

func (cv *conv) apply(src *Tensor) *Tensor {
	dst := NewTensor(cv.out, src.H, src.W)
	cv.forward(src, dst)
	return dst
}

// forward writes cv(src) into dst. dst may be a view into a larger tensor.
func (cv *conv) forward(src, dst *Tensor) {
	hw := src.H * src.W
	k := cv.in * 9

	for o := 0; o < cv.out; o++ {
		plane := dst.Data[o*hw : (o+1)*hw]
		b := cv.bias[o]
		for i := range plane {
			plane[i] = b
		}
	}

	n := colChunk
	if hw < n {
		n = hw
	}
	cols := make([]float32, k*n)
	w := blas32.General{Rows: cv.out, Cols: k, Stride: k, Data: cv.weight}
	for p0 := 0; p0 < hw; p0 += n {
		m := n
		if hw-p0 < m {
			m = hw - p0
		}
		im2col(src, p0, m, cols)
		b := blas32.General{Rows: k, Cols: m, Stride: m, Data: cols[:k*m]}
		c := blas32.General{Rows: cv.out, Cols: m, Stride: hw, Data: dst.Data[p0:]}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w, b, 1, c)
	}
}

// im2col unrolls the 3x3 neighbourhoods of pixels [p0, p0+m) into cols,
// one row per (channel, ky, kx) with stride m.
func im2col(src *Tensor, p0, m int, cols []float32) {
	workers := runtime.GOMAXPROCS(0)
	if workers > src.C {
		workers = src.C
	}
	per := (src.C + workers - 1) / workers

	var wg sync.WaitGroup
	for c0 := 0; c0 < src.C; c0 += per {
		c1 := c0 + per
		if c1 > src.C {
			c1 = src.C
		}
		wg.Add(1)
		go func(c0, c1 int) {
			defer wg.Done()
			for ci := c0; ci < c1; ci++ {
				unrollPlane(src, ci, p0, m, cols)
			}
		}(c0, c1)
	}
	wg.Wait()
}

func unrollPlane(src *Tensor, ci, p0, m int, cols []float32) {
	plane := src.Plane(ci)
	for ky := -1; ky <= 1; ky++ {
		for kx := -1; kx <= 1; kx++ {
			row := cols[((ci*3+ky+1)*3+kx+1)*m:][:m]
			y, x := p0/src.W, p0%src.W
			for i := range row {
				sy, sx := y+ky, x+kx
				if sy < 0 || sy >= src.H || sx < 0 || sx >= src.W {
					row[i] = 0
				} else {
					row[i] = plane[sy*src.W+sx]
				}
				x++
				if x == src.W {
					x = 0
					y++
				}
			}
		}
	}
}

func leakyReLU(v []float32) {
	for i, x := range v {
		if x < 0 {
			v[i] = x * 0.2
		}
	}
}

// upsampleNearest repeats every pixel f times along both axes.
func upsampleNearest(t *Tensor, f int) *Tensor {
	out := NewTensor(t.C, t.H*f, t.W*f)
	for c := 0; c < t.C; c++ {
		src, dst := t.Plane(c), out.Plane(c)
		for y := 0; y < out.H; y++ {
			srow := src[(y/f)*t.W:]
			drow := dst[y*out.W : (y+1)*out.W]
			for x := range drow {
				drow[x] = srow[x/f]
			}
		}
	}
	return out
}

// pixelUnshuffle folds each r x r block into r*r channels.
func pixelUnshuffle(t *Tensor, r int) *Tensor {
	out := NewTensor(t.C*r*r, t.H/r, t.W/r)
	for c := 0; c < t.C; c++ {
		src := t.Plane(c)
		for i := 0; i < r; i++ {
			for j := 0; j < r; j++ {
				dst := out.Plane(c*r*r + i*r + j)
				for y := 0; y < out.H; y++ {
					for x := 0; x < out.W; x++ {
						dst[y*out.W+x] = src[(y*r+i)*t.W+x*r+j]
					}
				}
			}
		}
	}
	return out
}

// reflect maps i into [0, n) by mirroring without repeating the edge.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// padBottomRight extends t by reflection.
func padBottomRight(t *Tensor, bottom, right int) *Tensor {
	if bottom == 0 && right == 0 {
		return t
	}
	out := NewTensor(t.C, t.H+bottom, t.W+right)
	for c := 0; c < t.C; c++ {
		src, dst := t.Plane(c), out.Plane(c)
		for y := 0; y < out.H; y++ {
			sy := reflect(y, t.H)
			for x := 0; x < out.W; x++ {
				dst[y*out.W+x] = src[sy*t.W+reflect(x, t.W)]
			}
		}
	}
	return out
}

// crop copies the region [x0,x1) x [y0,y1).
func crop(t *Tensor, x0, y0, x1, y1 int) *Tensor {
	if x0 == 0 && y0 == 0 && x1 == t.W && y1 == t.H {
		return t
	}
	out := NewTensor(t.C, y1-y0, x1-x0)
	for c := 0; c < t.C; c++ {
		src, dst := t.Plane(c), out.Plane(c)
		for y := y0; y < y1; y++ {
			copy(dst[(y-y0)*out.W:(y-y0+1)*out.W], src[y*t.W+x0:y*t.W+x1])
		}
	}
	return out
}

func finite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func clip(v []float32, lo, hi float32) {
	for i, x := range v {
		if x < lo {
			v[i] = lo
		} else if x > hi {
			v[i] = hi
		}
	}
}
