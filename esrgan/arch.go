package esrgan

import (
	"fmt"
	"sort"
)

// Architecture describes an RRDB network.
type Architecture struct {
	InChannels     int
	OutChannels    int
	Features       int
	Blocks         int
	GrowthChannels int
	Scale          int
}

// DefaultArchitecture is the RealESRGAN_x4plus layout for the given scale.
func DefaultArchitecture(scale int) Architecture {
	return Architecture{
		InChannels:     3,
		OutChannels:    3,
		Features:       64,
		Blocks:         23,
		GrowthChannels: 32,
		Scale:          scale,
	}
}

// Validate reports whether a can be built. Enhance works on RGB, so both
// channel counts must be 3.
func (a Architecture) Validate() error {
	if a.InChannels != 3 || a.OutChannels != 3 {
		return fmt.Errorf("%w: need 3 input and output channels, got %d and %d", ErrInvalidArchitecture, a.InChannels, a.OutChannels)
	}
	if a.Features <= 0 || a.Blocks <= 0 || a.GrowthChannels <= 0 {
		return fmt.Errorf("%w: features, blocks and growth channels must be positive", ErrInvalidArchitecture)
	}
	switch a.Scale {
	case 1, 2, 4:
	default:
		return fmt.Errorf("%w: unsupported scale %d", ErrInvalidArchitecture, a.Scale)
	}
	return nil
}

// unshuffle is the pixel-unshuffle factor applied before conv_first.
func (a Architecture) unshuffle() int {
	switch a.Scale {
	case 2:
		return 2
	case 1:
		return 4
	}
	return 1
}

// ParameterShapes lists every tensor the architecture needs, keyed by its
// state dict name.
func (a Architecture) ParameterShapes() map[string][]int {
	nf, gc := a.Features, a.GrowthChannels
	r := a.unshuffle()
	shapes := make(map[string][]int)

	addConv := func(name string, out, in int) {
		shapes[name+".weight"] = []int{out, in, 3, 3}
		shapes[name+".bias"] = []int{out}
	}

	addConv("conv_first", nf, a.InChannels*r*r)
	for i := 0; i < a.Blocks; i++ {
		for j := 1; j <= 3; j++ {
			prefix := fmt.Sprintf("body.%d.rdb%d", i, j)
			for k := 1; k <= 4; k++ {
				addConv(fmt.Sprintf("%s.conv%d", prefix, k), gc, nf+(k-1)*gc)
			}
			addConv(prefix+".conv5", nf, nf+4*gc)
		}
	}
	addConv("conv_body", nf, nf)
	addConv("conv_up1", nf, nf)
	addConv("conv_up2", nf, nf)
	addConv("conv_hr", nf, nf)
	addConv("conv_last", a.OutChannels, nf)

	return shapes
}

// rdb is a residual dense block.
type rdb struct {
	convs [5]*conv
}

func (b *rdb) forward(x *Tensor) *Tensor {
	nf := x.C
	gc := b.convs[0].out

	dense := NewTensor(nf+4*gc, x.H, x.W)
	copy(dense.Data, x.Data)
	for i := 0; i < 4; i++ {
		out := dense.view(nf+i*gc, gc)
		b.convs[i].forward(dense.view(0, nf+i*gc), out)
		leakyReLU(out.Data)
	}

	out := b.convs[4].apply(dense)
	for i, v := range out.Data {
		out.Data[i] = v*0.2 + x.Data[i]
	}
	return out
}

// rrdb chains three dense blocks with a scaled residual.
type rrdb struct {
	blocks [3]rdb
}

func (b *rrdb) forward(x *Tensor) *Tensor {
	out := x
	for i := range b.blocks {
		out = b.blocks[i].forward(out)
	}
	for i, v := range out.Data {
		out.Data[i] = v*0.2 + x.Data[i]
	}
	return out
}

type network struct {
	arch      Architecture
	convFirst *conv
	body      []rrdb
	convBody  *conv
	convUp1   *conv
	convUp2   *conv
	convHR    *conv
	convLast  *conv
}

// buildNetwork binds weights to the architecture. Every expected tensor must be
// present with its exact shape and no unexpected tensors may remain.
func buildNetwork(a Architecture, weights map[string]Weight) (*network, error) {
	shapes := a.ParameterShapes()

	var missing, wrong []string
	for name, shape := range shapes {
		w, ok := weights[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if !sameShape(w.Shape, shape) {
			wrong = append(wrong, fmt.Sprintf("%s %v (want %v)", name, w.Shape, shape))
		}
	}
	var unexpected []string
	for name := range weights {
		if _, ok := shapes[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	if len(missing)+len(wrong)+len(unexpected) > 0 {
		sort.Strings(missing)
		sort.Strings(wrong)
		sort.Strings(unexpected)
		return nil, fmt.Errorf("%w: missing %v, wrong shape %v, unexpected %v",
			ErrArchitectureMismatch, head(missing), head(wrong), head(unexpected))
	}

	get := func(name string) *conv {
		w, b := weights[name+".weight"], weights[name+".bias"]
		return &conv{out: w.Shape[0], in: w.Shape[1], weight: w.Data, bias: b.Data}
	}

	n := &network{
		arch:      a,
		convFirst: get("conv_first"),
		body:      make([]rrdb, a.Blocks),
		convBody:  get("conv_body"),
		convUp1:   get("conv_up1"),
		convUp2:   get("conv_up2"),
		convHR:    get("conv_hr"),
		convLast:  get("conv_last"),
	}
	for i := range n.body {
		for j := range n.body[i].blocks {
			for k := range n.body[i].blocks[j].convs {
				n.body[i].blocks[j].convs[k] = get(fmt.Sprintf("body.%d.rdb%d.conv%d", i, j+1, k+1))
			}
		}
	}
	return n, nil
}

// forward maps an image tensor to a tensor Scale times larger.
func (n *network) forward(x *Tensor) *Tensor {
	feat := x
	if r := n.arch.unshuffle(); r > 1 {
		feat = pixelUnshuffle(x, r)
	}
	feat = n.convFirst.apply(feat)

	trunk := feat
	for i := range n.body {
		trunk = n.body[i].forward(trunk)
	}
	trunk = n.convBody.apply(trunk)
	for i, v := range feat.Data {
		trunk.Data[i] += v
	}

	up := n.convUp1.apply(upsampleNearest(trunk, 2))
	leakyReLU(up.Data)
	up = n.convUp2.apply(upsampleNearest(up, 2))
	leakyReLU(up.Data)
	up = n.convHR.apply(up)
	leakyReLU(up.Data)
	return n.convLast.apply(up)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// head truncates long name lists in error messages.
func head(names []string) []string {
	if len(names) > 5 {
		return append(names[:5:5], fmt.Sprintf("... %d more", len(names)-5))
	}
	return names
}
