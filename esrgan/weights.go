package esrgan

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sort"
	"strings"
)

// maxHeaderSize caps the JSON header of a weights file.
const maxHeaderSize = 100 << 20

// Weight is a named parameter tensor of arbitrary rank.
type Weight struct {
	Shape []int
	Data  []float32
}

type tensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// statePrefixes are the wrappers training checkpoints put around the state dict.
var statePrefixes = []string{"params_ema.", "params.", "module."}

// ReadWeights reads every tensor of a safetensors file.
// F16 tensors are widened to float32.
func ReadWeights(path string) (map[string]Weight, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingWeights, path)
		}
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrMissingWeights, path)
	}

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: reading header size: %v", ErrCorruptWeights, err)
	}
	if n == 0 || n > maxHeaderSize || int64(n)+8 > st.Size() {
		return nil, fmt.Errorf("%w: header size %d out of range", ErrCorruptWeights, n)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrCorruptWeights, err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(header, &entries); err != nil {
		return nil, fmt.Errorf("%w: parsing header: %v", ErrCorruptWeights, err)
	}

	// checkpoints carrying both state dicts are read from the EMA copy
	ema := false
	for name := range entries {
		if strings.HasPrefix(name, "params_ema.") {
			ema = true
			break
		}
	}

	base := 8 + int64(n)
	dataSize := st.Size() - base
	weights := make(map[string]Weight, len(entries))
	for name, raw := range entries {
		if name == "__metadata__" || ema && strings.HasPrefix(name, "params.") {
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptWeights, name, err)
		}

		w, err := readTensor(f, base, dataSize, info)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptWeights, name, err)
		}
		weights[stripPrefix(name)] = w
	}

	return weights, nil
}

func readTensor(r io.ReaderAt, base, dataSize int64, info tensorInfo) (Weight, error) {
	var width int64
	switch info.DType {
	case "F32":
		width = 4
	case "F16":
		width = 2
	default:
		return Weight{}, fmt.Errorf("unsupported dtype %q", info.DType)
	}

	// the element count can never exceed what the data section holds
	limit := dataSize / width
	count := int64(1)
	for _, d := range info.Shape {
		if d < 0 {
			return Weight{}, fmt.Errorf("negative dimension in shape %v", info.Shape)
		}
		if d != 0 && count > limit/int64(d) {
			return Weight{}, fmt.Errorf("shape %v exceeds data section of %d bytes", info.Shape, dataSize)
		}
		count *= int64(d)
	}

	begin, end := info.Offsets[0], info.Offsets[1]
	if begin < 0 || end < begin || end > dataSize {
		return Weight{}, fmt.Errorf("offsets %v outside data section of %d bytes", info.Offsets, dataSize)
	}
	if end-begin != count*width {
		return Weight{}, fmt.Errorf("%d bytes for shape %v of %s", end-begin, info.Shape, info.DType)
	}

	buf := make([]byte, end-begin)
	if _, err := r.ReadAt(buf, base+begin); err != nil {
		return Weight{}, err
	}

	data := make([]float32, count)
	for i := range data {
		if width == 4 {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		} else {
			data[i] = halfToFloat(binary.LittleEndian.Uint16(buf[2*i:]))
		}
	}

	return Weight{Shape: append([]int(nil), info.Shape...), Data: data}, nil
}

func stripPrefix(name string) string {
	for _, p := range statePrefixes {
		if strings.HasPrefix(name, p) {
			return strings.TrimPrefix(name, p)
		}
	}
	return name
}

// halfToFloat widens an IEEE 754 binary16 value.
func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalise
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}

// WriteWeights writes tensors as an F32 safetensors file.
func WriteWeights(w io.Writer, weights map[string]Weight) error {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(names))
	var offset int64
	for _, name := range names {
		wt := weights[name]
		size := int64(len(wt.Data)) * 4
		header[name] = tensorInfo{DType: "F32", Shape: wt.Shape, Offsets: [2]int64{offset, offset + size}}
		offset += size
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return err
	}
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}

	buf := make([]byte, 4*1024)
	for _, name := range names {
		data := weights[name].Data
		for len(data) > 0 {
			n := len(data)
			if n > len(buf)/4 {
				n = len(buf) / 4
			}
			for i := 0; i < n; i++ {
				binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(data[i]))
			}
			if _, err := w.Write(buf[:4*n]); err != nil {
				return err
			}
			data = data[n:]
		}
	}

	return nil
}
