// Package safetensors reads and writes the safetensors container format:
// an 8-byte little-endian header length, a JSON header mapping tensor names
// to dtype, shape and data offsets, then the raw tensor bytes.
//
// Files are memory-mapped read-only when possible so tensors can be sliced
// without copying.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

var ErrCorruptFile = errors.New("safetensors: corrupt file")

// maxHeaderLen guards against allocating absurd headers from garbage input.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	Name  string
	DType string
	Shape []int
	Start int64
	End   int64
}

// Elements returns the product of the shape dimensions.
func (t TensorInfo) Elements() int {
	n, _ := numElements(t.Shape)
	return n
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path read-only and validates the header against the file size.
// If mmap is unavailable it falls back to reading the file into memory.
// The returned file must be closed to release the mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: %w: size %d", path, ErrCorruptFile, size64)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		data, err = readAllAt(f, size)
		if err != nil {
			return nil, err
		}
	}

	sf, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}
	sf.mmapped = mmapped
	return sf, nil
}

// OpenBytes parses an in-memory safetensors image.
func OpenBytes(name string, data []byte) (*File, error) {
	return parse(name, data)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parse(path string, data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%s: %w: missing header length", path, ErrCorruptFile)
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%s: %w: header length %d exceeds file", path, ErrCorruptFile, headerLen)
	}
	headerBytes := data[8 : 8+headerLen]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	var meta map[string]string
	if m, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := int64(8 + headerLen)
	dataLen := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		info := TensorInfo{
			Name:  name,
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
		if info.Start < 0 || info.End < info.Start {
			return nil, fmt.Errorf("tensor %s: invalid offsets [%d %d]", name, info.Start, info.End)
		}
		if info.End > dataLen {
			return nil, fmt.Errorf("tensor %s: %w: data ends at %d, file holds %d", name, ErrCorruptFile, info.End, dataLen)
		}
		if want, ok := byteSize(info); ok && want != info.End-info.Start {
			return nil, fmt.Errorf("tensor %s: %s%v needs %d bytes, header declares %d", name, info.DType, info.Shape, want, info.End-info.Start)
		}
		tensors[name] = info
	}

	return &File{
		Path:      path,
		DataStart: dataStart,
		Tensors:   tensors,
		Metadata:  meta,
		data:      data,
	}, nil
}

// byteSize returns the encoded size for dtypes this package understands.
func byteSize(info TensorInfo) (int64, bool) {
	n, err := numElements(info.Shape)
	if err != nil {
		return 0, false
	}
	switch info.DType {
	case "F32", "I32", "U32":
		return int64(n) * 4, true
	case "F16", "BF16", "I16", "U16":
		return int64(n) * 2, true
	case "I8", "U8", "BOOL":
		return int64(n), true
	case "F64", "I64", "U64":
		return int64(n) * 8, true
	case "Q4":
		return int64(n+1) / 2, true
	default:
		return 0, false
	}
}

// Close releases the mapping. Slices returned by ReadTensor must not be
// used afterwards.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ReadTensor returns the tensor's bytes. The slice aliases the file
// mapping and must be treated as read-only.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: file closed", name)
	}
	start := f.DataStart + t.Start
	end := f.DataStart + t.End
	return f.data[start:end:end], t, nil
}

// ReadTensorF32 decodes an F32, BF16 or F16 tensor into a new slice.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := DecodeF32(info.DType, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// DecodeF32 widens F32, BF16 or F16 little-endian bytes.
func DecodeF32(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("invalid f32 data size %d", len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "BF16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("invalid bf16 data size %d", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	case "F16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("invalid f16 data size %d", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = fp16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
