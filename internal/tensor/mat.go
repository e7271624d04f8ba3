package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
)

// Mat is an immutable row-major weight matrix in one storage format.
//
// F32 weights live in Data. F16 and BF16 weights keep their encoded bytes
// in Raw and are widened inline by the kernels. Q8 and Q4 weights keep
// their codes in Raw and one scale per BlockSize elements in Scales, laid
// out row by row. Raw may alias a read-only memory map; nothing in this
// package writes to it after construction.
type Mat struct {
	R, C      int
	DType     DType
	BlockSize int

	Data   []float32
	Raw    []byte
	Scales []float32
}

// NewMat wraps f32 data of length r*c without copying.
func NewMat(r, c int, data []float32) (*Mat, error) {
	if err := checkDims(r, c); err != nil {
		return nil, err
	}
	if len(data) != r*c {
		return nil, fmt.Errorf("f32 data length %d, want %d", len(data), r*c)
	}
	return &Mat{R: r, C: c, DType: F32, Data: data}, nil
}

// NewMatFromRaw builds a dense matrix from little-endian encoded bytes.
// F32 payloads are decoded into Data because mapped bytes carry no
// alignment guarantee; F16 and BF16 payloads are referenced in place.
func NewMatFromRaw(r, c int, dt DType, raw []byte) (*Mat, error) {
	if err := checkDims(r, c); err != nil {
		return nil, err
	}
	if dt.Quantized() {
		return nil, fmt.Errorf("%s requires block scales", dt)
	}
	want := dt.RowBytes(r * c)
	if want == 0 && r*c != 0 {
		return nil, fmt.Errorf("unsupported dtype %s", dt)
	}
	if len(raw) != want {
		return nil, fmt.Errorf("%s payload is %d bytes, want %d", dt, len(raw), want)
	}
	switch dt {
	case F32:
		data := make([]float32, r*c)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return &Mat{R: r, C: c, DType: F32, Data: data}, nil
	case F16, BF16:
		return &Mat{R: r, C: c, DType: dt, Raw: raw}, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dt)
	}
}

// NewQuantMat builds a Q8 or Q4 matrix from codes and per-block scales.
// c must be a multiple of blockSize, and Q4 blocks must have even length.
func NewQuantMat(r, c int, dt DType, blockSize int, raw []byte, scales []float32) (*Mat, error) {
	if err := checkDims(r, c); err != nil {
		return nil, err
	}
	if !dt.Quantized() {
		return nil, fmt.Errorf("%s is not a block-quantized dtype", dt)
	}
	if blockSize <= 0 || c%blockSize != 0 {
		return nil, fmt.Errorf("%s block size %d does not divide %d columns", dt, blockSize, c)
	}
	if dt == Q4 && blockSize%2 != 0 {
		return nil, fmt.Errorf("q4 block size %d must be even", blockSize)
	}
	if want := dt.RowBytes(r * c); len(raw) != want {
		return nil, fmt.Errorf("%s payload is %d bytes, want %d", dt, len(raw), want)
	}
	if want := r * (c / blockSize); len(scales) != want {
		return nil, fmt.Errorf("%s has %d block scales, want %d", dt, len(scales), want)
	}
	return &Mat{R: r, C: c, DType: dt, BlockSize: blockSize, Raw: raw, Scales: scales}, nil
}

func checkDims(r, c int) error {
	if r < 0 || c < 0 {
		return fmt.Errorf("negative dimension [%d %d]", r, c)
	}
	if r != 0 && (r*c)/r != c {
		return fmt.Errorf("matrix [%d %d] too large", r, c)
	}
	return nil
}

// Bytes reports the resident size of the weights.
func (m *Mat) Bytes() int {
	return len(m.Data)*4 + len(m.Raw) + len(m.Scales)*4
}

// RowTo dequantizes row i into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	dst = dst[:m.C]
	switch m.DType {
	case F32:
		copy(dst, m.Data[i*m.C:(i+1)*m.C])
	case F16:
		lut := f16Lookup()
		off := i * m.C * 2
		for j := range dst {
			dst[j] = lut[u16le(m.Raw, off+j*2)]
		}
	case BF16:
		off := i * m.C * 2
		for j := range dst {
			dst[j] = BF16ToF32(u16le(m.Raw, off+j*2))
		}
	case Q8:
		row := m.Raw[i*m.C : (i+1)*m.C]
		scales := m.Scales[i*(m.C/m.BlockSize):]
		for j := range dst {
			dst[j] = float32(int8(row[j])) * scales[j/m.BlockSize]
		}
	case Q4:
		bs := m.BlockSize
		half := bs / 2
		row := m.Raw[i*m.C/2 : (i+1)*m.C/2]
		scales := m.Scales[i*(m.C/bs):]
		for b := 0; b < m.C/bs; b++ {
			s := scales[b]
			codes := row[b*half : (b+1)*half]
			out := dst[b*bs : (b+1)*bs]
			for j, code := range codes {
				out[j] = float32(int(code&0x0F)-8) * s
				out[j+half] = float32(int(code>>4)-8) * s
			}
		}
	default:
		panic("unsupported dtype for row decode")
	}
}

// At returns a single dequantized element. Intended for tests and tools.
func (m *Mat) At(i, j int) float32 {
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row[j]
}

// RandomMat returns an f32 matrix with reproducible values in
// (-scale, scale).
func RandomMat(r, c int, seed uint64, scale float32) *Mat {
	rng := rand.New(rand.NewPCG(seed, 0x6b696c6e))
	data := make([]float32, r*c)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}
	return &Mat{R: r, C: c, DType: F32, Data: data}
}
