package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// QuantizeQ8 encodes src block by block. Each block stores
// scale = -absmax/128 and codes min(127, round(v/scale)).
func QuantizeQ8(src []float32, blockSize int) ([]byte, []float32, error) {
	if blockSize <= 0 || len(src)%blockSize != 0 {
		return nil, nil, fmt.Errorf("q8: length %d is not a multiple of block %d", len(src), blockSize)
	}
	raw := make([]byte, len(src))
	scales := make([]float32, len(src)/blockSize)
	for b := range scales {
		block := src[b*blockSize : (b+1)*blockSize]
		var amax float32
		for _, v := range block {
			if a := abs32(v); a > amax {
				amax = a
			}
		}
		var iscale, scale float32
		if amax > 0 {
			iscale = -128 / amax
			scale = 1 / iscale
		}
		scales[b] = scale
		for j, v := range block {
			q := math.Floor(float64(v*iscale) + 0.5)
			if q > 127 {
				q = 127
			}
			raw[b*blockSize+j] = byte(int8(q))
		}
	}
	return raw, scales, nil
}

// QuantizeQ4 encodes src block by block. The element with the largest
// magnitude sets scale = max/-8; codes are min(15, trunc(v/scale + 8.5)).
func QuantizeQ4(src []float32, blockSize int) ([]byte, []float32, error) {
	if blockSize <= 0 || blockSize%2 != 0 || len(src)%blockSize != 0 {
		return nil, nil, fmt.Errorf("q4: length %d is not a multiple of even block %d", len(src), blockSize)
	}
	half := blockSize / 2
	raw := make([]byte, len(src)/2)
	scales := make([]float32, len(src)/blockSize)
	for b := range scales {
		block := src[b*blockSize : (b+1)*blockSize]
		var maxv, amax float32
		for _, v := range block {
			if a := abs32(v); a > amax {
				amax = a
				maxv = v
			}
		}
		scale := maxv / -8
		var iscale float32
		if scale != 0 {
			iscale = 1 / scale
		}
		scales[b] = scale
		out := raw[b*half : (b+1)*half]
		for j := range out {
			lo := q4Code(block[j] * iscale)
			hi := q4Code(block[j+half] * iscale)
			out[j] = lo | hi<<4
		}
	}
	return raw, scales, nil
}

func q4Code(f float32) byte {
	c := int(f + 8.5)
	if c > 15 {
		c = 15
	}
	if c < 0 {
		c = 0
	}
	return byte(c)
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// Convert re-encodes m into dt. Quantized targets use blockSize, or the
// default block for dt when blockSize is zero.
func Convert(m *Mat, dt DType, blockSize int) (*Mat, error) {
	if m.DType == dt && (!dt.Quantized() || blockSize == 0 || blockSize == m.BlockSize) {
		return m, nil
	}
	dense := make([]float32, m.R*m.C)
	for i := 0; i < m.R; i++ {
		m.RowTo(dense[i*m.C:(i+1)*m.C], i)
	}
	switch dt {
	case F32:
		return NewMat(m.R, m.C, dense)
	case F16, BF16:
		return NewMatFromRaw(m.R, m.C, dt, EncodeHalf(dense, dt))
	case Q8:
		if blockSize == 0 {
			blockSize = DefaultQ8Block
		}
		raw, scales, err := QuantizeQ8(dense, blockSize)
		if err != nil {
			return nil, err
		}
		return NewQuantMat(m.R, m.C, Q8, blockSize, raw, scales)
	case Q4:
		if blockSize == 0 {
			blockSize = DefaultQ4Block
		}
		raw, scales, err := QuantizeQ4(dense, blockSize)
		if err != nil {
			return nil, err
		}
		return NewQuantMat(m.R, m.C, Q4, blockSize, raw, scales)
	default:
		return nil, fmt.Errorf("convert: unsupported dtype %s", dt)
	}
}

// EncodeF32 returns the little-endian bytes of src.
func EncodeF32(src []float32) []byte {
	out := make([]byte, len(src)*4)
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// EncodeHalf returns src narrowed to F16 or BF16 little-endian bytes.
func EncodeHalf(src []float32, dt DType) []byte {
	out := make([]byte, len(src)*2)
	for i, v := range src {
		var u uint16
		if dt == BF16 {
			u = F32ToBF16(v)
		} else {
			u = F32ToFP16(v)
		}
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

// Encode returns the payload bytes of m as stored on disk.
func (m *Mat) Encode() []byte {
	if m.DType == F32 {
		return EncodeF32(m.Data)
	}
	return m.Raw
}
